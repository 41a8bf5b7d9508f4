// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/subrelay/internal/model"
)

// SyncRepository persists the materialized sync state per account: the
// current subscription set plus the one-time registration handshake.
type SyncRepository interface {
	// Replace atomically swaps the materialized subscription set for an account.
	Replace(ctx context.Context, account model.Account, subs []model.Subscription) error

	// Upsert inserts or updates a single subscription by its database id.
	Upsert(ctx context.Context, account model.Account, sub model.Subscription) error

	// Delete removes a subscription by database id. Absent ids are a no-op.
	Delete(ctx context.Context, account model.Account, databaseID string) error

	// List returns the materialized subscription set for an account.
	List(ctx context.Context, account model.Account) ([]model.Subscription, error)

	// Register records the account's sync registration and store topic.
	// Idempotent: re-registering an account is a no-op.
	Register(ctx context.Context, account model.Account, storeTopic string) error

	// StoreTopic returns the registered store topic, or ok=false when the
	// account has not registered yet.
	StoreTopic(ctx context.Context, account model.Account) (topic string, ok bool, err error)
}
