package repository

import (
	"context"
	"time"

	"github.com/and161185/subrelay/internal/model"
)

// MarkerRepository is the durable account -> last-catch-up mapping behind
// the cold-start gate. Single writer per account.
type MarkerRepository interface {
	// Marker returns the last catch-up time, or ok=false when none exists.
	Marker(ctx context.Context, account model.Account) (t time.Time, ok bool, err error)

	// SetMarker records the catch-up time for an account.
	SetMarker(ctx context.Context, account model.Account, t time.Time) error
}
