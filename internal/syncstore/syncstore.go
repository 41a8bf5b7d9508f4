// Package syncstore maintains a per-account materialized subscription set,
// derived by replaying batches of the account's replicated sync log.
package syncstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/subrelay/internal/crypto"
	"github.com/and161185/subrelay/internal/errs"
	"github.com/and161185/subrelay/internal/identity"
	"github.com/and161185/subrelay/internal/keystore"
	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/repository"
)

// Store reconciles sync log batches into subscription state and gates the
// one-time, signature-authenticated registration handshake.
type Store struct {
	log  *zap.Logger
	repo repository.SyncRepository
	keys keystore.KeyStore

	mu       sync.Mutex
	accounts map[model.Account]*sync.Mutex
}

// New constructs a sync store.
func New(repo repository.SyncRepository, keys keystore.KeyStore, log *zap.Logger) *Store {
	return &Store{
		log:      log,
		repo:     repo,
		keys:     keys,
		accounts: make(map[model.Account]*sync.Mutex),
	}
}

// accountLock returns the per-account critical section. Reconciliation runs
// for the same account must not interleave: replace semantics race otherwise.
func (s *Store) accountLock(account model.Account) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.accounts[account]
	if !ok {
		l = &sync.Mutex{}
		s.accounts[account] = l
	}
	return l
}

// Reconcile reduces one sync batch to its surviving subscriptions.
// A tombstone anywhere in the batch removes its key regardless of position;
// for surviving keys the last insert in batch order wins (the log delivers
// batches in chronological order). Inserts that fail to decode are skipped.
func Reconcile(records []model.SyncRecord, log *zap.Logger) []model.Subscription {
	tombstoned := make(map[string]struct{})
	for _, r := range records {
		if r.Tombstone() {
			tombstoned[r.Key] = struct{}{}
		}
	}

	latest := make(map[string]model.Subscription)
	var order []string
	for _, r := range records {
		if r.Tombstone() {
			continue
		}
		if _, dead := tombstoned[r.Key]; dead {
			continue
		}
		sub, err := r.DecodeValue()
		if err != nil {
			log.Warn("skipping undecodable sync record", zap.String("key", r.Key), zap.Error(err))
			continue
		}
		if _, seen := latest[r.Key]; !seen {
			order = append(order, r.Key)
		}
		latest[r.Key] = sub
	}

	out := make([]model.Subscription, 0, len(latest))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}

// ReplaceInStore reconciles the batch and atomically replaces the
// materialized set for the account. Each catch-up batch is authoritative
// for the fetched window; no incremental merge with prior state.
// Serialized per account; a cancelled context commits nothing.
func (s *Store) ReplaceInStore(ctx context.Context, account model.Account, records []model.SyncRecord) ([]model.Subscription, error) {
	l := s.accountLock(account)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subs := Reconcile(records, s.log)
	if err := s.repo.Replace(ctx, account, subs); err != nil {
		return nil, fmt.Errorf("replace in store %s: %w", account, err)
	}
	return subs, nil
}

// IsRegistered reports whether the account completed the sync handshake.
func (s *Store) IsRegistered(ctx context.Context, account model.Account) (bool, error) {
	_, ok, err := s.repo.StoreTopic(ctx, account)
	return ok, err
}

// RegisterIfNeeded runs the one-time registration handshake: asks the user
// to sign the registration message, derives the account's sync key and store
// topic from the signature, installs the key, and records the registration.
// Already-registered accounts are a no-op. A declined prompt surfaces
// errs.ErrSignatureRejected.
func (s *Store) RegisterIfNeeded(ctx context.Context, account model.Account, onSign identity.SignFunc) error {
	registered, err := s.IsRegistered(ctx, account)
	if err != nil {
		return err
	}
	if registered {
		return nil
	}

	sig, err := onSign(ctx, identity.RegistrationMessage(account))
	if err != nil {
		return fmt.Errorf("register %s: %w", account, err)
	}

	syncKey, err := crypto.DeriveSyncKey([]byte(sig), account.String())
	if err != nil {
		return fmt.Errorf("register %s: %w", account, err)
	}
	topic := crypto.TopicForKey(syncKey)
	if err := s.keys.SetSymmetricKey(topic, syncKey); err != nil {
		return fmt.Errorf("register %s: %w", account, err)
	}
	if err := s.repo.Register(ctx, account, topic); err != nil {
		return fmt.Errorf("register %s: %w", account, err)
	}
	s.log.Debug("sync store registered", zap.String("account", account.String()), zap.String("topic", topic))
	return nil
}

// StoreTopic returns the topic carrying the account's replicated log.
func (s *Store) StoreTopic(ctx context.Context, account model.Account) (string, error) {
	topic, ok, err := s.repo.StoreTopic(ctx, account)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("store topic %s: %w", account, errs.ErrNotRegistered)
	}
	return topic, nil
}

// Subscriptions returns the current materialized set for an account.
func (s *Store) Subscriptions(ctx context.Context, account model.Account) ([]model.Subscription, error) {
	return s.repo.List(ctx, account)
}

// Upsert writes one subscription into the account's set, as happens when an
// invite is accepted on this device.
func (s *Store) Upsert(ctx context.Context, account model.Account, sub model.Subscription) error {
	l := s.accountLock(account)
	l.Lock()
	defer l.Unlock()
	return s.repo.Upsert(ctx, account, sub)
}

// Tombstone removes a subscription by database id, the local half of a
// delete. The lifecycle manager replicates the tombstone to the account's
// store topic.
func (s *Store) Tombstone(ctx context.Context, account model.Account, databaseID string) error {
	l := s.accountLock(account)
	l.Lock()
	defer l.Unlock()
	return s.repo.Delete(ctx, account, databaseID)
}

// EncodeValue renders a subscription in sync log wire form.
func EncodeValue(sub model.Subscription) (model.SyncRecord, error) {
	if len(sub.SymKey) != 0 {
		if _, err := hex.DecodeString(sub.SymKey); err != nil {
			return model.SyncRecord{}, fmt.Errorf("sym key not hex: %w", err)
		}
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return model.SyncRecord{}, err
	}
	v := string(raw)
	return model.SyncRecord{Key: sub.DatabaseID, Value: &v}, nil
}
