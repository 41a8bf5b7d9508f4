package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/repository"
)

// SyncRepo implements SyncRepository using PostgreSQL.
type SyncRepo struct{ db *DB }

// NewSyncRepo constructs a sync repository.
func NewSyncRepo(db *DB) *SyncRepo { return &SyncRepo{db: db} }

var _ repository.SyncRepository = (*SyncRepo)(nil)

// Replace swaps the materialized subscription set for an account in one transaction.
func (r *SyncRepo) Replace(
	ctx context.Context, account model.Account, subs []model.Subscription,
) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const del = `DELETE FROM subscriptions WHERE account=$1`
	const ins = `
INSERT INTO subscriptions (account, database_id, topic, sym_key, peer_account, metadata)
VALUES ($1,$2,$3,$4,$5,$6)`

	if _, err = tx.Exec(ctx, del, account.String()); err != nil {
		return err
	}
	for i := range subs {
		var meta []byte
		meta, err = json.Marshal(subs[i].Metadata)
		if err != nil {
			return err
		}
		if _, err = tx.Exec(ctx, ins,
			account.String(), subs[i].DatabaseID, subs[i].Topic,
			subs[i].SymKey, subs[i].PeerAccount.String(), meta,
		); err != nil {
			return err
		}
	}
	return nil
}

// Upsert inserts or updates one subscription by (account, database_id).
func (r *SyncRepo) Upsert(ctx context.Context, account model.Account, sub model.Subscription) error {
	meta, err := json.Marshal(sub.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO subscriptions (account, database_id, topic, sym_key, peer_account, metadata)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (account, database_id)
DO UPDATE SET topic=$3, sym_key=$4, peer_account=$5, metadata=$6`
	_, err = r.db.Pool.Exec(ctx, q,
		account.String(), sub.DatabaseID, sub.Topic, sub.SymKey, sub.PeerAccount.String(), meta)
	return err
}

// Delete removes a subscription by database id; absent rows are a no-op.
func (r *SyncRepo) Delete(ctx context.Context, account model.Account, databaseID string) error {
	const q = `DELETE FROM subscriptions WHERE account=$1 AND database_id=$2`
	_, err := r.db.Pool.Exec(ctx, q, account.String(), databaseID)
	return err
}

// List returns the materialized subscription set for an account.
func (r *SyncRepo) List(ctx context.Context, account model.Account) ([]model.Subscription, error) {
	const q = `
SELECT database_id, topic, sym_key, peer_account, metadata
FROM subscriptions WHERE account=$1 ORDER BY database_id`
	rows, err := r.db.Pool.Query(ctx, q, account.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var (
			sub  model.Subscription
			peer string
			meta []byte
		)
		if err := rows.Scan(&sub.DatabaseID, &sub.Topic, &sub.SymKey, &peer, &meta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &sub.Metadata); err != nil {
			return nil, err
		}
		sub.Account = account
		sub.PeerAccount = model.Account(peer)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Register records the registration handshake once; conflicts are ignored.
func (r *SyncRepo) Register(ctx context.Context, account model.Account, storeTopic string) error {
	const q = `
INSERT INTO sync_registrations (account, store_topic)
VALUES ($1,$2)
ON CONFLICT (account) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, account.String(), storeTopic)
	return err
}

// StoreTopic returns the registered store topic for an account.
func (r *SyncRepo) StoreTopic(ctx context.Context, account model.Account) (string, bool, error) {
	const q = `SELECT store_topic FROM sync_registrations WHERE account=$1`
	var topic string
	err := r.db.Pool.QueryRow(ctx, q, account.String()).Scan(&topic)
	switch err {
	case nil:
		return topic, true, nil
	case pgx.ErrNoRows:
		return "", false, nil
	default:
		return "", false, err
	}
}
