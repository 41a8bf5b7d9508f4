package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/repository"
)

// MarkerRepo implements MarkerRepository using PostgreSQL.
type MarkerRepo struct{ db *DB }

// NewMarkerRepo constructs a cold-start marker repository.
func NewMarkerRepo(db *DB) *MarkerRepo { return &MarkerRepo{db: db} }

var _ repository.MarkerRepository = (*MarkerRepo)(nil)

// Marker returns the last catch-up time for an account.
func (r *MarkerRepo) Marker(ctx context.Context, account model.Account) (time.Time, bool, error) {
	const q = `SELECT caught_up_at FROM coldstart_markers WHERE account=$1`
	var t time.Time
	err := r.db.Pool.QueryRow(ctx, q, account.String()).Scan(&t)
	switch err {
	case nil:
		return t, true, nil
	case pgx.ErrNoRows:
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, err
	}
}

// SetMarker upserts the catch-up time for an account.
func (r *MarkerRepo) SetMarker(ctx context.Context, account model.Account, t time.Time) error {
	const q = `
INSERT INTO coldstart_markers (account, caught_up_at)
VALUES ($1,$2)
ON CONFLICT (account) DO UPDATE SET caught_up_at=$2`
	_, err := r.db.Pool.Exec(ctx, q, account.String(), t)
	return err
}
