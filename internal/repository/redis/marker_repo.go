// Package redis contains Redis-backed repository implementations for
// deployments that already run Redis and want markers shared between
// processes on the same device.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/repository"
)

const markerPrefix = "coldstart:" // coldstart:{account} -> RFC3339 timestamp

// MarkerRepo implements MarkerRepository on a Redis client.
type MarkerRepo struct {
	rdb *redis.Client
}

// NewMarkerRepo constructs a Redis marker repository.
func NewMarkerRepo(rdb *redis.Client) *MarkerRepo { return &MarkerRepo{rdb: rdb} }

var _ repository.MarkerRepository = (*MarkerRepo)(nil)

// Marker returns the last catch-up time for an account.
func (r *MarkerRepo) Marker(ctx context.Context, account model.Account) (time.Time, bool, error) {
	val, err := r.rdb.Get(ctx, markerPrefix+account.String()).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, fmt.Errorf("get marker: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse marker: %w", err)
	}
	return t, true, nil
}

// SetMarker records the catch-up time. Markers have no TTL: a stale marker
// is exactly what the cold-start threshold inspects.
func (r *MarkerRepo) SetMarker(ctx context.Context, account model.Account, t time.Time) error {
	if err := r.rdb.Set(ctx, markerPrefix+account.String(), t.Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}
