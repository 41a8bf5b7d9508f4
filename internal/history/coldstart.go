// Package history implements the cold-start gate and the history catch-up
// that replays missed protocol messages after a gap.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/repository"
)

// DefaultThreshold is how stale a catch-up marker may get before the next
// start counts as cold again.
const DefaultThreshold = 30 * 24 * time.Hour

// Gate decides whether a history catch-up is due for an account. Catch-up is
// gated per account, not per topic: one run covers the account's sync topic
// and every subscription topic discovered in it.
type Gate struct {
	markers   repository.MarkerRepository
	threshold time.Duration
	now       func() time.Time
}

// NewGate constructs a gate; threshold <= 0 selects DefaultThreshold.
func NewGate(markers repository.MarkerRepository, threshold time.Duration) *Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Gate{markers: markers, threshold: threshold, now: time.Now}
}

// IsColdStart reports true when no marker exists or the marker is older
// than the threshold.
func (g *Gate) IsColdStart(ctx context.Context, account model.Account) (bool, error) {
	last, ok, err := g.markers.Marker(ctx, account)
	if err != nil {
		return false, fmt.Errorf("cold start %s: %w", account, err)
	}
	if !ok {
		return true, nil
	}
	return g.now().Sub(last) >= g.threshold, nil
}

// MarkCaughtUp persists the current time as the account's marker.
func (g *Gate) MarkCaughtUp(ctx context.Context, account model.Account) error {
	if err := g.markers.SetMarker(ctx, account, g.now()); err != nil {
		return fmt.Errorf("mark caught up %s: %w", account, err)
	}
	return nil
}
