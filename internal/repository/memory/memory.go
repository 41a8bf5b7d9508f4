// Package memory contains in-memory repository implementations used by
// tests and by deployments without durable storage.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/repository"
)

var (
	_ repository.SyncRepository    = (*SyncRepo)(nil)
	_ repository.MessageRepository = (*MessageRepo)(nil)
	_ repository.MarkerRepository  = (*MarkerRepo)(nil)
)

// SyncRepo is an in-memory SyncRepository.
type SyncRepo struct {
	mu     sync.RWMutex
	subs   map[model.Account]map[string]model.Subscription // account -> databaseId -> sub
	topics map[model.Account]string
}

// NewSyncRepo constructs an empty sync repository.
func NewSyncRepo() *SyncRepo {
	return &SyncRepo{
		subs:   make(map[model.Account]map[string]model.Subscription),
		topics: make(map[model.Account]string),
	}
}

func (r *SyncRepo) Replace(_ context.Context, account model.Account, subs []model.Subscription) error {
	set := make(map[string]model.Subscription, len(subs))
	for _, s := range subs {
		set[s.DatabaseID] = s
	}
	r.mu.Lock()
	r.subs[account] = set
	r.mu.Unlock()
	return nil
}

func (r *SyncRepo) Upsert(_ context.Context, account model.Account, sub model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[account]
	if !ok {
		set = make(map[string]model.Subscription)
		r.subs[account] = set
	}
	set[sub.DatabaseID] = sub
	return nil
}

func (r *SyncRepo) Delete(_ context.Context, account model.Account, databaseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs[account], databaseID)
	return nil
}

func (r *SyncRepo) List(_ context.Context, account model.Account) ([]model.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[account]
	out := make([]model.Subscription, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out, nil
}

func (r *SyncRepo) Register(_ context.Context, account model.Account, storeTopic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[account]; ok {
		return nil
	}
	r.topics[account] = storeTopic
	return nil
}

func (r *SyncRepo) StoreTopic(_ context.Context, account model.Account) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[account]
	return t, ok, nil
}

// MessageRepo is an in-memory MessageRepository.
type MessageRepo struct {
	mu     sync.RWMutex
	topics map[string]map[string]model.MessageRecord // topic -> id -> record
}

// NewMessageRepo constructs an empty message repository.
func NewMessageRepo() *MessageRepo {
	return &MessageRepo{topics: make(map[string]map[string]model.MessageRecord)}
}

func (r *MessageRepo) ReplaceTopic(_ context.Context, topic string, records []model.MessageRecord) error {
	set := make(map[string]model.MessageRecord, len(records))
	for _, rec := range records {
		set[rec.ID] = rec
	}
	r.mu.Lock()
	r.topics[topic] = set
	r.mu.Unlock()
	return nil
}

func (r *MessageRepo) Merge(_ context.Context, topic string, records []model.MessageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.topics[topic]
	if !ok {
		set = make(map[string]model.MessageRecord)
		r.topics[topic] = set
	}
	for _, rec := range records {
		if _, exists := set[rec.ID]; exists {
			continue
		}
		set[rec.ID] = rec
	}
	return nil
}

func (r *MessageRepo) List(_ context.Context, topic string) ([]model.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.topics[topic]
	out := make([]model.MessageRecord, 0, len(set))
	for _, rec := range set {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.Before(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MessageRepo) DeleteTopic(_ context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.topics, topic)
	return nil
}

// MarkerRepo is an in-memory MarkerRepository.
type MarkerRepo struct {
	mu      sync.RWMutex
	markers map[model.Account]time.Time
}

// NewMarkerRepo constructs an empty marker repository.
func NewMarkerRepo() *MarkerRepo {
	return &MarkerRepo{markers: make(map[model.Account]time.Time)}
}

func (r *MarkerRepo) Marker(_ context.Context, account model.Account) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.markers[account]
	return t, ok, nil
}

func (r *MarkerRepo) SetMarker(_ context.Context, account model.Account, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers[account] = t
	return nil
}
