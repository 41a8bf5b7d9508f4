package repository

import (
	"context"

	"github.com/and161185/subrelay/internal/model"
)

// MessageRepository stores decrypted message records, deduplicated by
// record id within each topic.
type MessageRepository interface {
	// ReplaceTopic atomically swaps the record set for a topic with the given
	// batch (deduplicated by id). Observers never see a partial batch.
	ReplaceTopic(ctx context.Context, topic string, records []model.MessageRecord) error

	// Merge inserts records into a topic's set; records whose id already
	// exists are left untouched.
	Merge(ctx context.Context, topic string, records []model.MessageRecord) error

	// List returns the records stored for a topic.
	List(ctx context.Context, topic string) ([]model.MessageRecord, error)

	// DeleteTopic removes all records for a topic. Absent topics are a no-op.
	DeleteTopic(ctx context.Context, topic string) error
}
