package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/repository"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

var _ repository.MessageRepository = (*MessageRepo)(nil)

const insMessage = `
INSERT INTO message_records (topic, id, message, author, published_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (topic, id) DO NOTHING`

// ReplaceTopic swaps the record set for a topic in one transaction so
// readers never observe a partial catch-up batch.
func (r *MessageRepo) ReplaceTopic(
	ctx context.Context, topic string, records []model.MessageRecord,
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

	if _, err = tx.Exec(ctx, `DELETE FROM message_records WHERE topic=$1`, topic); err != nil {
		return err
	}
	for i := range records {
		if _, err = tx.Exec(ctx, insMessage,
			topic, records[i].ID, records[i].Message,
			records[i].Author.String(), records[i].PublishedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// Merge inserts records, leaving existing ids untouched.
func (r *MessageRepo) Merge(ctx context.Context, topic string, records []model.MessageRecord) error {
	for i := range records {
		if _, err := r.db.Pool.Exec(ctx, insMessage,
			topic, records[i].ID, records[i].Message,
			records[i].Author.String(), records[i].PublishedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// List returns records for a topic ordered by publish time.
func (r *MessageRepo) List(ctx context.Context, topic string) ([]model.MessageRecord, error) {
	const q = `
SELECT id, message, author, published_at
FROM message_records WHERE topic=$1 ORDER BY published_at`
	rows, err := r.db.Pool.Query(ctx, q, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MessageRecord
	for rows.Next() {
		var (
			rec    model.MessageRecord
			author string
		)
		if err := rows.Scan(&rec.ID, &rec.Message, &author, &rec.PublishedAt); err != nil {
			return nil, err
		}
		rec.Topic = topic
		rec.Author = model.Account(author)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteTopic removes all records for a topic.
func (r *MessageRepo) DeleteTopic(ctx context.Context, topic string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM message_records WHERE topic=$1`, topic)
	return err
}
