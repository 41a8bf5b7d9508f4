package history

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/subrelay/internal/identity"
	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/relay"
	"github.com/and161185/subrelay/internal/repository"
	"github.com/and161185/subrelay/internal/serializer"
	"github.com/and161185/subrelay/internal/subscription"
	"github.com/and161185/subrelay/internal/syncstore"
)

// Tags are the protocol message tags registered with the history gateway
// before fetching. The set is protocol-specific and comes from configuration.
type Tags struct {
	SyncSet    string
	SyncDelete string
	Message    string
}

// Config tunes one catch-up orchestrator.
type Config struct {
	Tags      Tags
	BatchSize int // records fetched per topic; defaults to 200
}

const defaultBatchSize = 200

// CatchUp replays an account's missed history: sync log first, then message
// records per materialized subscription. Records that fail to decode or
// verify are skipped and counted, never fatal.
type CatchUp struct {
	log     *zap.Logger
	gate    *Gate
	history relay.HistoryGateway
	sync    *syncstore.Store
	manager *subscription.Manager
	ser     *serializer.Serializer
	msgs    repository.MessageRepository
	cfg     Config
}

// NewCatchUp wires a catch-up orchestrator.
func NewCatchUp(
	gate *Gate,
	history relay.HistoryGateway,
	syncStore *syncstore.Store,
	manager *subscription.Manager,
	ser *serializer.Serializer,
	msgs repository.MessageRepository,
	cfg Config,
	log *zap.Logger,
) *CatchUp {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &CatchUp{
		log: log, gate: gate, history: history, sync: syncStore,
		manager: manager, ser: ser, msgs: msgs, cfg: cfg,
	}
}

// Run performs one gated catch-up for the account. Warm accounts return
// immediately. The marker is written only after the whole run commits, so a
// cancelled or failed run stays cold and a retry is safe.
func (c *CatchUp) Run(ctx context.Context, account model.Account) error {
	cold, err := c.gate.IsColdStart(ctx, account)
	if err != nil {
		return err
	}
	if !cold {
		return nil
	}

	tags := []string{c.cfg.Tags.SyncSet, c.cfg.Tags.SyncDelete, c.cfg.Tags.Message}
	if err := c.history.RegisterTags(ctx, tags); err != nil {
		return fmt.Errorf("catch up %s: %w", account, err)
	}

	syncTopic, err := c.sync.StoreTopic(ctx, account)
	if err != nil {
		return err
	}
	raw, err := c.history.Records(ctx, syncTopic, c.cfg.BatchSize, relay.Backward)
	if err != nil {
		return fmt.Errorf("catch up %s: sync log: %w", account, err)
	}

	// backward fetch is newest-first; reconciliation wants chronological order
	records := make([]model.SyncRecord, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var rec model.SyncRecord
		if err := json.Unmarshal([]byte(raw[i].Payload), &rec); err != nil {
			c.log.Warn("skipping malformed sync log entry",
				zap.String("id", raw[i].ID), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}

	subs, err := c.sync.ReplaceInStore(ctx, account, records)
	if err != nil {
		return err
	}
	if err := c.manager.ApplySync(ctx, account, subs); err != nil {
		return err
	}
	c.log.Info("sync log reconciled",
		zap.String("account", account.String()),
		zap.Int("fetched", len(raw)),
		zap.Int("materialized", len(subs)),
	)

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.replayTopic(ctx, sub); err != nil {
			return err
		}
	}

	return c.gate.MarkCaughtUp(ctx, account)
}

// replayTopic fetches and verifies one subscription topic's message history
// and stores the surviving records as a single batch.
func (c *CatchUp) replayTopic(ctx context.Context, sub model.Subscription) error {
	raw, err := c.history.Records(ctx, sub.Topic, c.cfg.BatchSize, relay.Backward)
	if err != nil {
		return fmt.Errorf("catch up topic %s: %w", sub.Topic, err)
	}

	seen := make(map[string]struct{}, len(raw))
	records := make([]model.MessageRecord, 0, len(raw))
	var skipped int
	for _, hr := range raw {
		var wrapper model.JWTWrapper
		if _, err := c.ser.Deserialize(sub.Topic, hr.Payload, &wrapper); err != nil {
			skipped++
			c.log.Warn("skipping undecodable history record",
				zap.String("topic", sub.Topic), zap.String("id", hr.ID), zap.Error(err))
			continue
		}
		var claims identity.MessageClaims
		if err := serializer.DecodeAndVerify(wrapper, &claims); err != nil {
			skipped++
			c.log.Warn("skipping unverified history record",
				zap.String("topic", sub.Topic), zap.String("id", hr.ID), zap.Error(err))
			continue
		}
		rec := subscription.RecordFromClaims(&claims, sub)
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		records = append(records, rec)
	}

	if err := c.msgs.ReplaceTopic(ctx, sub.Topic, records); err != nil {
		return fmt.Errorf("catch up topic %s: %w", sub.Topic, err)
	}
	c.log.Debug("topic history replayed",
		zap.String("topic", sub.Topic),
		zap.Int("stored", len(records)),
		zap.Int("skipped", skipped),
	)
	return nil
}
