package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Header keys carried next to envelope payloads.
const (
	hdrMethod = "Relay-Method"
	hdrID     = "Relay-Id"
	hdrTag    = "Relay-Tag"
)

const inboundBuffer = 256

// NATS implements NetworkGateway and HistoryGateway over a NATS connection.
// Live traffic uses core subjects; history fetches read the JetStream
// stream that retains those subjects.
type NATS struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger

	prefix string

	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	tags    map[string]struct{}
	dropped uint64

	inbound chan InboundEnvelope
}

// NewNATS wraps an established connection. prefix namespaces topic subjects
// (e.g. "relay.topic").
func NewNATS(nc *nats.Conn, prefix string, log *zap.Logger) (*NATS, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &NATS{
		nc:      nc,
		js:      js,
		log:     log,
		prefix:  prefix,
		subs:    make(map[string]*nats.Subscription),
		tags:    make(map[string]struct{}),
		inbound: make(chan InboundEnvelope, inboundBuffer),
	}, nil
}

func (g *NATS) subjectFor(topic string) string { return g.prefix + "." + topic }

// Subscribe starts delivery for a topic. Idempotent per topic.
func (g *NATS) Subscribe(ctx context.Context, topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.subs[topic]; ok {
		return nil
	}
	sub, err := g.nc.Subscribe(g.subjectFor(topic), func(m *nats.Msg) {
		env := InboundEnvelope{Topic: topic, Message: string(m.Data)}
		for {
			select {
			case g.inbound <- env:
				return
			default:
			}
			// Queue is full: evict the oldest delivery so live traffic
			// stays fresh. Evicted messages are recovered by the next
			// cold-start replay.
			select {
			case old := <-g.inbound:
				g.mu.Lock()
				g.dropped++
				n := g.dropped
				g.mu.Unlock()
				g.log.Warn("inbound queue full, dropping oldest delivery",
					zap.String("topic", old.Topic),
					zap.Uint64("dropped_total", n),
				)
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	g.subs[topic] = sub
	return nil
}

// BatchSubscribe subscribes every topic, stopping at the first failure.
func (g *NATS) BatchSubscribe(ctx context.Context, topics []string) error {
	for _, t := range topics {
		if err := g.Subscribe(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe stops delivery for a topic. Absent subscriptions are a no-op.
func (g *NATS) Unsubscribe(ctx context.Context, topic string) error {
	g.mu.Lock()
	sub, ok := g.subs[topic]
	delete(g.subs, topic)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Request publishes and waits for the correlated reply.
func (g *NATS) Request(ctx context.Context, topic, method, payload string) (string, error) {
	msg := nats.NewMsg(g.subjectFor(topic))
	msg.Data = []byte(payload)
	msg.Header.Set(hdrMethod, method)
	resp, err := g.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("request %s on %s: %w", method, topic, err)
	}
	return string(resp.Data), nil
}

// Publish sends without expecting a response.
func (g *NATS) Publish(ctx context.Context, topic, method, payload string) error {
	msg := nats.NewMsg(g.subjectFor(topic))
	msg.Data = []byte(payload)
	msg.Header.Set(hdrMethod, method)
	if err := g.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s on %s: %w", method, topic, err)
	}
	return nil
}

// Inbound returns the bounded delivery stream.
func (g *NATS) Inbound() <-chan InboundEnvelope { return g.inbound }

// Dropped reports deliveries discarded because the consumer fell behind.
func (g *NATS) Dropped() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}

// RegisterTags scopes history fetches: records carrying a tag header outside
// the registered set are skipped.
func (g *NATS) RegisterTags(ctx context.Context, tags []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range tags {
		g.tags[t] = struct{}{}
	}
	return nil
}

func (g *NATS) tagAllowed(tag string) bool {
	if tag == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.tags) == 0 {
		return true
	}
	_, ok := g.tags[tag]
	return ok
}

// Records drains the retained stream for a topic via an ephemeral pull
// consumer and returns up to count records. Backward returns the most
// recent first.
func (g *NATS) Records(ctx context.Context, topic string, count int, dir Direction) ([]HistoryRecord, error) {
	sub, err := g.js.PullSubscribe(g.subjectFor(topic), "", nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("history pull %s: %w", topic, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var all []HistoryRecord
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := sub.Fetch(64, nats.MaxWait(500*time.Millisecond))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				break
			}
			return nil, fmt.Errorf("history fetch %s: %w", topic, err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			_ = m.Ack()
			if !g.tagAllowed(m.Header.Get(hdrTag)) {
				continue
			}
			all = append(all, HistoryRecord{ID: recordID(m), Payload: string(m.Data)})
		}
	}

	return orient(all, count, dir), nil
}

// orient applies the fetch direction and count bound to a batch that arrives
// in chronological stream order.
func orient(rs []HistoryRecord, count int, dir Direction) []HistoryRecord {
	if dir == Backward {
		reverse(rs)
	}
	if len(rs) > count {
		rs = rs[:count]
	}
	return rs
}

// recordID prefers an explicit publisher-set id header, falling back to the
// stream sequence.
func recordID(m *nats.Msg) string {
	if id := m.Header.Get(hdrID); id != "" {
		return id
	}
	if meta, err := m.Metadata(); err == nil {
		return strconv.FormatUint(meta.Sequence.Stream, 10)
	}
	return ""
}

func reverse(rs []HistoryRecord) {
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
}

var _ NetworkGateway = (*NATS)(nil)
var _ HistoryGateway = (*NATS)(nil)
