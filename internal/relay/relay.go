// Package relay defines the transport contracts the engine is driven by:
// topic pub/sub with request/response correlation, and count-bounded
// history retrieval. The relay wire protocol itself is out of scope; any
// transport satisfying these interfaces can carry the engine.
package relay

import "context"

// InboundEnvelope is one delivery from a subscribed topic. Message is the
// framed transport string (base64 ciphertext envelope).
type InboundEnvelope struct {
	Topic   string
	Message string
}

// NetworkGateway is the live transport surface.
type NetworkGateway interface {
	// Subscribe starts delivery for a topic. Subscribing twice is a no-op.
	Subscribe(ctx context.Context, topic string) error
	// BatchSubscribe subscribes a set of topics.
	BatchSubscribe(ctx context.Context, topics []string) error
	// Unsubscribe stops delivery for a topic. Absent subscriptions are a no-op.
	Unsubscribe(ctx context.Context, topic string) error
	// Request publishes a payload on a topic and waits for the correlated
	// response. method travels as transport metadata next to the payload.
	Request(ctx context.Context, topic, method, payload string) (string, error)
	// Publish sends a payload on a topic without expecting a response.
	Publish(ctx context.Context, topic, method, payload string) error
	// Inbound returns the delivery stream. The channel is bounded; when the
	// consumer falls behind, new deliveries are dropped and counted, never
	// blocking the transport reader.
	Inbound() <-chan InboundEnvelope
}

// Direction orders a history fetch relative to now.
type Direction int

const (
	// Backward returns the most recent records first.
	Backward Direction = iota
	// Forward returns the oldest retained records first.
	Forward
)

// HistoryRecord is one archived delivery. Payload carries the raw stored
// string: a sync log entry on a sync topic, a transport envelope on a
// message topic.
type HistoryRecord struct {
	ID      string
	Payload string
}

// HistoryGateway retrieves archived records per topic.
type HistoryGateway interface {
	// RegisterTags scopes historical delivery to the given protocol message
	// tags. Tags are opaque numeric strings supplied by configuration.
	RegisterTags(ctx context.Context, tags []string) error
	// Records fetches up to count records for a topic in the given direction.
	Records(ctx context.Context, topic string, count int, dir Direction) ([]HistoryRecord, error)
}
