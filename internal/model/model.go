// Package model defines domain entities used by stores and lifecycle services.
package model

import (
	"encoding/json"
	"time"
)

// Account is a stable, chain-qualified owner identifier (e.g. "eip155:1:0xab..").
type Account string

// String returns the account in its wire form.
func (a Account) String() string { return string(a) }

// SubscriptionState tracks the lifecycle of a subscription.
type SubscriptionState int

const (
	// StateInvited is the pre-accept state for protocols with an explicit invite step.
	StateInvited SubscriptionState = iota
	// StateActive means the key is installed and the topic is subscribed.
	StateActive
	// StateDeleted is terminal.
	StateDeleted
)

// Metadata describes the origin identity of a subscription (dapp or peer).
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons,omitempty"`
}

// Subscription binds an account to a uniquely keyed topic.
// DatabaseID is the stable content identity, independent of topic rotation,
// and is the key under which the subscription travels through the sync log.
type Subscription struct {
	Account     Account  `json:"account"`
	Topic       string   `json:"topic"`
	SymKey      string   `json:"symKey"` // hex-encoded 32-byte symmetric key
	Metadata    Metadata `json:"metadata"`
	DatabaseID  string   `json:"databaseId"`
	PeerAccount Account  `json:"peerAccount,omitempty"` // set for duplex threads only
}

// SyncRecord is one entry of the replicated log. A nil Value is a tombstone.
type SyncRecord struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

// Tombstone reports whether the record marks its key deleted.
func (r SyncRecord) Tombstone() bool { return r.Value == nil }

// DecodeValue unmarshals the record's value into a Subscription.
// Must not be called on a tombstone.
func (r SyncRecord) DecodeValue() (Subscription, error) {
	var sub Subscription
	err := json.Unmarshal([]byte(*r.Value), &sub)
	return sub, err
}

// MessageRecord is a decrypted protocol message, deduplicated by ID within a topic.
// ID is content-addressed from the signed envelope (recipient+timestamp+nonce).
type MessageRecord struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Message     string    `json:"message"`
	Author      Account   `json:"author,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// JWTWrapper carries a signed claims payload for state-changing requests.
type JWTWrapper struct {
	JWT string `json:"jwt"`
}

// Invite is a received request to open a duplex thread. Accepting it
// materializes an Active subscription on the invite topic.
type Invite struct {
	Account     Account  `json:"account"`
	PeerAccount Account  `json:"peerAccount"`
	Topic       string   `json:"topic"`
	SymKey      string   `json:"symKey"`
	Metadata    Metadata `json:"metadata"`
	DatabaseID  string   `json:"databaseId"`
}
