// Package subscription orchestrates the lifecycle of encrypted topic
// subscriptions: creation and invite acceptance, updates arriving through
// sync reconciliation, and local or remote-initiated deletion.
package subscription

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/subrelay/internal/errs"
	"github.com/and161185/subrelay/internal/identity"
	"github.com/and161185/subrelay/internal/keystore"
	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/relay"
	"github.com/and161185/subrelay/internal/repository"
	"github.com/and161185/subrelay/internal/serializer"
	"github.com/and161185/subrelay/internal/syncstore"
)

// CounterpartyResolver resolves the public identity key a delete request is
// addressed to, given the counterparty's application URL (DID resolution).
type CounterpartyResolver func(ctx context.Context, appURL string) (ed25519.PublicKey, error)

// Config carries protocol-specific wiring: method names travel opaquely.
type Config struct {
	Keyserver        string // keyserver origin URL carried in delete payloads
	DeleteMethod     string // JSON-RPC method of the signed delete request
	MessageMethod    string // JSON-RPC method of domain messages
	SyncSetMethod    string // JSON-RPC method of a sync log insert
	SyncDeleteMethod string // JSON-RPC method of a sync log tombstone
}

// Manager owns subscription state transitions. All mutations of keys and
// sync records flow through here or the sync store; create and delete for
// the same topic are serialized against each other.
type Manager struct {
	log      *zap.Logger
	keys     keystore.KeyStore
	network  relay.NetworkGateway
	signer   identity.Gateway
	sync     *syncstore.Store
	messages repository.MessageRepository
	ser      *serializer.Serializer
	resolve  CounterpartyResolver
	cfg      Config
	now      func() time.Time

	mu     sync.Mutex
	topics map[string]*sync.Mutex
	subs   map[string]*entry // topic -> live state
}

type entry struct {
	sub   model.Subscription
	state model.SubscriptionState
}

// NewManager constructs a lifecycle manager with explicit collaborators.
func NewManager(
	keys keystore.KeyStore,
	network relay.NetworkGateway,
	signer identity.Gateway,
	syncStore *syncstore.Store,
	messages repository.MessageRepository,
	ser *serializer.Serializer,
	resolve CounterpartyResolver,
	cfg Config,
	log *zap.Logger,
) *Manager {
	return &Manager{
		log:      log,
		keys:     keys,
		network:  network,
		signer:   signer,
		sync:     syncStore,
		messages: messages,
		ser:      ser,
		resolve:  resolve,
		cfg:      cfg,
		now:      time.Now,
		topics:   make(map[string]*sync.Mutex),
		subs:     make(map[string]*entry),
	}
}

// topicLock serializes create/delete for one topic. A delete racing a
// concurrent create would leak a key or orphan an unsubscribe otherwise.
func (m *Manager) topicLock(topic string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.topics[topic]
	if !ok {
		l = &sync.Mutex{}
		m.topics[topic] = l
	}
	return l
}

// Start rehydrates the manager from the materialized sync state: installs
// keys and batch-subscribes every known topic.
func (m *Manager) Start(ctx context.Context, account model.Account) error {
	subs, err := m.sync.Subscriptions(ctx, account)
	if err != nil {
		return fmt.Errorf("start %s: %w", account, err)
	}
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		key, err := hex.DecodeString(sub.SymKey)
		if err != nil {
			m.log.Warn("skipping subscription with bad key",
				zap.String("databaseId", sub.DatabaseID), zap.Error(err))
			continue
		}
		if err := m.keys.SetSymmetricKey(sub.Topic, key); err != nil {
			return fmt.Errorf("start %s: %w", account, err)
		}
		m.setState(sub, model.StateActive)
		topics = append(topics, sub.Topic)
	}
	if len(topics) == 0 {
		return nil
	}
	if err := m.network.BatchSubscribe(ctx, topics); err != nil {
		return fmt.Errorf("start %s: %w", account, err)
	}
	m.log.Info("subscriptions resumed",
		zap.String("account", account.String()), zap.Int("topics", len(topics)))
	return nil
}

// ReceiveInvite records a pending invite. No key material is installed and
// nothing is subscribed until the user accepts.
func (m *Manager) ReceiveInvite(invite model.Invite) {
	sub := model.Subscription{
		Account:     invite.Account,
		Topic:       invite.Topic,
		SymKey:      invite.SymKey,
		Metadata:    invite.Metadata,
		DatabaseID:  invite.DatabaseID,
		PeerAccount: invite.PeerAccount,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[invite.Topic]; !ok {
		m.subs[invite.Topic] = &entry{sub: sub, state: model.StateInvited}
	}
}

// Accept materializes a received invite: installs the key, subscribes the
// topic, records the subscription in the sync store, transitions to Active.
// The new subscription is replicated to the account's store topic so the
// user's other devices pick it up.
func (m *Manager) Accept(ctx context.Context, invite model.Invite) error {
	l := m.topicLock(invite.Topic)
	l.Lock()
	defer l.Unlock()

	key, err := hex.DecodeString(invite.SymKey)
	if err != nil {
		return fmt.Errorf("accept %s: sym key: %w", invite.Topic, err)
	}
	if err := m.keys.SetSymmetricKey(invite.Topic, key); err != nil {
		return fmt.Errorf("accept %s: %w", invite.Topic, err)
	}
	if err := m.network.Subscribe(ctx, invite.Topic); err != nil {
		return fmt.Errorf("accept %s: %w", invite.Topic, err)
	}

	sub := model.Subscription{
		Account:     invite.Account,
		Topic:       invite.Topic,
		SymKey:      invite.SymKey,
		Metadata:    invite.Metadata,
		DatabaseID:  invite.DatabaseID,
		PeerAccount: invite.PeerAccount,
	}
	if err := m.sync.Upsert(ctx, invite.Account, sub); err != nil {
		return fmt.Errorf("accept %s: %w", invite.Topic, err)
	}
	m.setState(sub, model.StateActive)

	rec, err := syncstore.EncodeValue(sub)
	if err != nil {
		return fmt.Errorf("accept %s: %w", invite.Topic, err)
	}
	if err := m.publishSync(ctx, invite.Account, m.cfg.SyncSetMethod, rec); err != nil {
		m.log.Warn("sync replication failed", zap.String("topic", invite.Topic), zap.Error(err))
	}
	m.log.Debug("invite accepted", zap.String("topic", invite.Topic))
	return nil
}

// publishSync replicates one sync record onto the account's store topic.
// Accounts that never registered for sync have no store topic; replication
// is silently skipped for them.
func (m *Manager) publishSync(ctx context.Context, account model.Account, method string, rec model.SyncRecord) error {
	storeTopic, err := m.sync.StoreTopic(ctx, account)
	if err != nil {
		if errors.Is(err, errs.ErrNotRegistered) {
			m.log.Debug("sync replication skipped", zap.String("account", account.String()))
			return nil
		}
		return err
	}
	payload, err := m.ser.Serialize(storeTopic, method, rec)
	if err != nil {
		return err
	}
	return m.network.Publish(ctx, storeTopic, method, payload)
}

// ApplySync reconciles the manager's live state with a freshly materialized
// subscription set: unseen records are activated, records that fell out of
// the set (tombstoned upstream) are torn down without an outbound notify.
func (m *Manager) ApplySync(ctx context.Context, account model.Account, materialized []model.Subscription) error {
	current := make(map[string]struct{}, len(materialized))
	for _, sub := range materialized {
		current[sub.Topic] = struct{}{}
		if m.State(sub.Topic) == model.StateActive {
			continue
		}
		if err := m.activate(ctx, sub); err != nil {
			return fmt.Errorf("apply sync %s: %w", account, err)
		}
	}

	for _, topic := range m.activeTopics(account) {
		if _, ok := current[topic]; ok {
			continue
		}
		if err := m.HandleRemoteDelete(ctx, topic); err != nil {
			return fmt.Errorf("apply sync %s: %w", account, err)
		}
	}
	return nil
}

// activate installs the key and subscribes the topic for one subscription.
func (m *Manager) activate(ctx context.Context, sub model.Subscription) error {
	l := m.topicLock(sub.Topic)
	l.Lock()
	defer l.Unlock()

	key, err := hex.DecodeString(sub.SymKey)
	if err != nil {
		return fmt.Errorf("activate %s: sym key: %w", sub.Topic, err)
	}
	if err := m.keys.SetSymmetricKey(sub.Topic, key); err != nil {
		return fmt.Errorf("activate %s: %w", sub.Topic, err)
	}
	if err := m.network.Subscribe(ctx, sub.Topic); err != nil {
		return fmt.Errorf("activate %s: %w", sub.Topic, err)
	}
	m.setState(sub, model.StateActive)
	m.log.Debug("subscription active", zap.String("topic", sub.Topic))
	return nil
}

// Delete removes a subscription the user disconnected. Local state is
// authoritative: the tombstone and message purge commit before the signed
// remote notify is attempted, and the key and topic subscription are torn
// down regardless of the notify outcome. A failed notify surfaces as
// errs.ErrRemoteNotify wrapping the cause, distinct from total failure.
func (m *Manager) Delete(ctx context.Context, topic, reason string) error {
	l := m.topicLock(topic)
	l.Lock()
	defer l.Unlock()

	e := m.lookup(topic)
	if e == nil || e.state != model.StateActive {
		return fmt.Errorf("delete %s: %w", topic, errs.ErrSubscriptionNotFound)
	}
	sub := e.sub

	// authoritative local half
	if err := m.sync.Tombstone(ctx, sub.Account, sub.DatabaseID); err != nil {
		return fmt.Errorf("delete %s: %w", topic, err)
	}
	if err := m.messages.DeleteTopic(ctx, topic); err != nil {
		return fmt.Errorf("delete %s: %w", topic, err)
	}
	m.setStateValue(topic, model.StateDeleted)

	// replicate the tombstone so the user's other devices tear down too
	if err := m.publishSync(ctx, sub.Account, m.cfg.SyncDeleteMethod,
		model.SyncRecord{Key: sub.DatabaseID}); err != nil {
		m.log.Warn("sync tombstone replication failed",
			zap.String("topic", topic), zap.Error(err))
	}

	notifyErr := m.notifyDelete(ctx, sub, reason)

	if err := m.network.Unsubscribe(ctx, topic); err != nil {
		m.log.Warn("unsubscribe after delete", zap.String("topic", topic), zap.Error(err))
	}
	if err := m.keys.DeleteSymmetricKey(topic); err != nil {
		return fmt.Errorf("delete %s: %w", topic, err)
	}

	if notifyErr != nil {
		m.log.Warn("subscription deleted locally, remote notify failed",
			zap.String("topic", topic), zap.Error(notifyErr))
		return fmt.Errorf("delete %s: %w: %w", topic, errs.ErrRemoteNotify, notifyErr)
	}
	m.log.Debug("subscription deleted", zap.String("topic", topic))
	return nil
}

// notifyDelete resolves the counterparty key, signs the structured
// disconnect reason, and sends it as a correlated request over the topic.
func (m *Manager) notifyDelete(ctx context.Context, sub model.Subscription, reason string) error {
	if reason == "" {
		reason = identity.ReasonUserDisconnected
	}
	counterparty, err := m.resolve(ctx, sub.Metadata.URL)
	if err != nil {
		return fmt.Errorf("resolve counterparty: %w", err)
	}
	claims := identity.NewDeleteClaims(
		m.cfg.Keyserver, sub.Metadata.URL, reason, identity.EncodeKey(counterparty), m.now())
	wrapper, err := m.signer.SignWrapper(ctx, sub.Account, claims)
	if err != nil {
		return err
	}
	payload, err := m.ser.Serialize(sub.Topic, m.cfg.DeleteMethod, wrapper)
	if err != nil {
		return err
	}
	if _, err := m.network.Request(ctx, sub.Topic, m.cfg.DeleteMethod, payload); err != nil {
		return err
	}
	return nil
}

// HandleRemoteDelete mirrors Delete for a tombstone or inbound delete
// request: same local teardown, no outbound publish.
func (m *Manager) HandleRemoteDelete(ctx context.Context, topic string) error {
	l := m.topicLock(topic)
	l.Lock()
	defer l.Unlock()

	e := m.lookup(topic)
	if e == nil || e.state != model.StateActive {
		return fmt.Errorf("remote delete %s: %w", topic, errs.ErrSubscriptionNotFound)
	}
	sub := e.sub

	if err := m.sync.Tombstone(ctx, sub.Account, sub.DatabaseID); err != nil {
		return fmt.Errorf("remote delete %s: %w", topic, err)
	}
	if err := m.messages.DeleteTopic(ctx, topic); err != nil {
		return fmt.Errorf("remote delete %s: %w", topic, err)
	}
	m.setStateValue(topic, model.StateDeleted)

	if err := m.network.Unsubscribe(ctx, topic); err != nil {
		m.log.Warn("unsubscribe after remote delete", zap.String("topic", topic), zap.Error(err))
	}
	if err := m.keys.DeleteSymmetricKey(topic); err != nil {
		return fmt.Errorf("remote delete %s: %w", topic, err)
	}
	m.log.Debug("subscription removed by remote", zap.String("topic", topic))
	return nil
}

// Send signs and publishes a domain message on an active duplex thread.
func (m *Manager) Send(ctx context.Context, topic, message string) error {
	e := m.lookup(topic)
	if e == nil || e.state != model.StateActive {
		return fmt.Errorf("send %s: %w", topic, errs.ErrSubscriptionNotFound)
	}
	sub := e.sub

	nonce, err := uuid.NewV4()
	if err != nil {
		return err
	}
	claims := identity.NewMessageClaims(sub.PeerAccount, message, nonce.String(), m.now())
	wrapper, err := m.signer.SignWrapper(ctx, sub.Account, claims)
	if err != nil {
		return fmt.Errorf("send %s: %w", topic, err)
	}
	payload, err := m.ser.Serialize(topic, m.cfg.MessageMethod, wrapper)
	if err != nil {
		return fmt.Errorf("send %s: %w", topic, err)
	}
	if err := m.network.Publish(ctx, topic, m.cfg.MessageMethod, payload); err != nil {
		return fmt.Errorf("send %s: %w", topic, err)
	}

	rec := model.MessageRecord{
		ID:          claims.RecordID(),
		Topic:       topic,
		Message:     message,
		Author:      sub.Account,
		PublishedAt: m.now(),
	}
	return m.messages.Merge(ctx, topic, []model.MessageRecord{rec})
}

// HandleInbound routes one live delivery: signed domain messages are
// verified and stored, delete requests tear the subscription down.
// Verification failures are logged and dropped, never fatal.
func (m *Manager) HandleInbound(ctx context.Context, env relay.InboundEnvelope) error {
	e := m.lookup(env.Topic)
	if e == nil || e.state != model.StateActive {
		return fmt.Errorf("inbound %s: %w", env.Topic, errs.ErrSubscriptionNotFound)
	}
	sub := e.sub

	var wrapper model.JWTWrapper
	method, err := m.ser.Deserialize(env.Topic, env.Message, &wrapper)
	if err != nil {
		m.log.Warn("dropping undecodable delivery", zap.String("topic", env.Topic), zap.Error(err))
		return nil
	}

	switch method {
	case m.cfg.DeleteMethod:
		var claims identity.DeleteClaims
		if counterparty, rerr := m.resolve(ctx, sub.Metadata.URL); rerr == nil {
			err = serializer.VerifyAgainst(wrapper, &claims, counterparty)
		} else {
			m.log.Debug("counterparty unresolved, verifying against embedded issuer",
				zap.String("topic", env.Topic), zap.Error(rerr))
			err = serializer.DecodeAndVerify(wrapper, &claims)
		}
		if err != nil {
			m.log.Warn("dropping unverified delete request", zap.String("topic", env.Topic), zap.Error(err))
			return nil
		}
		return m.HandleRemoteDelete(ctx, env.Topic)
	case m.cfg.MessageMethod:
		var claims identity.MessageClaims
		if err := serializer.DecodeAndVerify(wrapper, &claims); err != nil {
			m.log.Warn("dropping unverified message", zap.String("topic", env.Topic), zap.Error(err))
			return nil
		}
		rec := RecordFromClaims(&claims, sub)
		return m.messages.Merge(ctx, env.Topic, []model.MessageRecord{rec})
	default:
		m.log.Debug("ignoring delivery with unknown method",
			zap.String("topic", env.Topic), zap.String("method", method))
		return nil
	}
}

// HandleSync applies one live delivery from the account's sync store topic:
// a set record materializes its subscription, a tombstone tears the local
// one down. Records that fail to decode are logged and dropped, never fatal.
func (m *Manager) HandleSync(ctx context.Context, account model.Account, env relay.InboundEnvelope) error {
	var rec model.SyncRecord
	method, err := m.ser.Deserialize(env.Topic, env.Message, &rec)
	if err != nil {
		m.log.Warn("dropping undecodable sync delivery", zap.String("topic", env.Topic), zap.Error(err))
		return nil
	}

	switch method {
	case m.cfg.SyncSetMethod:
		if rec.Tombstone() {
			m.log.Warn("dropping set record without value", zap.String("key", rec.Key))
			return nil
		}
		sub, err := rec.DecodeValue()
		if err != nil {
			m.log.Warn("dropping undecodable sync value", zap.String("key", rec.Key), zap.Error(err))
			return nil
		}
		if err := m.sync.Upsert(ctx, account, sub); err != nil {
			return fmt.Errorf("sync set %s: %w", rec.Key, err)
		}
		if m.State(sub.Topic) == model.StateActive {
			return nil
		}
		return m.activate(ctx, sub)
	case m.cfg.SyncDeleteMethod:
		topic := m.topicForDatabaseID(account, rec.Key)
		if topic == "" {
			// not materialized on this device; the tombstone still lands
			// in the local store
			return m.sync.Tombstone(ctx, account, rec.Key)
		}
		return m.HandleRemoteDelete(ctx, topic)
	default:
		m.log.Debug("ignoring sync delivery with unknown method", zap.String("method", method))
		return nil
	}
}

func (m *Manager) topicForDatabaseID(account model.Account, databaseID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, e := range m.subs {
		if e.state == model.StateActive && e.sub.Account == account && e.sub.DatabaseID == databaseID {
			return topic
		}
	}
	return ""
}

// RecordFromClaims builds a message record, attributing the author by
// comparing the payload's recipient with the subscription owner.
func RecordFromClaims(claims *identity.MessageClaims, sub model.Subscription) model.MessageRecord {
	author := sub.Account
	if claims.Recipient() == sub.Account && sub.PeerAccount != "" {
		author = sub.PeerAccount
	}
	var published time.Time
	if claims.IssuedAt != nil {
		published = claims.IssuedAt.Time
	}
	return model.MessageRecord{
		ID:          claims.RecordID(),
		Topic:       sub.Topic,
		Message:     claims.Message,
		Author:      author,
		PublishedAt: published,
	}
}

// State reports the lifecycle state for a topic; unknown topics are Deleted.
func (m *Manager) State(topic string) model.SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.subs[topic]; ok {
		return e.state
	}
	return model.StateDeleted
}

func (m *Manager) lookup(topic string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[topic]
}

func (m *Manager) setState(sub model.Subscription, st model.SubscriptionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.Topic] = &entry{sub: sub, state: st}
}

func (m *Manager) setStateValue(topic string, st model.SubscriptionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.subs[topic]; ok {
		e.state = st
	}
}

func (m *Manager) activeTopics(account model.Account) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for topic, e := range m.subs {
		if e.state == model.StateActive && e.sub.Account == account {
			out = append(out, topic)
		}
	}
	return out
}
