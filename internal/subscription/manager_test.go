package subscription

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/subrelay/internal/crypto"
	"github.com/and161185/subrelay/internal/errs"
	"github.com/and161185/subrelay/internal/identity"
	"github.com/and161185/subrelay/internal/keystore"
	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/relay"
	"github.com/and161185/subrelay/internal/repository/memory"
	"github.com/and161185/subrelay/internal/serializer"
	"github.com/and161185/subrelay/internal/syncstore"
)

// fakeNetwork records gateway calls and can fail requests on demand.
type fakeNetwork struct {
	mu         sync.Mutex
	subscribed map[string]int
	unsubbed   map[string]int
	requests   []string // topics of correlated requests
	published  []publishedMsg
	requestErr error
	inboundCh  chan relay.InboundEnvelope
}

type publishedMsg struct {
	topic, method, payload string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		subscribed: make(map[string]int),
		unsubbed:   make(map[string]int),
		inboundCh:  make(chan relay.InboundEnvelope, 8),
	}
}

var _ relay.NetworkGateway = (*fakeNetwork)(nil)

func (f *fakeNetwork) Subscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic]++
	return nil
}

func (f *fakeNetwork) BatchSubscribe(ctx context.Context, topics []string) error {
	for _, t := range topics {
		if err := f.Subscribe(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeNetwork) Unsubscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed[topic]++
	return nil
}

func (f *fakeNetwork) Request(_ context.Context, topic, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return "", f.requestErr
	}
	f.requests = append(f.requests, topic)
	return "ok", nil
}

func (f *fakeNetwork) Publish(_ context.Context, topic, method, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic, method, payload})
	return nil
}

func (f *fakeNetwork) publishedOn(topic string) []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMsg
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeNetwork) Inbound() <-chan relay.InboundEnvelope { return f.inboundCh }

type fixture struct {
	manager  *Manager
	network  *fakeNetwork
	keys     *keystore.Memory
	sync     *syncstore.Store
	messages *memory.MessageRepo
	ring     *identity.Keyring
	dappKey  ed25519.PublicKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys := keystore.NewMemory()
	network := newFakeNetwork()
	ring := identity.NewKeyring()
	syncStore := syncstore.New(memory.NewSyncRepo(), keys, zap.NewNop())
	messages := memory.NewMessageRepo()

	dappPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	resolve := func(context.Context, string) (ed25519.PublicKey, error) {
		return dappPub, nil
	}
	cfg := Config{
		Keyserver:        "https://keys.example.com",
		DeleteMethod:     "wc_deleteSubscription",
		MessageMethod:    "wc_message",
		SyncSetMethod:    "wc_syncSet",
		SyncDeleteMethod: "wc_syncDel",
	}
	m := NewManager(keys, network, ring, syncStore, messages,
		serializer.New(keys), resolve, cfg, zap.NewNop())
	return &fixture{
		manager: m, network: network, keys: keys, sync: syncStore,
		messages: messages, ring: ring, dappKey: dappPub,
	}
}

func newInvite(t *testing.T, account model.Account) model.Invite {
	t.Helper()
	sym, err := crypto.NewSymKey()
	if err != nil {
		t.Fatalf("NewSymKey: %v", err)
	}
	return model.Invite{
		Account:     account,
		PeerAccount: "eip155:1:0xpeer",
		Topic:       crypto.TopicForKey(sym),
		SymKey:      hex.EncodeToString(sym),
		Metadata:    model.Metadata{Name: "dapp", URL: "https://dapp.example"},
		DatabaseID:  "db-1",
	}
}

// registerSync enables sync for the account and returns its store topic.
// The account's identity key must already exist in the ring.
func registerSync(t *testing.T, f *fixture, account model.Account) string {
	t.Helper()
	ctx := context.Background()
	err := f.sync.RegisterIfNeeded(ctx, account, func(_ context.Context, msg string) (string, error) {
		return f.ring.SignMessage(account, msg)
	})
	if err != nil {
		t.Fatalf("RegisterIfNeeded: %v", err)
	}
	topic, err := f.sync.StoreTopic(ctx, account)
	if err != nil {
		t.Fatalf("StoreTopic: %v", err)
	}
	return topic
}

func TestAccept_ActivatesSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	invite := newInvite(t, account)

	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if f.manager.State(invite.Topic) != model.StateActive {
		t.Fatalf("state != Active")
	}
	if _, err := f.keys.SymmetricKey(invite.Topic); err != nil {
		t.Fatalf("key not installed: %v", err)
	}
	if f.network.subscribed[invite.Topic] != 1 {
		t.Fatalf("topic not subscribed")
	}
	subs, _ := f.sync.Subscriptions(ctx, account)
	if len(subs) != 1 || subs[0].DatabaseID != invite.DatabaseID {
		t.Fatalf("subscription not recorded in sync store: %+v", subs)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	invite := newInvite(t, account)
	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := f.manager.Delete(ctx, invite.Topic, ""); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if f.network.unsubbed[invite.Topic] != 1 {
		t.Fatalf("unsubscribe count=%d", f.network.unsubbed[invite.Topic])
	}
	if _, err := f.keys.SymmetricKey(invite.Topic); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Fatalf("key not removed: %v", err)
	}
	subs, _ := f.sync.Subscriptions(ctx, account)
	if len(subs) != 0 {
		t.Fatalf("tombstone not written: %+v", subs)
	}

	err := f.manager.Delete(ctx, invite.Topic, "")
	if !errors.Is(err, errs.ErrSubscriptionNotFound) {
		t.Fatalf("second delete: want ErrSubscriptionNotFound, got %v", err)
	}
	if f.network.unsubbed[invite.Topic] != 1 {
		t.Fatalf("duplicate unsubscribe on second delete")
	}
}

func TestDelete_RemoteNotifyFails_LocalStateStillCommitted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	invite := newInvite(t, account)
	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	transportErr := errors.New("relay timeout")
	f.network.requestErr = transportErr

	err := f.manager.Delete(ctx, invite.Topic, "")
	if !errors.Is(err, errs.ErrRemoteNotify) {
		t.Fatalf("want ErrRemoteNotify, got %v", err)
	}
	if !errors.Is(err, transportErr) {
		t.Fatalf("cause not preserved: %v", err)
	}

	// local half is authoritative regardless of the notify outcome
	subs, _ := f.sync.Subscriptions(ctx, account)
	if len(subs) != 0 {
		t.Fatalf("tombstone missing after failed notify")
	}
	if _, kerr := f.keys.SymmetricKey(invite.Topic); !errors.Is(kerr, errs.ErrKeyNotFound) {
		t.Fatalf("key still present after failed notify: %v", kerr)
	}
	if f.network.unsubbed[invite.Topic] != 1 {
		t.Fatalf("topic not unsubscribed after failed notify")
	}
}

func TestDelete_FailingResolver_SameGuarantees(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	invite := newInvite(t, account)
	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	resolveErr := errors.New("did resolution unreachable")
	f.manager.resolve = func(context.Context, string) (ed25519.PublicKey, error) {
		return nil, resolveErr
	}

	err := f.manager.Delete(ctx, invite.Topic, "")
	if !errors.Is(err, errs.ErrRemoteNotify) || !errors.Is(err, resolveErr) {
		t.Fatalf("want ErrRemoteNotify wrapping resolver cause, got %v", err)
	}
	subs, _ := f.sync.Subscriptions(ctx, account)
	if len(subs) != 0 {
		t.Fatalf("tombstone missing")
	}
	if _, kerr := f.keys.SymmetricKey(invite.Topic); !errors.Is(kerr, errs.ErrKeyNotFound) {
		t.Fatalf("key still present: %v", kerr)
	}
}

func TestApplySync_ActivatesAndTearsDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")

	symA, _ := crypto.NewSymKey()
	symB, _ := crypto.NewSymKey()
	subA := model.Subscription{
		Account: account, Topic: crypto.TopicForKey(symA),
		SymKey: hex.EncodeToString(symA), DatabaseID: "da",
	}
	subB := model.Subscription{
		Account: account, Topic: crypto.TopicForKey(symB),
		SymKey: hex.EncodeToString(symB), DatabaseID: "db",
	}

	if err := f.manager.ApplySync(ctx, account, []model.Subscription{subA, subB}); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}
	if f.manager.State(subA.Topic) != model.StateActive || f.manager.State(subB.Topic) != model.StateActive {
		t.Fatalf("subscriptions not active")
	}

	// subB drops out of the materialized set: tear down, no outbound request
	if err := f.manager.ApplySync(ctx, account, []model.Subscription{subA}); err != nil {
		t.Fatalf("ApplySync 2: %v", err)
	}
	if f.manager.State(subB.Topic) != model.StateDeleted {
		t.Fatalf("tombstoned subscription still active")
	}
	if len(f.network.requests) != 0 {
		t.Fatalf("remote-initiated delete must not publish: %v", f.network.requests)
	}
	if _, err := f.keys.SymmetricKey(subB.Topic); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Fatalf("key for torn-down topic still present")
	}
	if _, err := f.keys.SymmetricKey(subA.Topic); err != nil {
		t.Fatalf("surviving key removed: %v", err)
	}
}

func TestSendAndInbound_MessageStoredOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	invite := newInvite(t, account)
	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := f.ring.Generate(invite.PeerAccount); err != nil {
		t.Fatalf("Generate peer: %v", err)
	}
	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := f.manager.Send(ctx, invite.Topic, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(f.network.publishedOn(invite.Topic)) != 1 {
		t.Fatalf("message not published")
	}
	recs, _ := f.messages.List(ctx, invite.Topic)
	if len(recs) != 1 || recs[0].Author != account {
		t.Fatalf("sent message not stored as own: %+v", recs)
	}

	// inbound message from the peer, addressed to us
	claims := identity.NewMessageClaims(account, "hi back", "nonce-p1", time.Now())
	wrapper, err := f.ring.SignWrapper(ctx, invite.PeerAccount, claims)
	if err != nil {
		t.Fatalf("SignWrapper: %v", err)
	}
	payload, err := serializer.New(f.keys).Serialize(invite.Topic, "wc_message", wrapper)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	env := relay.InboundEnvelope{Topic: invite.Topic, Message: payload}
	if err := f.manager.HandleInbound(ctx, env); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	// duplicate delivery is deduplicated by record id
	if err := f.manager.HandleInbound(ctx, env); err != nil {
		t.Fatalf("HandleInbound dup: %v", err)
	}

	recs, _ = f.messages.List(ctx, invite.Topic)
	if len(recs) != 2 {
		t.Fatalf("want 2 records after dedup, got %d", len(recs))
	}
	var peerAuthored bool
	for _, r := range recs {
		if r.Message == "hi back" && r.Author == invite.PeerAccount {
			peerAuthored = true
		}
	}
	if !peerAuthored {
		t.Fatalf("inbound message not attributed to peer: %+v", recs)
	}
}

func TestHandleInbound_DeleteRequestTearsDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	invite := newInvite(t, account)
	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := f.ring.Generate(invite.PeerAccount); err != nil {
		t.Fatalf("Generate peer: %v", err)
	}
	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// inbound deletes come from the thread counterparty; resolve its real key
	peerPub, err := f.ring.PublicKey(invite.PeerAccount)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	f.manager.resolve = func(context.Context, string) (ed25519.PublicKey, error) {
		return peerPub, nil
	}

	claims := identity.NewDeleteClaims("https://keys.example.com", "https://dapp.example",
		identity.ReasonUserDisconnected, "unused", time.Now())
	wrapper, err := f.ring.SignWrapper(ctx, invite.PeerAccount, claims)
	if err != nil {
		t.Fatalf("SignWrapper: %v", err)
	}
	payload, err := serializer.New(f.keys).Serialize(invite.Topic, "wc_deleteSubscription", wrapper)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	err = f.manager.HandleInbound(ctx, relay.InboundEnvelope{Topic: invite.Topic, Message: payload})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if f.manager.State(invite.Topic) != model.StateDeleted {
		t.Fatalf("delete request did not tear down subscription")
	}
	if len(f.network.requests) != 0 {
		t.Fatalf("remote-initiated delete must not send a request")
	}
}

func TestHandleInbound_DeleteSignedByStranger_Dropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	stranger := model.Account("eip155:1:0xmallory")
	invite := newInvite(t, account)
	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := f.ring.Generate(invite.PeerAccount); err != nil {
		t.Fatalf("Generate peer: %v", err)
	}
	if _, err := f.ring.Generate(stranger); err != nil {
		t.Fatalf("Generate stranger: %v", err)
	}
	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	peerPub, err := f.ring.PublicKey(invite.PeerAccount)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	f.manager.resolve = func(context.Context, string) (ed25519.PublicKey, error) {
		return peerPub, nil
	}

	claims := identity.NewDeleteClaims("https://keys.example.com", "https://dapp.example",
		identity.ReasonUserDisconnected, "unused", time.Now())
	wrapper, err := f.ring.SignWrapper(ctx, stranger, claims)
	if err != nil {
		t.Fatalf("SignWrapper: %v", err)
	}
	payload, err := serializer.New(f.keys).Serialize(invite.Topic, "wc_deleteSubscription", wrapper)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	if err := f.manager.HandleInbound(ctx, relay.InboundEnvelope{Topic: invite.Topic, Message: payload}); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if f.manager.State(invite.Topic) != model.StateActive {
		t.Fatalf("delete signed by the wrong key tore the subscription down")
	}
	if f.network.unsubbed[invite.Topic] != 0 {
		t.Fatalf("unexpected unsubscribe")
	}
}

func TestReceiveInvite_PendingUntilAccepted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	invite := newInvite(t, account)

	f.manager.ReceiveInvite(invite)
	if f.manager.State(invite.Topic) != model.StateInvited {
		t.Fatalf("received invite not pending")
	}
	if _, err := f.keys.SymmetricKey(invite.Topic); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Fatalf("key installed before accept: %v", err)
	}
	if f.network.subscribed[invite.Topic] != 0 {
		t.Fatalf("topic subscribed before accept")
	}

	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if f.manager.State(invite.Topic) != model.StateActive {
		t.Fatalf("accepted invite not active")
	}
}

func TestAccept_ReplicatesToStoreTopic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	storeTopic := registerSync(t, f, account)
	invite := newInvite(t, account)

	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	msgs := f.network.publishedOn(storeTopic)
	if len(msgs) != 1 {
		t.Fatalf("want 1 sync publish on store topic, got %d", len(msgs))
	}
	var rec model.SyncRecord
	method, err := serializer.New(f.keys).Deserialize(storeTopic, msgs[0].payload, &rec)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if method != "wc_syncSet" || rec.Tombstone() || rec.Key != invite.DatabaseID {
		t.Fatalf("unexpected sync record: method=%s rec=%+v", method, rec)
	}
	sub, err := rec.DecodeValue()
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if sub.Topic != invite.Topic || sub.SymKey != invite.SymKey {
		t.Fatalf("replicated subscription does not match invite: %+v", sub)
	}
}

func TestDelete_ReplicatesTombstone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	storeTopic := registerSync(t, f, account)
	invite := newInvite(t, account)
	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := f.manager.Delete(ctx, invite.Topic, ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	msgs := f.network.publishedOn(storeTopic)
	if len(msgs) != 2 {
		t.Fatalf("want set + tombstone on store topic, got %d publishes", len(msgs))
	}
	var rec model.SyncRecord
	method, err := serializer.New(f.keys).Deserialize(storeTopic, msgs[1].payload, &rec)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if method != "wc_syncDel" || !rec.Tombstone() || rec.Key != invite.DatabaseID {
		t.Fatalf("unexpected tombstone record: method=%s rec=%+v", method, rec)
	}
}

func TestHandleSync_SetActivatesSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	storeTopic := registerSync(t, f, account)

	// a set record published by another of the user's devices
	sym, err := crypto.NewSymKey()
	if err != nil {
		t.Fatalf("NewSymKey: %v", err)
	}
	remote := model.Subscription{
		Account:    account,
		Topic:      crypto.TopicForKey(sym),
		SymKey:     hex.EncodeToString(sym),
		Metadata:   model.Metadata{Name: "dapp", URL: "https://dapp.example"},
		DatabaseID: "dev2-1",
	}
	rec, err := syncstore.EncodeValue(remote)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	payload, err := serializer.New(f.keys).Serialize(storeTopic, "wc_syncSet", rec)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	env := relay.InboundEnvelope{Topic: storeTopic, Message: payload}
	if err := f.manager.HandleSync(ctx, account, env); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}

	if f.manager.State(remote.Topic) != model.StateActive {
		t.Fatalf("live sync insert did not activate subscription")
	}
	if _, err := f.keys.SymmetricKey(remote.Topic); err != nil {
		t.Fatalf("key not installed: %v", err)
	}
	if f.network.subscribed[remote.Topic] != 1 {
		t.Fatalf("topic not subscribed")
	}
	subs, _ := f.sync.Subscriptions(ctx, account)
	if len(subs) != 1 || subs[0].DatabaseID != "dev2-1" {
		t.Fatalf("subscription not recorded: %+v", subs)
	}
}

func TestHandleSync_TombstoneTearsDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	account := model.Account("eip155:1:0xaa")
	if _, err := f.ring.Generate(account); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	storeTopic := registerSync(t, f, account)
	invite := newInvite(t, account)
	if err := f.manager.Accept(ctx, invite); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	setPublishes := len(f.network.publishedOn(storeTopic))

	payload, err := serializer.New(f.keys).Serialize(storeTopic, "wc_syncDel",
		model.SyncRecord{Key: invite.DatabaseID})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	env := relay.InboundEnvelope{Topic: storeTopic, Message: payload}
	if err := f.manager.HandleSync(ctx, account, env); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}

	if f.manager.State(invite.Topic) != model.StateDeleted {
		t.Fatalf("live tombstone did not tear down subscription")
	}
	if _, err := f.keys.SymmetricKey(invite.Topic); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Fatalf("key still present: %v", err)
	}
	subs, _ := f.sync.Subscriptions(ctx, account)
	if len(subs) != 0 {
		t.Fatalf("tombstone not applied to store: %+v", subs)
	}
	if len(f.network.requests) != 0 {
		t.Fatalf("remote-initiated teardown must not send a request")
	}
	// the record came from the log; it must not be echoed back
	if got := len(f.network.publishedOn(storeTopic)); got != setPublishes {
		t.Fatalf("tombstone echoed to store topic: %d publishes", got)
	}
}
