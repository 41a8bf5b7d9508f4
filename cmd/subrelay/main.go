// Command subrelay runs the encrypted subscription engine against a NATS relay.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/subrelay/internal/history"
	"github.com/and161185/subrelay/internal/identity"
	"github.com/and161185/subrelay/internal/keystore"
	"github.com/and161185/subrelay/internal/migrate"
	"github.com/and161185/subrelay/internal/model"
	"github.com/and161185/subrelay/internal/relay"
	"github.com/and161185/subrelay/internal/repository"
	"github.com/and161185/subrelay/internal/repository/memory"
	"github.com/and161185/subrelay/internal/repository/postgres"
	redisrepo "github.com/and161185/subrelay/internal/repository/redis"
	"github.com/and161185/subrelay/internal/serializer"
	"github.com/and161185/subrelay/internal/subscription"
	"github.com/and161185/subrelay/internal/syncstore"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, wires the engine, runs a gated catch-up, and
// processes inbound deliveries until interrupted.
func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS relay URL")
	prefix := flag.String("prefix", "relay.topic", "subject prefix for topics")
	account := flag.String("account", "", "chain-qualified account (required)")
	keyserver := flag.String("keyserver", "https://keys.walletconnect.com", "keyserver origin for delete payloads")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (empty: in-memory stores)")
	redisAddr := flag.String("redis", "", "Redis address for cold-start markers (empty: same backend as stores)")
	thresholdDays := flag.Int("coldstart-days", 30, "cold start threshold in days")
	counterparty := flag.String("counterparty-key", "", "hex Ed25519 key delete requests are addressed to")
	tagSyncSet := flag.String("tag-sync-set", "5000", "history tag: sync insert")
	tagSyncDel := flag.String("tag-sync-delete", "5002", "history tag: sync tombstone")
	tagMessage := flag.String("tag-message", "4002", "history tag: domain message")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("nats", *natsURL),
	)

	if *account == "" {
		logger.Fatal("missing account (--account)")
	}
	acc := model.Account(*account)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores
	var (
		syncRepo   repository.SyncRepository
		msgRepo    repository.MessageRepository
		markerRepo repository.MarkerRepository
	)
	if *dsn != "" {
		if err := migrate.Up(ctx, *dsn); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		db, err := postgres.New(ctx, *dsn)
		if err != nil {
			logger.Fatal("postgres.New", zap.Error(err))
		}
		defer db.Close()
		syncRepo = postgres.NewSyncRepo(db)
		msgRepo = postgres.NewMessageRepo(db)
		markerRepo = postgres.NewMarkerRepo(db)
	} else {
		syncRepo = memory.NewSyncRepo()
		msgRepo = memory.NewMessageRepo()
		markerRepo = memory.NewMarkerRepo()
	}
	if *redisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: *redisAddr})
		defer func() { _ = rdb.Close() }()
		markerRepo = redisrepo.NewMarkerRepo(rdb)
	}

	// Relay
	nc, err := nats.Connect(*natsURL, nats.Name("subrelay"))
	if err != nil {
		logger.Fatal("nats.Connect", zap.Error(err))
	}
	defer nc.Close()
	gateway, err := relay.NewNATS(nc, *prefix, logger)
	if err != nil {
		logger.Fatal("relay.NewNATS", zap.Error(err))
	}

	// Identity and crypto
	keys := keystore.NewMemory()
	ring := identity.NewKeyring()
	identityPub, err := ring.Generate(acc)
	if err != nil {
		logger.Fatal("identity key", zap.Error(err))
	}
	logger.Info("identity registered", zap.String("key", identity.EncodeKey(identityPub)))

	ser := serializer.New(keys)
	syncStore := syncstore.New(syncRepo, keys, logger)

	resolve := func(_ context.Context, appURL string) (ed25519.PublicKey, error) {
		if *counterparty == "" {
			return nil, errors.New("no counterparty key configured (--counterparty-key)")
		}
		raw, err := hex.DecodeString(*counterparty)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, errors.New("bad counterparty key")
		}
		return ed25519.PublicKey(raw), nil
	}

	manager := subscription.NewManager(keys, gateway, ring, syncStore, msgRepo, ser, resolve,
		subscription.Config{
			Keyserver:        *keyserver,
			DeleteMethod:     "wc_deleteSubscription",
			MessageMethod:    "wc_message",
			SyncSetMethod:    "wc_syncSet",
			SyncDeleteMethod: "wc_syncDel",
		}, logger)

	gate := history.NewGate(markerRepo, time.Duration(*thresholdDays)*24*time.Hour)
	catchup := history.NewCatchUp(gate, gateway, syncStore, manager, ser, msgRepo, history.Config{
		Tags: history.Tags{SyncSet: *tagSyncSet, SyncDelete: *tagSyncDel, Message: *tagMessage},
	}, logger)

	// Device-local registration signature: the identity key signs the
	// registration message in place of an interactive wallet prompt.
	onSign := func(_ context.Context, message string) (string, error) {
		return ring.SignMessage(acc, message)
	}

	if err := syncStore.RegisterIfNeeded(ctx, acc, onSign); err != nil {
		logger.Fatal("sync registration", zap.Error(err))
	}
	if err := catchup.Run(ctx, acc); err != nil {
		logger.Fatal("history catch-up", zap.Error(err))
	}
	if err := manager.Start(ctx, acc); err != nil {
		logger.Fatal("resume subscriptions", zap.Error(err))
	}

	syncTopic, err := syncStore.StoreTopic(ctx, acc)
	if err != nil {
		logger.Fatal("store topic", zap.Error(err))
	}
	if err := gateway.Subscribe(ctx, syncTopic); err != nil {
		logger.Fatal("subscribe sync topic", zap.Error(err))
	}

	logger.Info("engine running", zap.String("account", acc.String()))
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown complete")
			return
		case env := <-gateway.Inbound():
			var err error
			if env.Topic == syncTopic {
				err = manager.HandleSync(ctx, acc, env)
			} else {
				err = manager.HandleInbound(ctx, env)
			}
			if err != nil {
				logger.Warn("inbound delivery", zap.String("topic", env.Topic), zap.Error(err))
			}
		}
	}
}
