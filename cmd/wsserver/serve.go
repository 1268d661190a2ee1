package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/whisper/pairchat/internal/auth"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/delivery"
	"github.com/whisper/pairchat/internal/directory"
	"github.com/whisper/pairchat/internal/gateway"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/presence"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/relay"
	"github.com/whisper/pairchat/internal/session"
	"github.com/whisper/pairchat/internal/store"
	"github.com/whisper/pairchat/internal/typing"
	"github.com/whisper/pairchat/internal/ws"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// --- Redis ---
	rdb, err := session.Connect(cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	sessionStore := session.NewStore(rdb, cfg.ServerName, cfg.SessionTTL)

	// --- Relay ---
	transport, closeTransport, err := openTransport(cfg, rdb)
	if err != nil {
		return err
	}
	hub := relay.NewHub(transport, cfg.ServerName)

	// --- Durable store ---
	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	log.Printf("pairchat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  relay:           %s", cfg.RelayDriver)
	log.Printf("  store:           %s", cfg.StoreDriver)
	log.Printf("  session_policy:  %s", cfg.SessionPolicy)

	tracker := presence.NewTracker(rdb)
	deliveryOpts := delivery.DefaultOptions()
	deliveryOpts.MaxTries = uint(cfg.StoreRetries)

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		SessionPolicy:  cfg.SessionPolicy,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}, auth.NewAuthenticator(cfg.JWTSecret, cfg.AuthCookieName), sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	gw := gateway.New(gateway.Deps{
		Conns:     server,
		Directory: directory.New(rdb, cfg.SubscriptionTTL),
		Presence:  tracker,
		Hub:       hub,
		Delivery:  delivery.NewService(st, hub, tracker, deliveryOpts),
		Typing:    typing.NewCoordinator(hub),
		Sessions:  sessionStore,
		Limiter:   ratelimit.NewLimiter(rdb),
		MessageRule: ratelimit.Rule{
			Key:    ratelimit.RuleMessage.Key,
			Limit:  cfg.MessageRateLimit,
			Window: cfg.MessageRateWindow,
		},
		TypingRule: ratelimit.Rule{
			Key:    ratelimit.RuleTyping.Key,
			Limit:  cfg.TypingRateLimit,
			Window: cfg.TypingRateWindow,
		},
		Retries:      uint(cfg.StoreRetries),
		HistoryLimit: cfg.HistoryLimit,
	})
	if err := gw.Start(); err != nil {
		return err
	}
	gw.Register(dispatcher)
	gw.Attach(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.RunSweeper(ctx, cfg.SweepInterval)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancel()
		// Connections are removed through the disconnect path first, so
		// presence and subscriptions are released while the relay is up.
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		gw.Stop()
		hub.Close()
		closeTransport()
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	return server.Start()
}

func openTransport(cfg config.Config, rdb *redis.Client) (relay.Transport, func(), error) {
	switch cfg.RelayDriver {
	case config.RelayNATS:
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "pairchat-" + cfg.ServerName
		nc, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		return nc, nc.Close, nil
	case config.RelayRedis:
		ps := messaging.NewRedisPubSub(rdb)
		return ps, ps.Close, nil
	default:
		log.Printf("relay: using in-process bus; events will not cross processes")
		return relay.NewLocalBus(), func() {}, nil
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Printf("store: using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), nil
	}

	db, err := store.OpenPostgres(cfg.DatabaseURL, store.DefaultPostgresConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(db, true); err != nil {
			closeDB(db)
			return nil, err
		}
	}
	return store.NewPostgresStore(db), nil
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		log.Printf("postgres close error: %v", err)
	}
}
