// Package config loads process configuration from the environment. An
// optional .env file in the working directory is read first; real
// environment variables win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Relay drivers.
const (
	RelayNATS  = "nats"
	RelayRedis = "redis"
	RelayLocal = "local"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Session policies.
const (
	PolicyMulti  = "multi"
	PolicySingle = "single"
)

// Config holds every tunable of the chat server.
type Config struct {
	ListenAddr     string        `env:"LISTEN_ADDR,default=:8080"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE,default=256"`
	MaxConnections int           `env:"MAX_CONNECTIONS,default=100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT,default=10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	ServerName     string        `env:"SERVER_NAME"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s"`

	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisDB   int    `env:"REDIS_DB,default=0"`

	RelayDriver string `env:"RELAY_DRIVER,default=nats"`
	NATSURL     string `env:"NATS_URL,default=nats://localhost:4222"`

	StoreDriver string `env:"STORE_DRIVER,default=postgres"`
	DatabaseURL string `env:"DATABASE_URL,default=postgres://localhost:5432/pairchat?sslmode=disable"`
	AutoMigrate bool   `env:"AUTO_MIGRATE,default=false"`

	JWTSecret      string `env:"JWT_SECRET"`
	AuthCookieName string `env:"AUTH_COOKIE_NAME,default=token"`

	SessionPolicy   string        `env:"SESSION_POLICY,default=multi"`
	SessionTTL      time.Duration `env:"SESSION_TTL,default=2m"`
	SubscriptionTTL time.Duration `env:"SUBSCRIPTION_TTL,default=1h"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL,default=1m"`

	MessageRateLimit  int           `env:"MESSAGE_RATE_LIMIT,default=20"`
	MessageRateWindow time.Duration `env:"MESSAGE_RATE_WINDOW,default=10s"`
	TypingRateLimit   int           `env:"TYPING_RATE_LIMIT,default=20"`
	TypingRateWindow  time.Duration `env:"TYPING_RATE_WINDOW,default=10s"`
	StoreRetries      int           `env:"STORE_RETRIES,default=4"`
	HistoryLimit      int           `env:"HISTORY_LIMIT,default=50"`
}

// Load reads .env (if present) and the process environment into a Config
// and validates it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ws-1"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and non-positive sizes.
func (c Config) Validate() error {
	switch c.RelayDriver {
	case RelayNATS, RelayRedis, RelayLocal:
	default:
		return fmt.Errorf("config: unknown RELAY_DRIVER %q", c.RelayDriver)
	}
	switch c.StoreDriver {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.SessionPolicy {
	case PolicyMulti, PolicySingle:
	default:
		return fmt.Errorf("config: unknown SESSION_POLICY %q", c.SessionPolicy)
	}

	if c.WorkerPoolSize <= 0 {
		return errors.New("config: WORKER_POOL_SIZE must be positive")
	}
	if c.MaxConnections <= 0 {
		return errors.New("config: MAX_CONNECTIONS must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return errors.New("config: heartbeat interval and timeout must be positive")
	}
	if c.SessionTTL <= c.HeartbeatInterval {
		return fmt.Errorf("config: SESSION_TTL (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.SessionTTL, c.HeartbeatInterval)
	}
	if c.SubscriptionTTL <= c.HeartbeatInterval {
		return fmt.Errorf("config: SUBSCRIPTION_TTL (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.SubscriptionTTL, c.HeartbeatInterval)
	}
	if c.MessageRateLimit <= 0 || c.MessageRateWindow <= 0 {
		return errors.New("config: message rate limit and window must be positive")
	}
	if c.TypingRateLimit <= 0 || c.TypingRateWindow <= 0 {
		return errors.New("config: typing rate limit and window must be positive")
	}
	if c.HistoryLimit <= 0 {
		return errors.New("config: HISTORY_LIMIT must be positive")
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.StoreDriver == StorePostgres && c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required for the postgres store")
	}
	return nil
}
