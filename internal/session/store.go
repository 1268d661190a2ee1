// Package session keeps a short-lived Redis record per live connection. The
// record's TTL is refreshed by the heartbeat, so a record that disappears
// means its connection (or the process that held it) is gone. The sweeper
// relies on this to clean up after crashed processes.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection records.
	ConnPrefix = "conn:"

	// DefaultTTL is the record lifetime when no TTL is configured.
	DefaultTTL = 2 * time.Minute
)

// Record is a connection's shared state in Redis.
type Record struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
	ttl        time.Duration
}

// Connect dials Redis and verifies the connection.
func Connect(addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a record store on an existing client.
func NewStore(client *redis.Client, serverName string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, serverName: serverName, ttl: ttl}
}

// Create stores a record for a newly admitted connection.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// Touch marks the connection active and extends its TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Alive reports which of the given connection ids still have a record.
func (s *Store) Alive(ctx context.Context, connIDs []string) (map[string]bool, error) {
	alive := make(map[string]bool, len(connIDs))
	if len(connIDs) == 0 {
		return alive, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(connIDs))
	for i, id := range connIDs {
		cmds[i] = pipe.Exists(ctx, ConnPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: alive: %w", err)
	}
	for i, id := range connIDs {
		alive[id] = cmds[i].Val() > 0
	}
	return alive, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, ConnPrefix+connID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
