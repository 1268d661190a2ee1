package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrConflict is returned when a unique constraint rejects a write.
var ErrConflict = errors.New("store: conflict")

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on Postgres via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens and pings a Postgres pool.
func OpenPostgres(dsn string, config PostgresConfig) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return db, nil
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateUser inserts a user. A taken id or username yields ErrConflict.
func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, created_at) VALUES ($1, $2, $3)`,
		user.ID, user.Username, user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
		}
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// FindUser looks up a user by id.
func (s *PostgresStore) FindUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	return &u, nil
}

// UpsertConversation inserts the canonical pair or returns the existing row.
// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
func (s *PostgresStore) UpsertConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	a, b := CanonicalPair(userA, userB)

	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_a, participant_b)
		DO UPDATE SET participant_a = EXCLUDED.participant_a
		RETURNING id, participant_a, participant_b, created_at`,
		uuid.NewString(), a, b, time.Now().UTC()).
		Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: upsert conversation: %w", err)
	}
	return &c, nil
}

// FindConversation looks up a conversation by id.
func (s *PostgresStore) FindConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b, created_at FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find conversation: %w", err)
	}
	return &c, nil
}

// ConversationsFor lists every conversation the user participates in.
func (s *PostgresStore) ConversationsFor(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	return out, nil
}

// CreateMessage inserts a message in the SENT state.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}
	return nil
}

// FindMessages returns the newest messages of a conversation.
func (s *PostgresStore) FindMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, text, created_at, delivered_at, read_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: find messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m         Message
			delivered sql.NullTime
			read      sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt, &delivered, &read); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if delivered.Valid {
			m.DeliveredAt = &delivered.Time
		}
		if read.Valid {
			m.ReadAt = &read.Time
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: find messages: %w", err)
	}
	return out, nil
}

// MarkDelivered is a single conditional UPDATE; re-running it matches no rows.
func (s *PostgresStore) MarkDelivered(ctx context.Context, conversationID, actingUserID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivered_at = $3
		WHERE conversation_id = $1 AND sender_id <> $2 AND delivered_at IS NULL`,
		conversationID, actingUserID, at)
	if err != nil {
		return 0, fmt.Errorf("store: mark delivered: %w", err)
	}
	return res.RowsAffected()
}

// MarkRead sets read_at and backfills delivered_at in the same statement so
// the read-implies-delivered constraint holds row by row. read_at never
// precedes a delivered_at stamped by a process with a faster clock.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, actingUserID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_at = GREATEST($3, delivered_at), delivered_at = COALESCE(delivered_at, $3)
		WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL`,
		conversationID, actingUserID, at)
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	return res.RowsAffected()
}
