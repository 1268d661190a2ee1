//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Package store is the durable record store for users, conversations and
// messages. Two implementations exist: Postgres for production and an
// in-memory store for development and tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("store: not found")

// User is the public profile attached to outgoing messages.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a two-party channel keyed by the sorted participant pair,
// so ParticipantA < ParticipantB always holds.
type Conversation struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participantA"`
	ParticipantB string    `json:"participantB"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.ParticipantA || userID == c.ParticipantB)
}

// Peer returns the other participant, or "" if userID is not a participant.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// CanonicalPair orders two participant ids.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Message is a single text message. ReadAt != nil implies DeliveredAt != nil
// and neither field is ever cleared or moved earlier.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt"`
	ReadAt         *time.Time `json:"readAt"`
}

// Store is the durable store contract consumed by the session layer.
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	FindUser(ctx context.Context, id string) (*User, error)

	// UpsertConversation returns the conversation for the pair, creating it
	// if needed. Argument order does not matter.
	UpsertConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	FindConversation(ctx context.Context, id string) (*Conversation, error)
	ConversationsFor(ctx context.Context, userID string) ([]*Conversation, error)

	CreateMessage(ctx context.Context, msg *Message) error
	// FindMessages returns up to limit messages, newest first.
	FindMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// MarkDelivered sets delivered_at on every message in the conversation
	// not sent by actingUserID whose delivered_at is null. It returns the
	// number of messages changed.
	MarkDelivered(ctx context.Context, conversationID, actingUserID string, at time.Time) (int64, error)

	// MarkRead sets read_at (and delivered_at when still null) on every
	// message not sent by actingUserID whose read_at is null.
	MarkRead(ctx context.Context, conversationID, actingUserID string, at time.Time) (int64, error)

	Close() error
}
