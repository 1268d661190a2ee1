// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeConversationJoin  = "conversation:join"
	TypeConversationLeave = "conversation:leave"
	TypeConversationStart = "conversation:start"
	TypeMessageNew        = "message:new"
	TypeMessageDeliver    = "message:deliver"
	TypeMessageRead       = "message:read"
	TypeTypingStart       = "typing:start"
	TypeTypingStop        = "typing:stop"
	TypePing              = "ping"
)

// Server -> Client message types. message:new, message:read and the typing
// events share their names with the client events that trigger them.
const (
	TypeMessageDelivered    = "message:delivered"
	TypeStatusOnlineAll     = "status:online:all"
	TypeStatusOnline        = "status:online"
	TypeStatusOffline       = "status:offline"
	TypeConversationNew     = "conversation:new"
	TypeConversationStarted = "conversation:started"
	TypeConversationHistory = "conversation:messages"
	TypeRateLimited         = "rate_limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// ErrInvalid wraps every parse and validation failure.
var ErrInvalid = errors.New("protocol: invalid message")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ConversationMsg is the body of every client event that targets one
// conversation: join, leave, deliver, read and both typing signals.
type ConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId" validate:"required,max=64"`
}

// SendMsg is a new text message from the client.
type SendMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId" validate:"required,max=64"`
	Text           string `json:"text" validate:"required"`
}

// StartConversationMsg asks for the conversation with another user.
type StartConversationMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId" validate:"required,max=64"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// Sender is the public profile attached to a relayed message.
type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// MessageNewPayload is a persisted message relayed to conversation
// subscribers.
type MessageNewPayload struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt"`
	ReadAt         *time.Time `json:"readAt"`
	Sender         Sender     `json:"sender"`
}

// HistoryPayload answers conversation:join with the conversation's recent
// messages, oldest first.
type HistoryPayload struct {
	ConversationID string              `json:"conversationId"`
	Messages       []MessageNewPayload `json:"messages"`
}

// DeliveredPayload is the batched delivery receipt for a conversation.
type DeliveredPayload struct {
	ConversationID string    `json:"conversationId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

// ReadPayload is the batched read receipt for a conversation.
type ReadPayload struct {
	ConversationID string    `json:"conversationId"`
	ReadAt         time.Time `json:"readAt"`
}

// TypingPayload relays a typing signal.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// OnlineAllPayload seeds a new connection with every online user.
type OnlineAllPayload struct {
	Users []string `json:"users"`
}

// StatusPayload is a single presence transition.
type StatusPayload struct {
	UserID string `json:"userId"`
}

// ConversationPayload carries a conversation record.
type ConversationPayload struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participantA"`
	ParticipantB string    `json:"participantB"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed, validated
// client message. Unknown types, undecodable bodies and missing required
// fields all return an error wrapping ErrInvalid.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	var msg interface{}
	switch env.Type {
	case TypeConversationJoin, TypeConversationLeave, TypeMessageDeliver,
		TypeMessageRead, TypeTypingStart, TypeTypingStop:
		var m ConversationMsg
		if err := decode(env, &m); err != nil {
			return env.Type, nil, err
		}
		msg = m
	case TypeMessageNew:
		var m SendMsg
		if err := decode(env, &m); err != nil {
			return env.Type, nil, err
		}
		msg = m
	case TypeConversationStart:
		var m StartConversationMsg
		if err := decode(env, &m); err != nil {
			return env.Type, nil, err
		}
		msg = m
	case TypePing:
		msg = PingMsg{Type: TypePing}
	default:
		return env.Type, nil, fmt.Errorf("%w: unknown client message type %q", ErrInvalid, env.Type)
	}
	return env.Type, msg, nil
}

func decode(env Envelope, v interface{}) error {
	if err := json.Unmarshal(env.Raw, v); err != nil {
		return fmt.Errorf("%w: failed to decode %q payload: %w", ErrInvalid, env.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalid, env.Type, err)
	}
	return nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. payload may
// be a struct or a json.RawMessage holding an object.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := map[string]interface{}{}
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
