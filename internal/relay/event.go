package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope carried between processes. Payload is the
// client-facing body; the relay never looks inside it.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	UserID  string          `json:"userId,omitempty"` // acting user
	ConnID  string          `json:"connId,omitempty"` // originating connection, if any
	Origin  string          `json:"origin,omitempty"` // publishing server
	Ts      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(eventType, channel, userID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("relay: marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Channel: channel,
		UserID:  userID,
		Ts:      time.Now().UnixMilli(),
		Payload: raw,
	}, nil
}
