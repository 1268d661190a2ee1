package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing conversation-scoped events
// ---------------------------------------------------------------------------

func TestParseClientMessage_ConversationEvents(t *testing.T) {
	for _, typ := range []string{
		TypeConversationJoin, TypeConversationLeave, TypeMessageDeliver,
		TypeMessageRead, TypeTypingStart, TypeTypingStop,
	} {
		input := []byte(`{"type":"` + typ + `","conversationId":"c-1"}`)

		msgType, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if msgType != typ {
			t.Fatalf("expected type %q, got %q", typ, msgType)
		}
		cm, ok := msg.(ConversationMsg)
		if !ok {
			t.Fatalf("%s: expected ConversationMsg, got %T", typ, msg)
		}
		if cm.ConversationID != "c-1" {
			t.Errorf("%s: expected conversationId %q, got %q", typ, "c-1", cm.ConversationID)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a new message
// ---------------------------------------------------------------------------

func TestParseClientMessage_MessageNew(t *testing.T) {
	input := []byte(`{"type":"message:new","conversationId":"abc-123","text":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessageNew {
		t.Fatalf("expected type %q, got %q", TypeMessageNew, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.ConversationID != "abc-123" || sm.Text != "Hello!" {
		t.Errorf("unexpected message: %+v", sm)
	}
}

func TestParseClientMessage_ConversationStart(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"conversation:start","recipientId":"bob"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m, ok := msg.(StartConversationMsg); !ok || m.RecipientID != "bob" {
		t.Fatalf("unexpected message: %#v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed payloads are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":             `nope`,
		"missing type":         `{"conversationId":"c-1"}`,
		"unknown type":         `{"type":"unknown_type"}`,
		"missing conversation": `{"type":"conversation:join"}`,
		"missing text":         `{"type":"message:new","conversationId":"c-1"}`,
		"wrong field type":     `{"type":"typing:start","conversationId":42}`,
		"missing recipient":    `{"type":"conversation:start"}`,
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(input))
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
			if msg != nil {
				t.Errorf("expected nil message, got %v", msg)
			}
		})
	}
}

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected ping, got %q", msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Building server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_MessageNew(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := MessageNewPayload{
		ID:             "m-1",
		ConversationID: "c-1",
		SenderID:       "alice",
		Text:           "hi",
		CreatedAt:      created,
		Sender:         Sender{ID: "alice", Username: "Alice"},
	}

	data, err := NewServerMessage(TypeMessageNew, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMessageNew {
		t.Errorf("expected type %q, got %v", TypeMessageNew, result["type"])
	}
	if result["conversationId"] != "c-1" {
		t.Errorf("expected conversationId c-1, got %v", result["conversationId"])
	}
	if v, ok := result["deliveredAt"]; !ok || v != nil {
		t.Errorf("expected deliveredAt to be present and null, got %v (present=%v)", v, ok)
	}
	sender, ok := result["sender"].(map[string]interface{})
	if !ok || sender["username"] != "Alice" {
		t.Errorf("unexpected sender: %v", result["sender"])
	}
}

func TestNewServerMessage_RawPayload(t *testing.T) {
	raw := json.RawMessage(`{"conversationId":"c-1","userId":"bob"}`)

	data, err := NewServerMessage(TypeTypingStart, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Type string `json:"type"`
		TypingPayload
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeTypingStart || decoded.UserID != "bob" || decoded.ConversationID != "c-1" {
		t.Errorf("unexpected decoded message: %+v", decoded)
	}
}

func TestNewServerMessage_NilPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected pong: %s", data)
	}
}
