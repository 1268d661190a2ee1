package chat

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestChannelKeys(t *testing.T) {
	if got := ConversationChannel("c1"); got != "conversation:c1" {
		t.Errorf("ConversationChannel = %q", got)
	}
	if got := UserChannel("u1"); got != "user:u1" {
		t.Errorf("UserChannel = %q", got)
	}
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", "hi", false},
		{"empty", "", true},
		{"whitespace only", "   \n\t", true},
		{"max chars", strings.Repeat("a", MaxTextChars), false},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), true},
		{"too many bytes", strings.Repeat("é", MaxMessageBytes/2+1), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestCodeAndPublicMessage(t *testing.T) {
	tests := []struct {
		err  error
		code string
		msg  string
	}{
		{fmt.Errorf("join: %w", ErrForbidden), "forbidden", "conversation not available"},
		{fmt.Errorf("%w: text is empty", ErrMalformed), "invalid_message", "malformed payload: text is empty"},
		{ErrRateLimited, "rate_limited", "rate limited"},
		{fmt.Errorf("store: dial tcp: %w", ErrTransient), "unavailable", "temporarily unavailable"},
		{errors.New("boom"), "unavailable", "temporarily unavailable"},
	}

	for _, tt := range tests {
		if got := Code(tt.err); got != tt.code {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.code)
		}
		if got := PublicMessage(tt.err); got != tt.msg {
			t.Errorf("PublicMessage(%v) = %q, want %q", tt.err, got, tt.msg)
		}
	}
}
