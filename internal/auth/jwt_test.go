package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairchat/internal/chat"
)

func TestIssueVerify(t *testing.T) {
	req := require.New(t)
	a := NewAuthenticator("secret", "token")

	token, err := a.Issue("user-1", "alice", time.Hour)
	req.NoError(err)

	id, err := a.Verify(token)
	req.NoError(err)
	req.Equal("user-1", id.UserID)
	req.Equal("alice", id.Username)
}

func TestVerify_Rejects(t *testing.T) {
	a := NewAuthenticator("secret", "")

	expired, err := a.Issue("user-1", "", -time.Minute)
	require.NoError(t, err)

	other, err := NewAuthenticator("other", "").Issue("user-1", "", time.Hour)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-jwt",
		"expired":      expired,
		"wrong secret": other,
		"no subject":   noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Verify(token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestIssue_RequiresUserID(t *testing.T) {
	_, err := NewAuthenticator("secret", "").Issue(" ", "", time.Hour)
	require.Error(t, err)
}

func TestAuthenticate_CredentialSources(t *testing.T) {
	a := NewAuthenticator("secret", "token")
	token, err := a.Issue("user-9", "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }},
		{"query parameter", func(r *http.Request) { r.URL.RawQuery = "token=" + token }},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "token", Value: token}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(r)

			id, err := a.Authenticate(r)
			require.NoError(t, err)
			require.Equal(t, "user-9", id.UserID)
		})
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	a := NewAuthenticator("secret", "token")

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := a.Authenticate(r)
	require.True(t, errors.Is(err, chat.ErrUnauthenticated))
	require.True(t, errors.Is(err, ErrNoCredential))

	r = httptest.NewRequest(http.MethodGet, "/ws?token=bogus", nil)
	_, err = a.Authenticate(r)
	require.True(t, errors.Is(err, chat.ErrUnauthenticated))
	require.True(t, errors.Is(err, ErrInvalidToken))
}
