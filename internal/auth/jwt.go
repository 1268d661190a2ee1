// Package auth turns the credential presented at connect time into a
// verified user identity. The credential is an HS256 JWT whose subject is
// the user id; it may arrive as a bearer header, a "token" query parameter
// or a cookie.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/pairchat/internal/chat"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoCredential = errors.New("no credential presented")
)

// Identity is the verified result of authentication.
type Identity struct {
	UserID   string
	Username string
}

// Claims is the token payload.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies tokens.
type Authenticator struct {
	secret     []byte
	cookieName string
}

// NewAuthenticator builds an Authenticator. cookieName may be empty to
// disable cookie credentials.
func NewAuthenticator(secret, cookieName string) *Authenticator {
	return &Authenticator{secret: []byte(secret), cookieName: cookieName}
}

// Issue signs a token for the given user. A zero ttl yields a token without
// expiry.
func (a *Authenticator) Issue(userID, username string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: user id required")
	}

	now := time.Now()
	claims := Claims{
		Username: strings.TrimSpace(username),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses a token and returns the identity embedded in it.
func (a *Authenticator) Verify(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, Username: claims.Username}, nil
}

// Authenticate extracts and verifies the credential on an upgrade request.
// Every failure wraps chat.ErrUnauthenticated.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token := credential(r, a.cookieName)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: %w", chat.ErrUnauthenticated, ErrNoCredential)
	}

	id, err := a.Verify(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", chat.ErrUnauthenticated, err)
	}
	return id, nil
}

// credential looks at the Authorization header, then the token query
// parameter, then the cookie.
func credential(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}
