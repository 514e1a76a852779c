package roomsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredentials is returned when a connection is attempted without a
// usable bearer token.
var ErrNoCredentials = errors.New("roomsync: no credentials available")

// TokenSource supplies the bearer credential for socket and HTTP calls.
// Invalidate is called by the connection manager when the server rejects
// the credential, so the next Token call can refresh instead of replaying
// a stale token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// StaticToken is a fixed credential. Invalidate is a no-op; once the server
// rejects it, only replacing the source helps.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoCredentials
	}
	return string(s), nil
}

func (s StaticToken) Invalidate() {}

// Session holds a JWT and refreshes it through a caller-supplied function
// when it has been invalidated or its exp claim is about to pass.
type Session struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	refresh func(ctx context.Context) (string, error)
}

// NewSession creates a session seeded with token. refresh may be nil, in
// which case the session behaves like a StaticToken that can be expired.
func NewSession(token string, refresh func(ctx context.Context) (string, error)) *Session {
	s := &Session{token: token, refresh: refresh}
	s.expires = tokenExpiry(token)
	return s
}

// Token returns the current credential, refreshing it first if it is
// missing, invalidated, or expires within the next thirty seconds.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expires.IsZero() || time.Until(s.expires) > 30*time.Second) {
		return s.token, nil
	}
	if s.refresh == nil {
		if s.token == "" {
			return "", ErrNoCredentials
		}
		return s.token, nil
	}

	token, err := s.refresh(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = tokenExpiry(token)
	return s.token, nil
}

// Invalidate discards the held token so the next Token call refreshes.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

// tokenExpiry reads the exp claim without verifying the signature — the
// client holds no signing key; the server remains the verifier. A token
// that does not parse as a JWT simply has no known expiry.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
