package roomsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestStaticTokenEmpty(t *testing.T) {
	_, err := StaticToken("").Token(context.Background())
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Token error = %v, want ErrNoCredentials", err)
	}
}

func TestStaticTokenSurvivesInvalidate(t *testing.T) {
	ts := StaticToken("fixed")
	ts.Invalidate()
	got, err := ts.Token(context.Background())
	if err != nil || got != "fixed" {
		t.Fatalf("Token = %q, %v; want fixed, nil", got, err)
	}
}

func TestSessionReturnsLiveToken(t *testing.T) {
	calls := 0
	token := signedToken(t, time.Now().Add(time.Hour))
	s := NewSession(token, func(ctx context.Context) (string, error) {
		calls++
		return "refreshed", nil
	})

	got, err := s.Token(context.Background())
	if err != nil || got != token {
		t.Fatalf("Token = %q, %v; want the seeded token", got, err)
	}
	if calls != 0 {
		t.Errorf("refresh called %d times for a live token, want 0", calls)
	}
}

func TestSessionRefreshesAfterInvalidate(t *testing.T) {
	calls := 0
	fresh := signedToken(t, time.Now().Add(time.Hour))
	s := NewSession(signedToken(t, time.Now().Add(time.Hour)), func(ctx context.Context) (string, error) {
		calls++
		return fresh, nil
	})

	s.Invalidate()

	got, err := s.Token(context.Background())
	if err != nil || got != fresh {
		t.Fatalf("Token = %q, %v; want the refreshed token", got, err)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}

	// A second call reuses the refreshed token.
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatalf("second Token: %v", err)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d after reuse, want 1", calls)
	}
}

func TestSessionRefreshesNearExpiry(t *testing.T) {
	calls := 0
	fresh := signedToken(t, time.Now().Add(time.Hour))
	// Inside the thirty second renewal window.
	s := NewSession(signedToken(t, time.Now().Add(10*time.Second)), func(ctx context.Context) (string, error) {
		calls++
		return fresh, nil
	})

	got, err := s.Token(context.Background())
	if err != nil || got != fresh {
		t.Fatalf("Token = %q, %v; want the refreshed token", got, err)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestSessionRefreshFailureSurfaces(t *testing.T) {
	refreshErr := errors.New("login required")
	s := NewSession("", func(ctx context.Context) (string, error) {
		return "", refreshErr
	})

	if _, err := s.Token(context.Background()); !errors.Is(err, refreshErr) {
		t.Fatalf("Token error = %v, want the refresh error", err)
	}
}

func TestSessionWithoutRefresh(t *testing.T) {
	s := NewSession("", nil)
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Token error = %v, want ErrNoCredentials", err)
	}

	// An opaque non-JWT token has no known expiry and is served as-is.
	s = NewSession("opaque-session-id", nil)
	got, err := s.Token(context.Background())
	if err != nil || got != "opaque-session-id" {
		t.Fatalf("Token = %q, %v", got, err)
	}
}

func TestTokenExpiryParsing(t *testing.T) {
	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if got := tokenExpiry(signedToken(t, exp)); !got.Equal(exp) {
		t.Errorf("tokenExpiry = %v, want %v", got, exp)
	}
	if got := tokenExpiry("not-a-jwt"); !got.IsZero() {
		t.Errorf("tokenExpiry(opaque) = %v, want zero", got)
	}
	if got := tokenExpiry(""); !got.IsZero() {
		t.Errorf("tokenExpiry(empty) = %v, want zero", got)
	}
}
