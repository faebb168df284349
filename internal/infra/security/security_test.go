//go:build !integration

package security

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestSessionManager_RoundTrip(t *testing.T) {
	m := NewSessionManager("session-secret", "course-payments", time.Hour)
	tok, err := m.IssueToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	sub, err := m.ParseToken(tok)
	if err != nil || sub != "user-1" {
		t.Fatalf("ParseToken = (%q, %v)", sub, err)
	}
}

func TestSessionManager_Rejects(t *testing.T) {
	m := NewSessionManager("session-secret", "course-payments", time.Hour)
	tok, _ := m.IssueToken(context.Background(), "user-1")

	other := NewSessionManager("other-secret", "course-payments", time.Hour)
	if _, err := other.ParseToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign secret: expected ErrInvalidToken, got %v", err)
	}

	wrongIssuer := NewSessionManager("session-secret", "someone-else", time.Hour)
	if _, err := wrongIssuer.ParseToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong issuer: expected ErrInvalidToken, got %v", err)
	}

	expired := NewSessionManager("session-secret", "course-payments", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _ := expired.IssueToken(context.Background(), "user-1")
	if _, err := m.ParseToken(old); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token: expected ErrInvalidToken, got %v", err)
	}

	if _, err := m.ParseToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage: expected ErrInvalidToken, got %v", err)
	}
	if _, err := m.IssueToken(context.Background(), ""); err == nil {
		t.Error("empty subject must be rejected")
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if BearerToken(r) != "" {
		t.Error("no header should yield empty token")
	}
	r.Header.Set("Authorization", "Bearer abc.def")
	if got := BearerToken(r); got != "abc.def" {
		t.Errorf("got %q", got)
	}
	r.Header.Set("Authorization", "Basic xyz")
	if BearerToken(r) != "" {
		t.Error("non-bearer scheme should yield empty token")
	}
}

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	hash, err := h.Hash("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct horse")) != nil ||
		bcrypt.CompareHashAndPassword([]byte(hash), []byte("wrong")) == nil {
		t.Error("bcrypt compare mismatch")
	}
}

func TestEqualSecret(t *testing.T) {
	if !EqualSecret("s", "s") || EqualSecret("s", "t") || EqualSecret("", "") {
		t.Error("EqualSecret misbehaves")
	}
}
