package security

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"course-payments/internal/domain/ports/adapter"
)

var _ adapter.SessionIssuer = (*SessionManager)(nil)

var ErrInvalidToken = errors.New("invalid token")

type SessionConfig struct {
	HMACSecret []byte
	Issuer     string
	TTL        time.Duration
}

// SessionManager mints and parses HS256 session tokens for course buyers.
type SessionManager struct {
	cfg SessionConfig
	now func() time.Time
}

func NewSessionManager(secret, issuer string, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &SessionManager{
		cfg: SessionConfig{HMACSecret: []byte(secret), Issuer: issuer, TTL: ttl},
		now: time.Now,
	}
}

type SessionClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

func (m *SessionManager) IssueToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("empty subject")
	}
	now := m.now()
	claims := SessionClaims{
		Scope: "course",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.HMACSecret)
}

// ParseToken returns the user id carried by a valid token.
func (m *SessionManager) ParseToken(tok string) (string, error) {
	claims := &SessionClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Issuer))
	}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return m.cfg.HMACSecret, nil
	}, opts...)
	if err != nil || !tkn.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from "Authorization: Bearer <jwt>".
func BearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if len(hdr) > 7 && strings.EqualFold(hdr[:7], "bearer ") {
		return strings.TrimSpace(hdr[7:])
	}
	return ""
}
