package model

import (
	"strings"
	"time"

	"course-payments/internal/domain"

	"github.com/google/uuid"
)

// User is the minimal projection of a platform account the payment core needs:
// identity for owner resolution and the course-access entitlement flag.
type User struct {
	ID              string
	Email           string
	Name            string
	Phone           string
	PasswordHash    string
	EmailVerifiedAt *time.Time
	HasCourseAccess bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func NewUser(id, email, name, phone, passwordHash string) (*User, error) {
	if id == "" {
		id = uuid.NewString()
	}
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return nil, domain.ErrInvalidArgument
	}
	if passwordHash == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now().UTC()
	return &User{
		ID:           id,
		Email:        email,
		Name:         strings.TrimSpace(name),
		Phone:        strings.TrimSpace(phone),
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func NormalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// ValidEmail is the shape check every stored account email must pass: a
// non-empty local part and domain around a single "@", no whitespace.
func ValidEmail(email string) bool {
	local, domainPart, ok := strings.Cut(email, "@")
	if !ok || local == "" || domainPart == "" || strings.Contains(domainPart, "@") {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}

// MarkEmailVerified is used for payment-created accounts: the provider already
// reached the buyer at this address.
func (u *User) MarkEmailVerified(now time.Time) {
	if u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = &now
	}
}
