package adapter

import "context"

// SessionIssuer mints login credentials for a user (auto-login after payment).
type SessionIssuer interface {
	IssueToken(ctx context.Context, userID string) (string, error)
	// ParseToken returns the user id carried by a token it issued.
	ParseToken(token string) (string, error)
}

// PasswordHasher hashes generated passwords for payment-created accounts.
type PasswordHasher interface {
	Hash(password string) (string, error)
}
