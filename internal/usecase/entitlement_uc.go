package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/adapter"
	"course-payments/internal/domain/ports/repository"
	"course-payments/internal/infra/logging"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ EntitlementUseCase = (*entitlementUC)(nil)

// EntitlementUseCase guards the course-access flag. Grant and Revoke are
// idempotent and report whether they changed anything.
type EntitlementUseCase interface {
	Grant(ctx context.Context, tx repository.Tx, userID string) (bool, error)
	Revoke(ctx context.Context, tx repository.Tx, userID string) (bool, error)
	HasAccess(ctx context.Context, tx repository.Tx, userID string) (bool, error)
	// ResolveOrCreateUser finds the account for buyer.Email or creates a verified
	// one with a random password. created is false when another caller won the race.
	ResolveOrCreateUser(ctx context.Context, tx repository.Tx, buyer model.BuyerInfo) (u *model.User, created bool, err error)
}

type entitlementUC struct {
	users  repository.UserRepository
	hasher adapter.PasswordHasher
	log    *zerolog.Logger
}

func NewEntitlementUseCase(users repository.UserRepository, hasher adapter.PasswordHasher, logger *zerolog.Logger) *entitlementUC {
	return &entitlementUC{users: users, hasher: hasher, log: logger}
}

func (e *entitlementUC) Grant(ctx context.Context, tx repository.Tx, userID string) (bool, error) {
	return e.set(ctx, tx, userID, true)
}

func (e *entitlementUC) Revoke(ctx context.Context, tx repository.Tx, userID string) (bool, error) {
	return e.set(ctx, tx, userID, false)
}

func (e *entitlementUC) set(ctx context.Context, tx repository.Tx, userID string, access bool) (bool, error) {
	if userID == "" {
		return false, domain.ErrInvalidArgument
	}
	changed, err := e.users.SetCourseAccess(ctx, tx, userID, access)
	if err != nil {
		return false, err
	}
	if changed {
		logging.With(ctx, e.log).Info().Str("user_id", userID).Bool("course_access", access).Msg("course access changed")
	}
	return changed, nil
}

func (e *entitlementUC) HasAccess(ctx context.Context, tx repository.Tx, userID string) (bool, error) {
	u, err := e.users.FindByID(ctx, tx, userID)
	if err != nil {
		return false, err
	}
	return u.HasCourseAccess, nil
}

func (e *entitlementUC) ResolveOrCreateUser(ctx context.Context, tx repository.Tx, buyer model.BuyerInfo) (*model.User, bool, error) {
	email := model.NormalizeEmail(buyer.Email)
	if email == "" {
		return nil, false, fmt.Errorf("%w: buyer email is required", domain.ErrInvalidArgument)
	}

	u, err := e.users.FindByEmail(ctx, tx, email)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return nil, false, err
	}

	password, err := randomPassword()
	if err != nil {
		return nil, false, err
	}
	hash, err := e.hasher.Hash(password)
	if err != nil {
		return nil, false, err
	}
	nu, err := model.NewUser("", email, buyer.Name, buyer.Phone, hash)
	if err != nil {
		return nil, false, err
	}
	nu.MarkEmailVerified(time.Now().UTC())

	switch err := e.users.Create(ctx, tx, nu); {
	case err == nil:
		logging.With(ctx, e.log).Info().Str("user_id", nu.ID).Msg("created account for paying buyer")
		return nu, true, nil
	case errors.Is(err, domain.ErrAlreadyExists):
		u, err := e.users.FindByEmail(ctx, tx, email)
		if err != nil {
			return nil, false, err
		}
		return u, false, nil
	default:
		return nil, false, err
	}
}

// randomPassword is never shown to anyone; the buyer gets in through the
// session token and can reset the password later.
func randomPassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: random password: %v", domain.ErrOperationFailed, err)
	}
	return hex.EncodeToString(b), nil
}
