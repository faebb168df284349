package repository

import (
	"context"

	"course-payments/internal/domain/model"
)

// -----------------------------
// Users
// -----------------------------

type UserRepository interface {
	FindByID(ctx context.Context, tx Tx, id string) (*model.User, error)
	FindByEmail(ctx context.Context, tx Tx, email string) (*model.User, error)
	// Create inserts u unless the email is taken, in which case it returns
	// domain.ErrAlreadyExists without aborting tx.
	Create(ctx context.Context, tx Tx, u *model.User) error
	// SetCourseAccess reports whether the stored flag actually changed.
	SetCourseAccess(ctx context.Context, tx Tx, userID string, access bool) (bool, error)
}
