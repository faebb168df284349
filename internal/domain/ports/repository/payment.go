package repository

import (
	"context"
	"time"

	"course-payments/internal/domain/model"
)

// -----------------------------
// Payment intents
// -----------------------------

type PaymentRepository interface {
	// Create inserts a new intent. A duplicate provider order id yields domain.ErrAlreadyExists.
	Create(ctx context.Context, tx Tx, p *model.PaymentIntent) error
	// FindByID returns domain.ErrPaymentNotFound on a miss.
	FindByID(ctx context.Context, tx Tx, id string) (*model.PaymentIntent, error)
	// FindByOrderID locks the row when tx supports row locks.
	FindByOrderID(ctx context.Context, tx Tx, orderID string) (*model.PaymentIntent, error)
	// Update persists status, timestamps, owner, refund and metadata if the stored
	// version still equals expectedVersion; otherwise domain.ErrConcurrentModification.
	// On success p.Version is advanced.
	Update(ctx context.Context, tx Tx, p *model.PaymentIntent, expectedVersion int64) error
	// ListPendingOlderThan pages pending intents created before olderThan in
	// (created_at, id) order, starting strictly after the given cursor. A zero
	// cursor starts from the oldest row.
	ListPendingOlderThan(ctx context.Context, tx Tx, olderThan time.Time, after PendingCursor, limit int) ([]*model.PaymentIntent, error)
}

// PendingCursor is the position of the last intent returned by a page.
type PendingCursor struct {
	CreatedAt time.Time
	ID        string
}

func (c PendingCursor) IsZero() bool { return c.ID == "" && c.CreatedAt.IsZero() }

// CursorOf returns the cursor positioned at p.
func CursorOf(p *model.PaymentIntent) PendingCursor {
	return PendingCursor{CreatedAt: p.CreatedAt, ID: p.ID}
}
