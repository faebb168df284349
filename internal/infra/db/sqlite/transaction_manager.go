package sqlite

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"course-payments/internal/domain"
	"course-payments/internal/domain/ports/repository"
)

var _ repository.TransactionManager = (*TxManager)(nil)

// TxManager runs callbacks inside a gorm transaction; the tx handle is a *gorm.DB.
type TxManager struct {
	db *gorm.DB
}

func NewTxManager(db *gorm.DB) *TxManager {
	return &TxManager{db: db}
}

func (m *TxManager) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	var fnErr error
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(ctx, tx)
		return fnErr
	})
	if err != nil && fnErr == nil {
		return fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}
	return err
}

// conn picks the transaction handle when given one, the root db otherwise.
func conn(ctx context.Context, db *gorm.DB, tx repository.Tx) (*gorm.DB, error) {
	switch v := tx.(type) {
	case *gorm.DB:
		return v.WithContext(ctx), nil
	case nil:
		if db == nil {
			return nil, domain.ErrInvalidArgument
		}
		return db.WithContext(ctx), nil
	default:
		return nil, domain.ErrInvalidExecContext
	}
}

func wrapErr(op string, err error) error {
	if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrInvalidExecContext) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrOperationFailed, op, err)
}
