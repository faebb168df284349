package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*PaymentRepo)(nil)

// PaymentRepo stores intents through gorm. It cannot lock rows, so Update relies
// on the version check alone.
type PaymentRepo struct {
	db *gorm.DB
}

func NewPaymentRepo(db *gorm.DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

func (r *PaymentRepo) Create(ctx context.Context, tx repository.Tx, p *model.PaymentIntent) error {
	db, err := conn(ctx, r.db, tx)
	if err != nil {
		return err
	}
	if err := db.Create(toPaymentRow(p)).Error; err != nil {
		if isDuplicate(err) {
			return domain.ErrAlreadyExists
		}
		return wrapErr("insert payment", err)
	}
	return nil
}

func (r *PaymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PaymentIntent, error) {
	return r.findOne(ctx, tx, "id = ?", id)
}

func (r *PaymentRepo) FindByOrderID(ctx context.Context, tx repository.Tx, orderID string) (*model.PaymentIntent, error) {
	return r.findOne(ctx, tx, "provider_order_id = ?", orderID)
}

func (r *PaymentRepo) findOne(ctx context.Context, tx repository.Tx, where string, arg any) (*model.PaymentIntent, error) {
	db, err := conn(ctx, r.db, tx)
	if err != nil {
		return nil, err
	}
	var row paymentRow
	if err := db.Where(where, arg).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	p, err := row.toModel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	return p, nil
}

func (r *PaymentRepo) Update(ctx context.Context, tx repository.Tx, p *model.PaymentIntent, expectedVersion int64) error {
	db, err := conn(ctx, r.db, tx)
	if err != nil {
		return err
	}
	row := toPaymentRow(p)
	md, err := json.Marshal(row.ProviderMetadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", domain.ErrInvalidArgument, err)
	}
	now := time.Now().UTC()
	res := db.Model(&paymentRow{}).
		Where("id = ? AND version = ?", p.ID, expectedVersion).
		Updates(map[string]any{
			"owner_user_id":     row.OwnerUserID,
			"status":            row.Status,
			"payment_url":       row.PaymentURL,
			"provider_metadata": string(md),
			"processed_at":      row.ProcessedAt,
			"refunded_at":       row.RefundedAt,
			"refund_amount":     row.RefundAmount,
			"version":           expectedVersion + 1,
			"updated_at":        now,
		})
	if res.Error != nil {
		return wrapErr("update payment", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = now
	return nil
}

func (r *PaymentRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, after repository.PendingCursor, limit int) ([]*model.PaymentIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	db, err := conn(ctx, r.db, tx)
	if err != nil {
		return nil, err
	}
	q := db.Where("status = ? AND created_at < ?", string(model.PaymentStatusPending), olderThan.UTC())
	if !after.IsZero() {
		at := after.CreatedAt.UTC()
		q = q.Where("created_at > ? OR (created_at = ? AND id > ?)", at, at, after.ID)
	}
	var rows []paymentRow
	if err := q.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapErr("list pending", err)
	}
	out := make([]*model.PaymentIntent, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
