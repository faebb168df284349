package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*paymentRepo)(nil)

type paymentRepo struct{ pool *pgxpool.Pool }

func NewPaymentRepo(pool *pgxpool.Pool) *paymentRepo {
	return &paymentRepo{pool: pool}
}

const paymentColumns = `id, owner_user_id, amount::text, currency, status, provider_order_id, payment_url,
  provider_metadata, processed_at, refunded_at, refund_amount::text, version, created_at, updated_at`

func (r *paymentRepo) Create(ctx context.Context, tx repository.Tx, p *model.PaymentIntent) error {
	md, err := json.Marshal(p.ProviderMetadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", domain.ErrInvalidArgument, err)
	}
	const q = `
INSERT INTO payment_intents (
  id, owner_user_id, amount, currency, status, provider_order_id, payment_url,
  provider_metadata, processed_at, refunded_at, refund_amount, version, created_at, updated_at
) VALUES (
  $1,$2,$3::numeric,$4,$5,$6,$7,$8::jsonb,$9,$10,$11::numeric,$12,$13,$14
);`
	_, err = execSQL(ctx, r.pool, tx, q,
		p.ID, p.OwnerUserID, p.Amount.String(), p.Currency, string(p.Status), p.ProviderOrderID, p.PaymentURL,
		string(md), p.ProcessedAt, p.RefundedAt, decimalPtrString(p.RefundAmount), p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return wrapExecErr("insert payment", err)
	}
	return nil
}

func (r *paymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PaymentIntent, error) {
	q := forUpdate(`SELECT `+paymentColumns+` FROM payment_intents WHERE id=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) FindByOrderID(ctx context.Context, tx repository.Tx, orderID string) (*model.PaymentIntent, error) {
	q := forUpdate(`SELECT `+paymentColumns+` FROM payment_intents WHERE provider_order_id=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, orderID)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) Update(ctx context.Context, tx repository.Tx, p *model.PaymentIntent, expectedVersion int64) error {
	md, err := json.Marshal(p.ProviderMetadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", domain.ErrInvalidArgument, err)
	}
	const q = `
UPDATE payment_intents SET
  owner_user_id=$2, status=$3, payment_url=$4, provider_metadata=$5::jsonb,
  processed_at=$6, refunded_at=$7, refund_amount=$8::numeric,
  version=version+1, updated_at=$9
WHERE id=$1 AND version=$10;`
	now := time.Now().UTC()
	tag, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.OwnerUserID, string(p.Status), p.PaymentURL, string(md),
		p.ProcessedAt, p.RefundedAt, decimalPtrString(p.RefundAmount), now, expectedVersion)
	if err != nil {
		return wrapExecErr("update payment", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConcurrentModification
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = now
	return nil
}

func (r *paymentRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, after repository.PendingCursor, limit int) ([]*model.PaymentIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + paymentColumns + ` FROM payment_intents
WHERE status='pending' AND created_at < $1 AND (created_at, id) > ($2, $3)
ORDER BY created_at ASC, id ASC LIMIT $4;`
	rows, err := queryRows(ctx, r.pool, tx, q, olderThan, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, wrapExecErr("list pending", err)
	}
	defer rows.Close()

	var out []*model.PaymentIntent
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func scanPayment(row pgx.Row) (*model.PaymentIntent, error) {
	var (
		p          model.PaymentIntent
		amount     string
		status     string
		md         []byte
		refundText *string
	)
	err := row.Scan(&p.ID, &p.OwnerUserID, &amount, &p.Currency, &status, &p.ProviderOrderID, &p.PaymentURL,
		&md, &p.ProcessedAt, &p.RefundedAt, &refundText, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	p.Status = model.PaymentStatus(status)
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("%w: amount %q", domain.ErrReadDatabaseRow, amount)
	}
	if refundText != nil {
		d, err := decimal.NewFromString(*refundText)
		if err != nil {
			return nil, fmt.Errorf("%w: refund_amount %q", domain.ErrReadDatabaseRow, *refundText)
		}
		p.RefundAmount = &d
	}
	p.ProviderMetadata = map[string]any{}
	if len(md) > 0 {
		if err := json.Unmarshal(md, &p.ProviderMetadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", domain.ErrReadDatabaseRow, err)
		}
	}
	return &p, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
