package sqlite

import (
	"time"

	"github.com/shopspring/decimal"

	"course-payments/internal/domain/model"
)

type userRow struct {
	ID              string `gorm:"primaryKey"`
	Email           string `gorm:"uniqueIndex;not null"`
	Name            string
	Phone           string
	PasswordHash    string `gorm:"not null"`
	EmailVerifiedAt *time.Time
	HasCourseAccess bool `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (userRow) TableName() string { return "users" }

// Amounts are stored as decimal strings; SQLite has no exact numeric type.
type paymentRow struct {
	ID               string  `gorm:"primaryKey"`
	OwnerUserID      *string `gorm:"index"`
	Amount           string  `gorm:"not null"`
	Currency         string  `gorm:"size:3;not null"`
	Status           string  `gorm:"index;not null"`
	ProviderOrderID  string  `gorm:"uniqueIndex;not null"`
	PaymentURL       string
	ProviderMetadata map[string]any `gorm:"serializer:json;type:text"`
	ProcessedAt      *time.Time
	RefundedAt       *time.Time
	RefundAmount     *string
	Version          int64     `gorm:"not null;default:1"`
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
}

func (paymentRow) TableName() string { return "payment_intents" }

func toUserRow(u *model.User) *userRow {
	return &userRow{
		ID:              u.ID,
		Email:           model.NormalizeEmail(u.Email),
		Name:            u.Name,
		Phone:           u.Phone,
		PasswordHash:    u.PasswordHash,
		EmailVerifiedAt: utcPtr(u.EmailVerifiedAt),
		HasCourseAccess: u.HasCourseAccess,
		CreatedAt:       u.CreatedAt.UTC(),
		UpdatedAt:       u.UpdatedAt.UTC(),
	}
}

func (r *userRow) toModel() *model.User {
	return &model.User{
		ID:              r.ID,
		Email:           r.Email,
		Name:            r.Name,
		Phone:           r.Phone,
		PasswordHash:    r.PasswordHash,
		EmailVerifiedAt: r.EmailVerifiedAt,
		HasCourseAccess: r.HasCourseAccess,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func toPaymentRow(p *model.PaymentIntent) *paymentRow {
	return &paymentRow{
		ID:               p.ID,
		OwnerUserID:      p.OwnerUserID,
		Amount:           p.Amount.String(),
		Currency:         p.Currency,
		Status:           string(p.Status),
		ProviderOrderID:  p.ProviderOrderID,
		PaymentURL:       p.PaymentURL,
		ProviderMetadata: p.ProviderMetadata,
		ProcessedAt:      utcPtr(p.ProcessedAt),
		RefundedAt:       utcPtr(p.RefundedAt),
		RefundAmount:     decimalPtrString(p.RefundAmount),
		Version:          p.Version,
		CreatedAt:        p.CreatedAt.UTC(),
		UpdatedAt:        p.UpdatedAt.UTC(),
	}
}

func (r *paymentRow) toModel() (*model.PaymentIntent, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, err
	}
	p := &model.PaymentIntent{
		ID:               r.ID,
		OwnerUserID:      r.OwnerUserID,
		Amount:           amount,
		Currency:         r.Currency,
		Status:           model.PaymentStatus(r.Status),
		ProviderOrderID:  r.ProviderOrderID,
		PaymentURL:       r.PaymentURL,
		ProviderMetadata: r.ProviderMetadata,
		ProcessedAt:      r.ProcessedAt,
		RefundedAt:       r.RefundedAt,
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if p.ProviderMetadata == nil {
		p.ProviderMetadata = map[string]any{}
	}
	if r.RefundAmount != nil {
		d, err := decimal.NewFromString(*r.RefundAmount)
		if err != nil {
			return nil, err
		}
		p.RefundAmount = &d
	}
	return p, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
