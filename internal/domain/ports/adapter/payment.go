package adapter

import (
	"context"
	"time"

	"course-payments/internal/domain/model"

	"github.com/shopspring/decimal"
)

// PaymentLink is the result of a successful create-link call.
type PaymentLink struct {
	OrderID    string
	PaymentURL string
	Request    map[string]any // signed request as sent, stored as the request echo
}

// RefundResult captures a provider-agnostic refund outcome.
type RefundResult struct {
	ID           string
	Status       string
	RefundAmount decimal.Decimal
	RefundTime   time.Time
	Raw          map[string]any
}

// PaymentGateway is the port for the external payment provider. CreatePaymentLink
// mints a new order on every call and must not be retried blindly; CheckStatus is
// read-only.
type PaymentGateway interface {
	Name() string
	CreatePaymentLink(ctx context.Context, buyer model.BuyerInfo, amount decimal.Decimal, currency string) (PaymentLink, error)
	CheckStatus(ctx context.Context, orderID string) (model.ProviderStatus, error)
	// Refund refunds amount, or the full payment when amount is nil.
	Refund(ctx context.Context, orderID string, amount *decimal.Decimal) (RefundResult, error)
}
