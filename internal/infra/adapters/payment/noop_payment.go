package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/adapter"

	"github.com/shopspring/decimal"
)

var _ adapter.PaymentGateway = (*NoopPaymentGateway)(nil)

// NoopPaymentGateway is an in-memory provider for dev mode and tests. New orders
// report InitialStatus on the first status check (paid by default).
type NoopPaymentGateway struct {
	mu            sync.Mutex
	seq           int64
	baseURL       string
	orders        map[string]model.ProviderStatus
	amounts       map[string]decimal.Decimal
	InitialStatus model.ProviderStatus
}

func NewNoopPaymentGateway(baseURL string) *NoopPaymentGateway {
	if baseURL == "" {
		baseURL = "https://example.test"
	}
	return &NoopPaymentGateway{
		baseURL:       strings.TrimRight(baseURL, "/"),
		orders:        make(map[string]model.ProviderStatus),
		amounts:       make(map[string]decimal.Decimal),
		InitialStatus: model.ProviderStatusPaid,
	}
}

func (g *NoopPaymentGateway) Name() string { return "noop" }

func (g *NoopPaymentGateway) next() string {
	g.seq++
	return fmt.Sprintf("noop-%d-%d", time.Now().UnixNano(), g.seq)
}

func (g *NoopPaymentGateway) CreatePaymentLink(ctx context.Context, buyer model.BuyerInfo, amount decimal.Decimal, currency string) (adapter.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	orderID := g.next()
	g.orders[orderID] = g.InitialStatus
	g.amounts[orderID] = amount
	return adapter.PaymentLink{
		OrderID:    orderID,
		PaymentURL: g.baseURL + "/pay/" + orderID,
		Request: map[string]any{
			"order_id":     orderID,
			"currency":     currency,
			"client_email": buyer.Email,
			"amount":       amount.StringFixed(2),
		},
	}, nil
}

func (g *NoopPaymentGateway) CheckStatus(ctx context.Context, orderID string) (model.ProviderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[orderID]
	if !ok {
		return "", fmt.Errorf("%w: noop: order %s not found", domain.ErrProviderRejected, orderID)
	}
	return st, nil
}

// SetStatus overrides the status the provider reports for orderID.
func (g *NoopPaymentGateway) SetStatus(orderID string, st model.ProviderStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[orderID] = st
}

func (g *NoopPaymentGateway) Refund(ctx context.Context, orderID string, amount *decimal.Decimal) (adapter.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[orderID]
	if !ok || st != model.ProviderStatusPaid {
		return adapter.RefundResult{}, fmt.Errorf("%w: noop: order %s is not refundable", domain.ErrProviderRejected, orderID)
	}
	refunded := g.amounts[orderID]
	if amount != nil {
		refunded = *amount
	}
	g.orders[orderID] = model.ProviderStatusRefunded
	return adapter.RefundResult{
		ID:           "refund-" + orderID,
		Status:       "done",
		RefundAmount: refunded,
		RefundTime:   time.Now(),
	}, nil
}
