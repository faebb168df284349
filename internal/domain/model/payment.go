package model

import (
	"strings"
	"time"

	"course-payments/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // link issued; awaiting provider outcome
	PaymentStatusSucceeded PaymentStatus = "succeeded" // provider reported paid
	PaymentStatusFailed    PaymentStatus = "failed"    // provider reported failure
	PaymentStatusRefunded  PaymentStatus = "refunded"  // money returned after success
)

// CanTransition reports whether from -> to is one of the three legal edges.
func CanTransition(from, to PaymentStatus) bool {
	switch {
	case from == PaymentStatusPending && to == PaymentStatusSucceeded:
		return true
	case from == PaymentStatusPending && to == PaymentStatusFailed:
		return true
	case from == PaymentStatusSucceeded && to == PaymentStatusRefunded:
		return true
	}
	return false
}

// BuyerInfo is the checkout identity captured when the intent is created. It is
// used later to resolve or create the owning user for anonymous checkouts.
type BuyerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	TaxID string `json:"tax_id"`
}

func (b BuyerInfo) toMap() map[string]any {
	return map[string]any{
		"name":   b.Name,
		"email":  b.Email,
		"phone":  b.Phone,
		"tax_id": b.TaxID,
	}
}

// PaymentIntent tracks one checkout attempt from link creation to a terminal state.
type PaymentIntent struct {
	ID               string
	OwnerUserID      *string // nil until resolved; set exactly once
	Amount           decimal.Decimal
	Currency         string
	Status           PaymentStatus
	ProviderOrderID  string // correlation key with the provider; unique
	PaymentURL       string
	ProviderMetadata map[string]any // append-only
	ProcessedAt      *time.Time
	RefundedAt       *time.Time
	RefundAmount     *decimal.Decimal
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func NewPaymentIntent(ownerID *string, amount decimal.Decimal, currency, orderID string, buyer BuyerInfo, requestEcho map[string]any) (*PaymentIntent, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidArgument
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, domain.ErrInvalidArgument
	}
	if strings.TrimSpace(orderID) == "" {
		return nil, domain.ErrInvalidArgument
	}
	if ownerID != nil && *ownerID == "" {
		ownerID = nil
	}
	now := time.Now().UTC()
	md := map[string]any{"buyer": buyer.toMap()}
	if requestEcho != nil {
		md["request"] = requestEcho
	}
	return &PaymentIntent{
		ID:               uuid.NewString(),
		OwnerUserID:      ownerID,
		Amount:           amount,
		Currency:         currency,
		Status:           PaymentStatusPending,
		ProviderOrderID:  orderID,
		ProviderMetadata: md,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Transition applies to if the edge is legal and stamps the matching timestamp.
// It returns false, leaving the intent untouched, for any other pair.
func (p *PaymentIntent) Transition(to PaymentStatus, now time.Time) bool {
	if !CanTransition(p.Status, to) {
		return false
	}
	switch to {
	case PaymentStatusSucceeded, PaymentStatusFailed:
		if p.ProcessedAt == nil {
			t := now
			p.ProcessedAt = &t
		}
	case PaymentStatusRefunded:
		if p.RefundedAt == nil {
			t := now
			p.RefundedAt = &t
		}
	}
	p.Status = to
	p.UpdatedAt = now
	return true
}

// MergeMetadata adds keys not yet present and appends the whole payload to the
// events history. Existing keys are never overwritten.
func (p *PaymentIntent) MergeMetadata(source string, md map[string]any, now time.Time) {
	if p.ProviderMetadata == nil {
		p.ProviderMetadata = map[string]any{}
	}
	for k, v := range md {
		if k == "events" {
			continue
		}
		if _, ok := p.ProviderMetadata[k]; !ok {
			p.ProviderMetadata[k] = v
		}
	}
	var events []any
	if existing, ok := p.ProviderMetadata["events"].([]any); ok {
		events = existing
	}
	events = append(events, map[string]any{
		"source":      source,
		"received_at": now.UTC().Format(time.RFC3339Nano),
		"payload":     md,
	})
	p.ProviderMetadata["events"] = events
}

// BindOwner sets the owner exactly once. Re-binding the same user is a no-op.
func (p *PaymentIntent) BindOwner(userID string) error {
	if userID == "" {
		return domain.ErrInvalidArgument
	}
	if p.OwnerUserID != nil {
		if *p.OwnerUserID == userID {
			return nil
		}
		return domain.ErrOwnerAlreadyBound
	}
	p.OwnerUserID = &userID
	return nil
}

// Buyer returns the checkout identity captured at creation time.
func (p *PaymentIntent) Buyer() (BuyerInfo, bool) {
	raw, ok := p.ProviderMetadata["buyer"].(map[string]any)
	if !ok {
		return BuyerInfo{}, false
	}
	str := func(k string) string {
		s, _ := raw[k].(string)
		return s
	}
	b := BuyerInfo{Name: str("name"), Email: str("email"), Phone: str("phone"), TaxID: str("tax_id")}
	return b, b.Email != ""
}

func (p *PaymentIntent) HasOwner() bool { return p.OwnerUserID != nil && *p.OwnerUserID != "" }
