// File: internal/infra/adapters/payment/provider_gateway.go
package payment

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/adapter"
	"course-payments/internal/infra/metrics"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var _ adapter.PaymentGateway = (*ProviderGateway)(nil)

// GatewayConfig carries the merchant credentials and redirect targets sent with
// every payment link.
type GatewayConfig struct {
	BaseURL         string
	Login           string
	SecretKey       string
	Lang            string
	NotificationURL string
	SuccessURL      string
	BacklinkURL     string
	ProductName     string
	ProductSKU      string
	LinkTTL         time.Duration
	Timeout         time.Duration
	StatusRetries   int
}

// ProviderGateway implements adapter.PaymentGateway over the provider's signed JSON API.
type ProviderGateway struct {
	cfg    GatewayConfig
	signer *Signer
	client *http.Client
	ids    *orderIDSource
	log    *zerolog.Logger
	now    func() time.Time
}

func NewProviderGateway(cfg GatewayConfig, logger *zerolog.Logger) (*ProviderGateway, error) {
	if cfg.Login == "" || cfg.SecretKey == "" {
		return nil, errors.New("provider login and secret key are required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid provider base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 24 * time.Hour
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if cfg.StatusRetries < 0 {
		cfg.StatusRetries = 0
	}
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &ProviderGateway{
		cfg:    cfg,
		signer: NewSigner(cfg.SecretKey),
		client: &http.Client{Timeout: cfg.Timeout},
		ids:    newOrderIDSource(),
		log:    logger,
		now:    time.Now,
	}, nil
}

func (g *ProviderGateway) Name() string { return "provider" }

func (g *ProviderGateway) endpoint(path string) string {
	return strings.TrimRight(g.cfg.BaseURL, "/") + path
}

// providerResponse is the union of the fields the provider returns across calls.
type providerResponse struct {
	Status        string     `json:"status"` // ok | error
	Message       string     `json:"message"`
	OrderID       string     `json:"order_id"`
	PaymentURL    string     `json:"payment_url"`
	PaymentStatus flexString `json:"payment_status"`
	RefundID      string     `json:"refund_id"`
	RefundStatus  string     `json:"refund_status"`
	Amount        flexString `json:"amount"`
	RefundedAt    string     `json:"refunded_at"`
}

func (r providerResponse) ok() bool { return strings.EqualFold(r.Status, "ok") }

// flexString accepts both "1" and 1 on the wire.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(b)
	return nil
}

// CreatePaymentLink mints a fresh order id and asks the provider for a payment page.
// Each call creates a new provider order: never retry it blindly.
func (g *ProviderGateway) CreatePaymentLink(ctx context.Context, buyer model.BuyerInfo, amount decimal.Decimal, currency string) (adapter.PaymentLink, error) {
	now := g.now()
	orderID, err := g.ids.Next(now)
	if err != nil {
		return adapter.PaymentLink{}, fmt.Errorf("mint order id: %w", err)
	}
	params := map[string]any{
		"login":    g.cfg.Login,
		"order_id": orderID,
		"items": []map[string]any{{
			"name":     g.cfg.ProductName,
			"sku":      g.cfg.ProductSKU,
			"price":    amount.StringFixed(2),
			"quantity": 1,
		}},
		"currency":         strings.ToUpper(currency),
		"lang":             g.cfg.Lang,
		"notification_url": g.cfg.NotificationURL,
		"success_url":      g.cfg.SuccessURL,
		"backlink_url":     g.cfg.BacklinkURL,
		"client_name":      buyer.Name,
		"client_email":     buyer.Email,
		"client_phone":     buyer.Phone,
		"client_tax_id":    buyer.TaxID,
		"expire":           now.Add(g.cfg.LinkTTL).Unix(),
	}
	params["sign"] = g.signer.Sign(params)

	var out providerResponse
	if err := g.post(ctx, "/payment/create", params, &out); err != nil {
		return adapter.PaymentLink{}, err
	}
	if !out.ok() {
		return adapter.PaymentLink{}, fmt.Errorf("%w: create: %s", domain.ErrProviderRejected, out.Message)
	}
	if out.PaymentURL == "" {
		return adapter.PaymentLink{}, fmt.Errorf("%w: create: missing payment_url", domain.ErrProviderRejected)
	}
	if out.OrderID != "" && out.OrderID != orderID {
		return adapter.PaymentLink{}, fmt.Errorf("%w: create: order id echo %q != %q", domain.ErrProviderRejected, out.OrderID, orderID)
	}
	return adapter.PaymentLink{OrderID: orderID, PaymentURL: out.PaymentURL, Request: params}, nil
}

// CheckStatus is read-only and retried on transport failures.
func (g *ProviderGateway) CheckStatus(ctx context.Context, orderID string) (model.ProviderStatus, error) {
	params := map[string]any{"login": g.cfg.Login, "order_id": orderID}
	params["sign"] = g.signer.Sign(params)

	var (
		out providerResponse
		err error
	)
	for attempt := 0; attempt <= g.cfg.StatusRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		out = providerResponse{}
		err = g.post(ctx, "/payment/status", params, &out)
		if err == nil || !errors.Is(err, domain.ErrProviderUnavailable) {
			break
		}
	}
	if err != nil {
		return "", err
	}
	if !out.ok() {
		return "", fmt.Errorf("%w: status: %s", domain.ErrProviderRejected, out.Message)
	}
	st, known := model.ParseProviderStatusCode(string(out.PaymentStatus))
	if !known {
		g.log.Warn().Str("order_id", orderID).Str("code", string(out.PaymentStatus)).Msg("provider returned unrecognized status code; treating as pending")
	}
	return st, nil
}

func (g *ProviderGateway) Refund(ctx context.Context, orderID string, amount *decimal.Decimal) (adapter.RefundResult, error) {
	params := map[string]any{"login": g.cfg.Login, "order_id": orderID}
	if amount != nil {
		params["amount"] = amount.StringFixed(2)
	}
	params["sign"] = g.signer.Sign(params)

	var out providerResponse
	if err := g.post(ctx, "/payment/refund", params, &out); err != nil {
		return adapter.RefundResult{}, err
	}
	if !out.ok() {
		return adapter.RefundResult{}, fmt.Errorf("%w: refund: %s", domain.ErrProviderRejected, out.Message)
	}
	res := adapter.RefundResult{
		ID:     out.RefundID,
		Status: out.RefundStatus,
		Raw: map[string]any{
			"refund_id":     out.RefundID,
			"refund_status": out.RefundStatus,
			"amount":        string(out.Amount),
			"refunded_at":   out.RefundedAt,
		},
	}
	if out.Amount != "" {
		if d, err := decimal.NewFromString(string(out.Amount)); err == nil {
			res.RefundAmount = d
		}
	} else if amount != nil {
		res.RefundAmount = *amount
	}
	if t, err := time.Parse(time.RFC3339, out.RefundedAt); err == nil {
		res.RefundTime = t
	} else {
		res.RefundTime = g.now()
	}
	return res, nil
}

// post sends params as JSON and decodes the reply into out. Transport errors,
// 429 and 5xx map to ErrProviderUnavailable; any other non-2xx or an undecodable
// body maps to ErrProviderRejected. A signed reply must verify.
func (g *ProviderGateway) post(ctx context.Context, path string, params map[string]any, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveProviderCall(strings.TrimPrefix(path, "/payment/"), time.Since(start).Seconds(), err)
	}()

	b, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(path), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrProviderUnavailable, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", domain.ErrProviderUnavailable, path, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: http %d", domain.ErrProviderUnavailable, path, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: http %d: %s", domain.ErrProviderRejected, path, resp.StatusCode, truncate(body, 256))
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %s: malformed body: %v", domain.ErrProviderRejected, path, err)
	}
	if sig, ok := raw["sign"].(string); ok && sig != "" {
		if !g.signer.Verify(raw, sig) {
			return fmt.Errorf("%w: %s: response signature", domain.ErrSignatureMismatch, path)
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: unexpected body: %v", domain.ErrProviderRejected, path, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// orderIDSource mints ULIDs: millisecond timestamp plus 80 bits of crypto
// entropy, monotonic within the same millisecond.
type orderIDSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newOrderIDSource() *orderIDSource {
	return &orderIDSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *orderIDSource) Next(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
