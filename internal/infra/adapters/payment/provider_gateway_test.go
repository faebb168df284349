//go:build !integration

package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"

	"github.com/shopspring/decimal"
)

const testSecret = "gateway-secret"

func newTestGateway(t *testing.T, h http.HandlerFunc) *ProviderGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g, err := NewProviderGateway(GatewayConfig{
		BaseURL:         srv.URL,
		Login:           "demo-shop",
		SecretKey:       testSecret,
		NotificationURL: "https://shop.test/api/v1/payments/webhook",
		SuccessURL:      "https://shop.test/thanks",
		BacklinkURL:     "https://shop.test/course",
		ProductName:     "Course",
		Timeout:         2 * time.Second,
		StatusRetries:   2,
	}, nil)
	if err != nil {
		t.Fatalf("NewProviderGateway: %v", err)
	}
	return g
}

func decodeRequest(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return m
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewProviderGateway_Validation(t *testing.T) {
	if _, err := NewProviderGateway(GatewayConfig{BaseURL: "https://x.test"}, nil); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewProviderGateway(GatewayConfig{BaseURL: "::bad", Login: "l", SecretKey: "s"}, nil); err == nil {
		t.Error("expected error for invalid base url")
	}
}

func TestProviderGateway_CreatePaymentLink(t *testing.T) {
	ctx := context.Background()
	buyer := model.BuyerInfo{Name: "Buyer", Email: "buyer@example.com"}

	t.Run("signed request and successful response", func(t *testing.T) {
		var seen map[string]any
		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/payment/create" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			seen = decodeRequest(t, r)
			writeJSON(w, http.StatusOK, map[string]any{
				"status":      "ok",
				"order_id":    seen["order_id"],
				"payment_url": "https://pay.test/p/1",
			})
		})

		link, err := g.CreatePaymentLink(ctx, buyer, decimal.RequireFromString("297"), "usd")
		if err != nil {
			t.Fatalf("CreatePaymentLink: %v", err)
		}
		if link.PaymentURL != "https://pay.test/p/1" || link.OrderID == "" {
			t.Fatalf("unexpected link %+v", link)
		}
		if seen["order_id"] != link.OrderID {
			t.Errorf("order id mismatch: sent %v, returned %s", seen["order_id"], link.OrderID)
		}
		sig, _ := seen["sign"].(string)
		if !NewSigner(testSecret).Verify(seen, sig) {
			t.Error("outbound request signature does not verify")
		}
		if seen["currency"] != "USD" || seen["client_email"] != "buyer@example.com" {
			t.Errorf("unexpected request fields: %v", seen)
		}
		items, _ := seen["items"].([]any)
		if len(items) != 1 || items[0].(map[string]any)["price"] != "297.00" {
			t.Errorf("unexpected items: %v", seen["items"])
		}
		if _, ok := link.Request["sign"]; !ok {
			t.Error("request echo should include the signature")
		}
	})

	t.Run("order ids never collide", func(t *testing.T) {
		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "payment_url": "https://pay.test"})
		})
		seen := map[string]bool{}
		for i := 0; i < 50; i++ {
			link, err := g.CreatePaymentLink(ctx, buyer, decimal.NewFromInt(1), "USD")
			if err != nil {
				t.Fatal(err)
			}
			if seen[link.OrderID] {
				t.Fatalf("duplicate order id %s", link.OrderID)
			}
			seen[link.OrderID] = true
		}
	})

	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"provider error status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "error", "message": "bad login"})
		}, domain.ErrProviderRejected},
		{"missing payment url", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		}, domain.ErrProviderRejected},
		{"http 400", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error"})
		}, domain.ErrProviderRejected},
		{"http 503", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, domain.ErrProviderUnavailable},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}, domain.ErrProviderRejected},
		{"bad response signature", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "payment_url": "https://pay.test", "sign": "deadbeef"})
		}, domain.ErrSignatureMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGateway(t, tc.handler)
			_, err := g.CreatePaymentLink(ctx, buyer, decimal.NewFromInt(1), "USD")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	t.Run("transport failure is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		g, _ := NewProviderGateway(GatewayConfig{BaseURL: srv.URL, Login: "l", SecretKey: "s", Timeout: time.Second}, nil)
		_, err := g.CreatePaymentLink(ctx, buyer, decimal.NewFromInt(1), "USD")
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			t.Fatalf("expected ErrProviderUnavailable, got %v", err)
		}
	})
}

func TestProviderGateway_CheckStatus(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		code any
		want model.ProviderStatus
	}{
		{"1", model.ProviderStatusPaid},
		{1, model.ProviderStatusPaid},
		{"0", model.ProviderStatusFailed},
		{"3", model.ProviderStatusRefunded},
		{"2", model.ProviderStatusPending},
		{"weird", model.ProviderStatusPending},
	}
	for _, tc := range cases {
		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			req := decodeRequest(t, r)
			if !NewSigner(testSecret).Verify(req, req["sign"].(string)) {
				t.Error("status request signature does not verify")
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "order_id": req["order_id"], "payment_status": tc.code})
		})
		got, err := g.CheckStatus(ctx, "ORD-1")
		if err != nil {
			t.Fatalf("code %v: %v", tc.code, err)
		}
		if got != tc.want {
			t.Errorf("code %v: got %s want %s", tc.code, got, tc.want)
		}
	}

	t.Run("signed response verifies", func(t *testing.T) {
		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			resp := map[string]any{"status": "ok", "order_id": "ORD-1", "payment_status": "1"}
			resp["sign"] = NewSigner(testSecret).Sign(resp)
			writeJSON(w, http.StatusOK, resp)
		})
		got, err := g.CheckStatus(ctx, "ORD-1")
		if err != nil || got != model.ProviderStatusPaid {
			t.Fatalf("got (%s, %v)", got, err)
		}
	})

	t.Run("retries transient failures", func(t *testing.T) {
		var calls int32
		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "payment_status": "0"})
		})
		got, err := g.CheckStatus(ctx, "ORD-1")
		if err != nil || got != model.ProviderStatusFailed {
			t.Fatalf("got (%s, %v)", got, err)
		}
		if atomic.LoadInt32(&calls) != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("persistent failure stays distinct from pending", func(t *testing.T) {
		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		got, err := g.CheckStatus(ctx, "ORD-1")
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			t.Fatalf("expected ErrProviderUnavailable, got (%s, %v)", got, err)
		}
	})
}

func TestProviderGateway_Refund(t *testing.T) {
	ctx := context.Background()

	t.Run("partial refund", func(t *testing.T) {
		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			req := decodeRequest(t, r)
			if req["amount"] != "10.50" {
				t.Errorf("unexpected amount %v", req["amount"])
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"status": "ok", "refund_id": "rf-1", "refund_status": "done",
				"amount": "10.50", "refunded_at": "2026-01-02T03:04:05Z",
			})
		})
		amt := decimal.RequireFromString("10.5")
		res, err := g.Refund(ctx, "ORD-1", &amt)
		if err != nil {
			t.Fatalf("Refund: %v", err)
		}
		if res.ID != "rf-1" || !res.RefundAmount.Equal(amt) {
			t.Errorf("unexpected result %+v", res)
		}
		if res.RefundTime.Year() != 2026 {
			t.Errorf("unexpected refund time %v", res.RefundTime)
		}
	})

	t.Run("declined", func(t *testing.T) {
		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			req := decodeRequest(t, r)
			if _, ok := req["amount"]; ok {
				t.Error("full refund must not send amount")
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "error", "message": "not refundable"})
		})
		_, err := g.Refund(ctx, "ORD-1", nil)
		if !errors.Is(err, domain.ErrProviderRejected) {
			t.Fatalf("expected ErrProviderRejected, got %v", err)
		}
	})
}

func TestNoopPaymentGateway(t *testing.T) {
	ctx := context.Background()
	g := NewNoopPaymentGateway("")
	link, err := g.CreatePaymentLink(ctx, model.BuyerInfo{Email: "a@b.c"}, decimal.NewFromInt(5), "USD")
	if err != nil {
		t.Fatal(err)
	}
	if st, _ := g.CheckStatus(ctx, link.OrderID); st != model.ProviderStatusPaid {
		t.Errorf("expected paid, got %s", st)
	}
	if _, err := g.Refund(ctx, link.OrderID, nil); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if _, err := g.Refund(ctx, link.OrderID, nil); !errors.Is(err, domain.ErrProviderRejected) {
		t.Errorf("second refund should be rejected, got %v", err)
	}
}
