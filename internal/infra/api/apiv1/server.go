package apiv1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/adapter"
	"course-payments/internal/infra/logging"
	"course-payments/internal/infra/metrics"
	"course-payments/internal/infra/redis"
	"course-payments/internal/infra/security"
	"course-payments/internal/usecase"
)

const (
	webhookSecretHeader = "X-Webhook-Secret"
	webhookSecretField  = "secret"
	maxBodyBytes        = 64 << 10
)

// RateLimiter is satisfied by redis.RateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Deps struct {
	Payments  usecase.PaymentUseCase
	Reconcile usecase.ReconcileUseCase
	Sessions  adapter.SessionIssuer // optional; enables owner binding for logged-in buyers
	Limiter   RateLimiter           // optional
	// ConfirmLimit polls per ConfirmWindow per payment; <= 0 disables limiting.
	ConfirmLimit  int
	ConfirmWindow time.Duration
	AdminAPIKey   string
	Logger        *zerolog.Logger
}

type Server struct {
	d   Deps
	log *zerolog.Logger
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		l := zerolog.Nop()
		d.Logger = &l
	}
	return &Server{d: d, log: d.Logger}
}

// RegisterAPIV1 mounts the payment endpoints on r at absolute /api/v1 paths.
func RegisterAPIV1(r chi.Router, s *Server) {
	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Post("/", s.createPayment)
		r.Post("/webhook", s.webhook)
		r.Get("/{id}/confirm", s.confirm)
		r.With(s.adminOnly).Post("/{id}/refund", s.refund)
	})
}

// ---- DTOs ----

type CreatePaymentRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	TaxID string `json:"tax_id"`
}

type Payment struct {
	ID         string `json:"payment_id"`
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	PaymentURL string `json:"payment_url,omitempty"`
	Refunded   string `json:"refund_amount,omitempty"`
}

type WebhookResponse struct {
	Status    string `json:"status"`
	PaymentID string `json:"payment_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Redirect  string `json:"redirect,omitempty"`
}

type ConfirmResponse struct {
	PaymentID    string `json:"payment_id"`
	Status       string `json:"status"`
	CourseAccess bool   `json:"course_access"`
	Stale        bool   `json:"stale,omitempty"`
}

type RefundRequest struct {
	Amount string `json:"amount"`
}

type Error struct {
	Error string `json:"error"`
}

func toPayment(p *model.PaymentIntent) Payment {
	out := Payment{
		ID:         p.ID,
		OrderID:    p.ProviderOrderID,
		Status:     string(p.Status),
		Amount:     p.Amount.StringFixed(2),
		Currency:   p.Currency,
		PaymentURL: p.PaymentURL,
	}
	if p.RefundAmount != nil {
		out.Refunded = p.RefundAmount.StringFixed(2)
	}
	return out
}

// ---- handlers ----

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Error{Error: "invalid request body"})
		return
	}

	var ownerID string
	if tok := security.BearerToken(r); tok != "" {
		if s.d.Sessions == nil {
			writeJSON(w, http.StatusUnauthorized, Error{Error: "sessions are not enabled"})
			return
		}
		uid, err := s.d.Sessions.ParseToken(tok)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, Error{Error: "invalid session token"})
			return
		}
		ownerID = uid
	}

	p, err := s.d.Payments.CreateIntent(r.Context(), usecase.CreateIntentInput{
		Buyer:       model.BuyerInfo{Name: req.Name, Email: req.Email, Phone: req.Phone, TaxID: req.TaxID},
		OwnerUserID: ownerID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPayment(p))
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result, reason := "ok", ""
	defer func() {
		metrics.WebhookRequests.WithLabelValues(result, reason).Inc()
		metrics.WebhookDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	fields, err := decodeWebhook(w, r)
	if err != nil {
		result, reason = "fail", "bad_request"
		writeJSON(w, http.StatusBadRequest, Error{Error: "malformed webhook body"})
		return
	}
	secret := r.Header.Get(webhookSecretHeader)
	if v, ok := fields[webhookSecretField]; ok {
		if secret == "" {
			secret, _ = v.(string)
		}
		delete(fields, webhookSecretField)
	}

	out, err := s.d.Reconcile.HandleWebhook(r.Context(), usecase.WebhookEvent{
		Secret:    strings.TrimSpace(secret),
		Fields:    fields,
		RemoteIP:  remoteIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		result = "fail"
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, domain.ErrSignatureMismatch):
			reason, status = "bad_secret", http.StatusForbidden
		case errors.Is(err, domain.ErrPaymentNotFound):
			reason, status = "not_found", http.StatusNotFound
		case errors.Is(err, domain.ErrAmountMismatch):
			reason = "amount_mismatch"
		case domain.IsRetryable(err):
			reason, status = "unavailable", http.StatusServiceUnavailable
		case errors.Is(err, domain.ErrInvalidArgument):
			reason = "bad_request"
		default:
			reason = "unknown"
		}
		// The body stays generic; details are in the log.
		writeJSON(w, status, Error{Error: http.StatusText(status)})
		return
	}
	writeJSON(w, http.StatusOK, WebhookResponse{
		Status:    string(out.Status),
		PaymentID: out.PaymentID,
		UserID:    out.UserID,
		Token:     out.Token,
		Redirect:  out.Redirect,
	})
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := logging.WithPaymentID(r.Context(), id)

	if s.d.Limiter != nil && s.d.ConfirmLimit > 0 {
		ok, err := s.d.Limiter.Allow(ctx, redis.ConfirmRateKey(id), s.d.ConfirmLimit, s.d.ConfirmWindow)
		if err != nil {
			logging.With(ctx, s.log).Warn().Err(err).Msg("confirm rate limiter unavailable")
		} else if !ok {
			metrics.IncConfirm("rate_limited")
			w.Header().Set("Retry-After", "5")
			writeJSON(w, http.StatusTooManyRequests, Error{Error: "too many confirm requests"})
			return
		}
	}

	res, err := s.d.Reconcile.Confirm(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmResponse{
		PaymentID:    res.PaymentID,
		Status:       string(res.Status),
		CourseAccess: res.CourseAccess,
		Stale:        res.Stale,
	})
}

func (s *Server) refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, Error{Error: "invalid request body"})
			return
		}
	}
	var amount *decimal.Decimal
	if req.Amount != "" {
		d, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Error{Error: "invalid amount"})
			return
		}
		amount = &d
	}

	p, err := s.d.Payments.Refund(r.Context(), chi.URLParam(r, "id"), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayment(p))
}

// adminOnly accepts "Authorization: Bearer <admin api key>".
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.d.AdminAPIKey == "" {
			s.log.Error().Msg("admin API key is not configured")
			writeJSON(w, http.StatusForbidden, Error{Error: "forbidden"})
			return
		}
		tok := security.BearerToken(r)
		if tok == "" {
			writeJSON(w, http.StatusUnauthorized, Error{Error: "unauthorized"})
			return
		}
		if !security.EqualSecret(s.d.AdminAPIKey, tok) {
			writeJSON(w, http.StatusForbidden, Error{Error: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- helpers ----

// decodeWebhook accepts JSON objects and urlencoded/multipart forms. Form
// fields keep their first value.
func decodeWebhook(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		fields := map[string]any{}
		if err := dec.Decode(&fields); err != nil {
			return nil, err
		}
		return fields, nil
	}

	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, err
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, err
	}
	fields := make(map[string]any, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			fields[k] = vs[0]
		}
	}
	if len(fields) == 0 {
		return nil, errors.New("empty webhook")
	}
	return fields, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	l := logging.With(r.Context(), s.log)
	if status >= 500 {
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		l.Debug().Err(err).Str("path", r.URL.Path).Msg("request rejected")
	}
	msg := err.Error()
	if status >= 500 {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, Error{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, security.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPaymentNotFound), errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProviderRejected):
		return http.StatusBadGateway
	case domain.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
