package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/adapter"
	"course-payments/internal/domain/ports/repository"
	"course-payments/internal/infra/logging"
	"course-payments/internal/infra/metrics"
	red "course-payments/internal/infra/redis"
	"course-payments/internal/infra/security"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Compile-time check
var _ ReconcileUseCase = (*reconcileUC)(nil)

// WebhookEvent is an inbound provider notification after transport decoding.
// Fields holds every received field except the shared secret.
type WebhookEvent struct {
	Secret    string
	Fields    map[string]any
	RemoteIP  string
	UserAgent string
}

// WebhookOutcome is what the webhook endpoint reports back to the provider.
type WebhookOutcome struct {
	PaymentID    string
	Status       model.PaymentStatus
	Transitioned bool
	UserID       string
	UserCreated  bool
	Token        string
	Redirect     string
}

// ConfirmResult is the best-known state of a payment for a polling client.
// Stale is set when the provider could not be reached.
type ConfirmResult struct {
	PaymentID    string
	Status       model.PaymentStatus
	CourseAccess bool
	Stale        bool
}

// ReconcileUseCase drives provider outcomes (pushed by webhook or pulled by
// confirm) into the ledger and the entitlement exactly once in effect.
type ReconcileUseCase interface {
	HandleWebhook(ctx context.Context, ev WebhookEvent) (*WebhookOutcome, error)
	Confirm(ctx context.Context, paymentID string) (*ConfirmResult, error)
}

type ReconcileOptions struct {
	WebhookSecret string
	SuccessURL    string
	LockTTL       time.Duration
}

type reconcileUC struct {
	tm           repository.TransactionManager
	payments     repository.PaymentRepository
	ledger       LedgerUseCase
	entitlements EntitlementUseCase
	gateway      adapter.PaymentGateway
	locker       adapter.Locker // optional
	sessions     adapter.SessionIssuer
	opts         ReconcileOptions
	log          *zerolog.Logger
}

func NewReconcileUseCase(
	tm repository.TransactionManager,
	payments repository.PaymentRepository,
	ledger LedgerUseCase,
	entitlements EntitlementUseCase,
	gateway adapter.PaymentGateway,
	locker adapter.Locker,
	sessions adapter.SessionIssuer,
	opts ReconcileOptions,
	logger *zerolog.Logger,
) *reconcileUC {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	return &reconcileUC{
		tm:           tm,
		payments:     payments,
		ledger:       ledger,
		entitlements: entitlements,
		gateway:      gateway,
		locker:       locker,
		sessions:     sessions,
		opts:         opts,
		log:          logger,
	}
}

// settlement is the result of one settle transaction.
type settlement struct {
	applied     ApplyResult
	userID      string
	userCreated bool
	granted     bool
	revoked     bool
}

func (r *reconcileUC) HandleWebhook(ctx context.Context, ev WebhookEvent) (*WebhookOutcome, error) {
	defer logging.TraceDuration(r.log, "ReconcileUC.HandleWebhook")()

	if !security.EqualSecret(r.opts.WebhookSecret, ev.Secret) {
		r.log.Warn().Str("remote_ip", ev.RemoteIP).Str("user_agent", ev.UserAgent).Msg("webhook rejected: bad shared secret")
		return nil, domain.ErrSignatureMismatch
	}

	orderID := fieldString(ev.Fields, "order_id")
	if orderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", domain.ErrInvalidArgument)
	}
	ctx = logging.WithOrderID(ctx, orderID)
	log := logging.With(ctx, r.log)

	code := fieldString(ev.Fields, "status")
	observed, known := model.ParseProviderStatusCode(code)
	if !known {
		metrics.IncUnrecognizedStatus("webhook")
		log.Warn().Str("status_code", code).Msg("unrecognized provider status code, treating as pending")
	}

	var amount *decimal.Decimal
	if raw := fieldString(ev.Fields, "amount"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q", domain.ErrInvalidArgument, raw)
		}
		amount = &d
	}

	s, err := r.settle(ctx, ProviderEvent{
		OrderID:  orderID,
		Observed: observed.PaymentStatus(),
		Source:   "webhook",
		Amount:   amount,
		Metadata: ev.Fields,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPaymentNotFound):
			log.Warn().Msg("webhook for unknown order")
		case domain.IsRetryable(err):
			log.Error().Err(err).Msg("webhook processing failed, provider should retry")
		default:
			log.Error().Err(err).Str("status_code", code).Msg("webhook processing failed")
		}
		return nil, err
	}

	p := s.applied.Intent
	out := &WebhookOutcome{
		PaymentID:    p.ID,
		Status:       p.Status,
		Transitioned: s.applied.Transitioned,
		UserID:       s.userID,
		UserCreated:  s.userCreated,
	}
	if s.applied.Transitioned && p.Status == model.PaymentStatusSucceeded && s.userID != "" {
		tok, err := r.sessions.IssueToken(ctx, s.userID)
		if err != nil {
			// The payment is already committed; the buyer can still log in normally.
			log.Error().Err(err).Str("user_id", s.userID).Msg("issue session token")
		} else {
			out.Token = tok
			out.Redirect = r.opts.SuccessURL
		}
	}
	log.Info().Str("payment_id", p.ID).Str("status", string(p.Status)).
		Bool("transitioned", s.applied.Transitioned).Msg("webhook handled")
	return out, nil
}

func (r *reconcileUC) Confirm(ctx context.Context, paymentID string) (*ConfirmResult, error) {
	defer logging.TraceDuration(r.log, "ReconcileUC.Confirm")()

	ctx = logging.WithPaymentID(ctx, paymentID)
	log := logging.With(ctx, r.log)

	p, err := r.payments.FindByID(ctx, repository.NoTX, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentStatusPending {
		metrics.IncConfirm("settled")
		return r.result(ctx, p, false), nil
	}

	if r.locker != nil {
		key := red.ConfirmLockKey(p.ProviderOrderID)
		token, err := r.locker.TryLock(ctx, key, r.opts.LockTTL)
		switch {
		case err == nil:
			defer func() {
				if err := r.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
					log.Warn().Err(err).Msg("release confirm lock")
				}
			}()
		case errors.Is(err, domain.ErrLockNotAcquired):
			// Another poll is already asking the provider about this order.
			metrics.IncConfirm("coalesced")
			return r.reload(ctx, p, false), nil
		default:
			// The row lock still serializes the write; only the dedup is lost.
			log.Warn().Err(err).Msg("confirm lock unavailable, continuing without it")
		}
	}

	status, err := r.gateway.CheckStatus(ctx, p.ProviderOrderID)
	if err != nil {
		metrics.IncConfirm("stale")
		log.Warn().Err(err).Msg("provider status check failed, returning best-known state")
		return r.result(ctx, p, true), nil
	}
	if status == model.ProviderStatusPending {
		metrics.IncConfirm("pending")
		return r.result(ctx, p, false), nil
	}

	s, err := r.settle(ctx, ProviderEvent{
		OrderID:  p.ProviderOrderID,
		Observed: status.PaymentStatus(),
		Source:   "confirm",
		Metadata: map[string]any{"provider_status": string(status)},
	})
	if err != nil {
		log.Error().Err(err).Msg("confirm settle failed")
		return nil, err
	}
	metrics.IncConfirm("applied")
	return r.result(ctx, s.applied.Intent, false), nil
}

// settle applies ev and, on the first observed success or refund, moves the
// entitlement in the same transaction. A lost version race is retried once; the
// retry sees the winner's state and does nothing further.
func (r *reconcileUC) settle(ctx context.Context, ev ProviderEvent) (settlement, error) {
	var s settlement
	err := withConflictRetry(ctx, r.tm, func(ctx context.Context, tx repository.Tx) error {
		s = settlement{}
		res, err := r.ledger.ApplyProviderEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		s.applied = res
		if !res.Transitioned {
			return nil
		}

		p := res.Intent
		switch p.Status {
		case model.PaymentStatusSucceeded:
			return r.grantOwner(ctx, tx, p, &s)
		case model.PaymentStatusRefunded:
			if !p.HasOwner() {
				return nil
			}
			s.userID = *p.OwnerUserID
			s.revoked, err = r.entitlements.Revoke(ctx, tx, s.userID)
			return err
		}
		return nil
	})
	if err != nil {
		return settlement{}, err
	}

	recordApplied(s.applied)
	if s.granted {
		metrics.IncEntitlementChange("grant")
	}
	if s.revoked {
		metrics.IncEntitlementChange("revoke")
	}
	return s, nil
}

func (r *reconcileUC) grantOwner(ctx context.Context, tx repository.Tx, p *model.PaymentIntent, s *settlement) error {
	if p.HasOwner() {
		s.userID = *p.OwnerUserID
	} else {
		buyer, ok := p.Buyer()
		if !ok {
			return fmt.Errorf("%w: anonymous payment has no buyer email", domain.ErrInvalidArgument)
		}
		u, created, err := r.entitlements.ResolveOrCreateUser(ctx, tx, buyer)
		if err != nil {
			return err
		}
		if err := p.BindOwner(u.ID); err != nil {
			return err
		}
		if err := r.payments.Update(ctx, tx, p, p.Version); err != nil {
			return err
		}
		s.userID = u.ID
		s.userCreated = created
	}
	granted, err := r.entitlements.Grant(ctx, tx, s.userID)
	if err != nil {
		return err
	}
	s.granted = granted
	return nil
}

func (r *reconcileUC) reload(ctx context.Context, fallback *model.PaymentIntent, stale bool) *ConfirmResult {
	p, err := r.payments.FindByID(ctx, repository.NoTX, fallback.ID)
	if err != nil {
		p = fallback
	}
	return r.result(ctx, p, stale)
}

func (r *reconcileUC) result(ctx context.Context, p *model.PaymentIntent, stale bool) *ConfirmResult {
	res := &ConfirmResult{PaymentID: p.ID, Status: p.Status, Stale: stale}
	if p.HasOwner() {
		access, err := r.entitlements.HasAccess(ctx, repository.NoTX, *p.OwnerUserID)
		if err != nil {
			logging.With(ctx, r.log).Warn().Err(err).Msg("read course access")
		}
		res.CourseAccess = access
	}
	return res
}

// fieldString reads a top-level webhook field as trimmed text. Form posts give
// strings; JSON bodies may carry numbers.
func fieldString(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
