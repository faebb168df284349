// File: internal/usecase/payment_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"course-payments/internal/config"
	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/adapter"
	"course-payments/internal/domain/ports/repository"
	"course-payments/internal/infra/logging"
	"course-payments/internal/infra/metrics"
	red "course-payments/internal/infra/redis"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Compile-time check
var _ PaymentUseCase = (*paymentUC)(nil)

type CreateIntentInput struct {
	Buyer       model.BuyerInfo
	OwnerUserID string // set when the buyer is logged in
}

type PaymentUseCase interface {
	// CreateIntent mints a provider order for the course and records it as pending.
	CreateIntent(ctx context.Context, in CreateIntentInput) (*model.PaymentIntent, error)
	Get(ctx context.Context, paymentID string) (*model.PaymentIntent, error)
	// Refund returns money for a succeeded payment and revokes course access.
	// A nil amount refunds in full.
	Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (*model.PaymentIntent, error)
}

type paymentUC struct {
	tm           repository.TransactionManager
	users        repository.UserRepository
	ledger       LedgerUseCase
	entitlements EntitlementUseCase
	gateway      adapter.PaymentGateway
	locker       adapter.Locker // optional
	lockTTL      time.Duration
	product      config.ProductConfig
	log          *zerolog.Logger
}

// NewPaymentUseCase wires the checkout and refund flows. locker may be nil in
// dev mode; refunds then run without the per-order lock.
func NewPaymentUseCase(
	tm repository.TransactionManager,
	users repository.UserRepository,
	ledger LedgerUseCase,
	entitlements EntitlementUseCase,
	gateway adapter.PaymentGateway,
	locker adapter.Locker,
	lockTTL time.Duration,
	product config.ProductConfig,
	logger *zerolog.Logger,
) *paymentUC {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &paymentUC{
		tm:           tm,
		users:        users,
		ledger:       ledger,
		entitlements: entitlements,
		gateway:      gateway,
		locker:       locker,
		lockTTL:      lockTTL,
		product:      product,
		log:          logger,
	}
}

func (u *paymentUC) CreateIntent(ctx context.Context, in CreateIntentInput) (*model.PaymentIntent, error) {
	defer logging.TraceDuration(u.log, "PaymentUC.CreateIntent")()

	buyer := in.Buyer
	if in.OwnerUserID != "" {
		owner, err := u.users.FindByID(ctx, repository.NoTX, in.OwnerUserID)
		if err != nil {
			return nil, err
		}
		if buyer.Email == "" {
			buyer.Email = owner.Email
		}
		if buyer.Name == "" {
			buyer.Name = owner.Name
		}
	}
	buyer.Email = model.NormalizeEmail(buyer.Email)
	if buyer.Email == "" {
		return nil, fmt.Errorf("%w: buyer email is required", domain.ErrInvalidArgument)
	}
	// The account is created from this address after payment; reject it now
	// rather than after the buyer has paid.
	if !model.ValidEmail(buyer.Email) {
		return nil, fmt.Errorf("%w: buyer email %q is not valid", domain.ErrInvalidArgument, buyer.Email)
	}
	if !u.product.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: product price is not configured", domain.ErrInvalidArgument)
	}

	link, err := u.gateway.CreatePaymentLink(ctx, buyer, u.product.Amount, u.product.Currency)
	if err != nil {
		return nil, err
	}

	p, err := u.ledger.Create(ctx, NewIntent{
		OwnerUserID: in.OwnerUserID,
		Amount:      u.product.Amount,
		Currency:    u.product.Currency,
		OrderID:     link.OrderID,
		PaymentURL:  link.PaymentURL,
		Buyer:       buyer,
		Request:     link.Request,
	})
	if err != nil {
		// The provider already has this order; nothing on our side references it.
		u.log.Error().Err(err).Str("order_id", link.OrderID).Str("gateway", u.gateway.Name()).
			Msg("payment link minted but intent not recorded")
		return nil, err
	}
	return p, nil
}

func (u *paymentUC) Get(ctx context.Context, paymentID string) (*model.PaymentIntent, error) {
	return u.ledger.Get(ctx, paymentID)
}

func (u *paymentUC) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (*model.PaymentIntent, error) {
	defer logging.TraceDuration(u.log, "PaymentUC.Refund")()

	ctx = logging.WithPaymentID(ctx, paymentID)
	log := logging.With(ctx, u.log)

	p, err := u.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if u.locker != nil {
		key := red.RefundLockKey(p.ProviderOrderID)
		token, err := u.locker.TryLock(ctx, key, u.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockNotAcquired) {
				return nil, fmt.Errorf("%w: a refund for this payment is already in progress", domain.ErrIllegalTransition)
			}
			// Money moves on this path, so no lock means no refund.
			return nil, fmt.Errorf("acquire refund lock: %w", err)
		}
		defer func() {
			if err := u.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
				log.Warn().Err(err).Msg("release refund lock")
			}
		}()
		// Re-read under the lock: a refund that just finished shows up here.
		if p, err = u.ledger.Get(ctx, paymentID); err != nil {
			return nil, err
		}
	}
	switch p.Status {
	case model.PaymentStatusRefunded:
		return p, nil
	case model.PaymentStatusSucceeded:
	default:
		return nil, fmt.Errorf("%w: cannot refund a %s payment", domain.ErrIllegalTransition, p.Status)
	}
	if amount != nil && (!amount.IsPositive() || amount.GreaterThan(p.Amount)) {
		return nil, fmt.Errorf("%w: refund amount %s outside (0, %s]", domain.ErrInvalidArgument,
			amount.StringFixed(2), p.Amount.StringFixed(2))
	}

	rr, err := u.gateway.Refund(ctx, p.ProviderOrderID, amount)
	if err != nil {
		log.Error().Err(err).Msg("provider refund failed")
		return nil, err
	}
	refunded := rr.RefundAmount
	if refunded.IsZero() {
		refunded = p.Amount
		if amount != nil {
			refunded = *amount
		}
	}
	md := map[string]any{
		"refund_id":     rr.ID,
		"refund_status": rr.Status,
		"refund_amount": refunded.StringFixed(2),
	}

	var (
		res     ApplyResult
		revoked bool
	)
	err = withConflictRetry(ctx, u.tm, func(ctx context.Context, tx repository.Tx) error {
		revoked = false
		var err error
		res, err = u.ledger.MarkRefunded(ctx, tx, p.ProviderOrderID, &refunded, md)
		if err != nil {
			return err
		}
		if !res.Transitioned || !res.Intent.HasOwner() {
			return nil
		}
		revoked, err = u.entitlements.Revoke(ctx, tx, *res.Intent.OwnerUserID)
		return err
	})
	if err != nil {
		// Money has moved at the provider; the webhook for the refund will retry the ledger side.
		log.Error().Err(err).Str("refund_id", rr.ID).Msg("refund accepted by provider but not recorded")
		return nil, err
	}
	recordApplied(res)
	if revoked {
		metrics.IncEntitlementChange("revoke")
	}
	log.Info().Str("refund_amount", refunded.StringFixed(2)).Bool("revoked", revoked).Msg("payment refunded")
	return res.Intent, nil
}
