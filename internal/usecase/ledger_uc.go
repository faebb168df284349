package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/repository"
	"course-payments/internal/infra/logging"
	"course-payments/internal/infra/metrics"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Compile-time check
var _ LedgerUseCase = (*ledgerUC)(nil)

// NewIntent is the input for recording a freshly minted provider order.
type NewIntent struct {
	OwnerUserID string // optional
	Amount      decimal.Decimal
	Currency    string
	OrderID     string
	PaymentURL  string
	Buyer       model.BuyerInfo
	Request     map[string]any
}

// ProviderEvent is one observation of an order's state, from a webhook or a status poll.
type ProviderEvent struct {
	OrderID  string
	Observed model.PaymentStatus
	Source   string           // "webhook", "confirm", "refund"
	Amount   *decimal.Decimal // reported amount, checked on success when set
	Metadata map[string]any
}

// ApplyResult describes what an event did to the stored intent.
type ApplyResult struct {
	Intent       *model.PaymentIntent
	Previous     model.PaymentStatus
	Transitioned bool
}

// LedgerUseCase owns the payment intent state machine. Methods taking a tx run
// inside the caller's transaction; a nil tx makes them open their own.
type LedgerUseCase interface {
	Create(ctx context.Context, in NewIntent) (*model.PaymentIntent, error)
	Get(ctx context.Context, paymentID string) (*model.PaymentIntent, error)
	ApplyProviderEvent(ctx context.Context, tx repository.Tx, ev ProviderEvent) (ApplyResult, error)
	MarkRefunded(ctx context.Context, tx repository.Tx, orderID string, amount *decimal.Decimal, md map[string]any) (ApplyResult, error)
}

type ledgerUC struct {
	payments repository.PaymentRepository
	tm       repository.TransactionManager
	log      *zerolog.Logger
	now      func() time.Time
}

func NewLedgerUseCase(payments repository.PaymentRepository, tm repository.TransactionManager, logger *zerolog.Logger) *ledgerUC {
	return &ledgerUC{
		payments: payments,
		tm:       tm,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *ledgerUC) Create(ctx context.Context, in NewIntent) (*model.PaymentIntent, error) {
	defer logging.TraceDuration(l.log, "LedgerUC.Create")()

	var owner *string
	if in.OwnerUserID != "" {
		owner = &in.OwnerUserID
	}
	p, err := model.NewPaymentIntent(owner, in.Amount, in.Currency, in.OrderID, in.Buyer, in.Request)
	if err != nil {
		return nil, err
	}
	p.PaymentURL = in.PaymentURL
	if err := l.payments.Create(ctx, repository.NoTX, p); err != nil {
		return nil, err
	}
	metrics.IncIntentCreated(p.Currency)
	l.log.Info().Str("payment_id", p.ID).Str("order_id", p.ProviderOrderID).
		Str("amount", p.Amount.StringFixed(2)).Str("currency", p.Currency).Msg("payment intent created")
	return p, nil
}

func (l *ledgerUC) Get(ctx context.Context, paymentID string) (*model.PaymentIntent, error) {
	return l.payments.FindByID(ctx, repository.NoTX, paymentID)
}

// ApplyProviderEvent moves the intent along a legal edge when the observation
// allows it and always records the payload in the metadata history. Illegal
// edges and repeats are not errors: they leave the status alone.
func (l *ledgerUC) ApplyProviderEvent(ctx context.Context, tx repository.Tx, ev ProviderEvent) (ApplyResult, error) {
	if ev.OrderID == "" {
		return ApplyResult{}, domain.ErrInvalidArgument
	}
	if tx == nil {
		var res ApplyResult
		err := withConflictRetry(ctx, l.tm, func(ctx context.Context, tx repository.Tx) error {
			var err error
			res, err = l.apply(ctx, tx, ev)
			return err
		})
		if err != nil {
			return ApplyResult{}, err
		}
		recordApplied(res)
		return res, nil
	}
	return l.apply(ctx, tx, ev)
}

func (l *ledgerUC) apply(ctx context.Context, tx repository.Tx, ev ProviderEvent) (ApplyResult, error) {
	p, err := l.payments.FindByOrderID(ctx, tx, ev.OrderID)
	if err != nil {
		return ApplyResult{}, err
	}
	res := ApplyResult{Intent: p, Previous: p.Status}

	if ev.Observed == model.PaymentStatusSucceeded && ev.Amount != nil && !ev.Amount.Equal(p.Amount) {
		return res, fmt.Errorf("%w: reported %s, expected %s", domain.ErrAmountMismatch,
			ev.Amount.StringFixed(2), p.Amount.StringFixed(2))
	}

	now := l.now()
	if ev.Observed != p.Status {
		res.Transitioned = p.Transition(ev.Observed, now)
		if !res.Transitioned {
			logging.With(ctx, l.log).Info().Str("from", string(p.Status)).Str("observed", string(ev.Observed)).
				Str("source", ev.Source).Msg("ignoring provider event for non-legal edge")
		}
	}
	if res.Transitioned && p.Status == model.PaymentStatusRefunded && p.RefundAmount == nil {
		full := p.Amount
		p.RefundAmount = &full
	}
	if !res.Transitioned && len(ev.Metadata) == 0 {
		return res, nil
	}
	p.MergeMetadata(ev.Source, ev.Metadata, now)
	if err := l.payments.Update(ctx, tx, p, p.Version); err != nil {
		return res, err
	}
	return res, nil
}

// MarkRefunded is the operator path: unlike provider events, refunding an intent
// that never succeeded is an error.
func (l *ledgerUC) MarkRefunded(ctx context.Context, tx repository.Tx, orderID string, amount *decimal.Decimal, md map[string]any) (ApplyResult, error) {
	if tx == nil {
		var res ApplyResult
		err := withConflictRetry(ctx, l.tm, func(ctx context.Context, tx repository.Tx) error {
			var err error
			res, err = l.markRefunded(ctx, tx, orderID, amount, md)
			return err
		})
		if err != nil {
			return ApplyResult{}, err
		}
		recordApplied(res)
		return res, nil
	}
	return l.markRefunded(ctx, tx, orderID, amount, md)
}

func (l *ledgerUC) markRefunded(ctx context.Context, tx repository.Tx, orderID string, amount *decimal.Decimal, md map[string]any) (ApplyResult, error) {
	p, err := l.payments.FindByOrderID(ctx, tx, orderID)
	if err != nil {
		return ApplyResult{}, err
	}
	res := ApplyResult{Intent: p, Previous: p.Status}
	switch p.Status {
	case model.PaymentStatusRefunded:
		return res, nil
	case model.PaymentStatusSucceeded:
	default:
		return res, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, p.Status, model.PaymentStatusRefunded)
	}

	now := l.now()
	res.Transitioned = p.Transition(model.PaymentStatusRefunded, now)
	refunded := p.Amount
	if amount != nil {
		refunded = *amount
	}
	p.RefundAmount = &refunded
	p.MergeMetadata("refund", md, now)
	if err := l.payments.Update(ctx, tx, p, p.Version); err != nil {
		return res, err
	}
	return res, nil
}

// withConflictRetry runs fn in a transaction and retries it once when the
// version check lost a race. The second attempt re-reads the winner's state.
func withConflictRetry(ctx context.Context, tm repository.TransactionManager, fn func(ctx context.Context, tx repository.Tx) error) error {
	err := tm.WithTx(ctx, fn)
	if !errors.Is(err, domain.ErrConcurrentModification) {
		return err
	}
	metrics.IncDBConflict("retried")
	if err = tm.WithTx(ctx, fn); errors.Is(err, domain.ErrConcurrentModification) {
		metrics.IncDBConflict("gave_up")
	}
	return err
}

// recordApplied emits transition metrics once the enclosing transaction committed.
func recordApplied(res ApplyResult) {
	if !res.Transitioned || res.Intent == nil {
		return
	}
	metrics.IncPaymentTransition(string(res.Previous), string(res.Intent.Status))
	if res.Intent.Status == model.PaymentStatusSucceeded {
		metrics.AddPaymentRevenue(res.Intent.Currency, res.Intent.Amount)
	}
}
