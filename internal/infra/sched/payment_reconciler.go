package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"course-payments/internal/config"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/repository"
	"course-payments/internal/infra/logging"
	"course-payments/internal/infra/metrics"
	"course-payments/internal/infra/worker"
	"course-payments/internal/usecase"
)

// PaymentReconciler periodically re-checks pending intents that never received
// a webhook and settles them through the same path a polling client uses.
type PaymentReconciler struct {
	reconcile  usecase.ReconcileUseCase
	payments   repository.PaymentRepository
	pool       *worker.Pool
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	// cursor is where the next sweep resumes so rows past the first batch are
	// reached; it wraps to the start once a short page is seen.
	cursor repository.PendingCursor
	now    func() time.Time
	log    *zerolog.Logger
}

func NewPaymentReconciler(reconcile usecase.ReconcileUseCase, payments repository.PaymentRepository, cfg config.ReconcilerConfig, logger *zerolog.Logger) *PaymentReconciler {
	recLog := logger.With().Str("component", "PaymentReconciler").Logger()
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &PaymentReconciler{
		reconcile:  reconcile,
		payments:   payments,
		pool:       worker.NewPool(cfg.Workers, &recLog),
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		batch:      cfg.BatchSize,
		now:        time.Now,
		log:        &recLog,
	}
}

func (w *PaymentReconciler) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Dur("stale_after", w.staleAfter).Msg("Starting payment reconciler")
	w.pool.Start(ctx)
	defer w.pool.Stop()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping payment reconciler")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("reconciler sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns how many intents were checked. The pool
// must be started unless the caller uses SweepOnce.
func (w *PaymentReconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.staleAfter)
	pending, err := w.payments.ListPendingOlderThan(ctx, nil, cutoff, w.cursor, w.batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 && !w.cursor.IsZero() {
		w.cursor = repository.PendingCursor{}
		if pending, err = w.payments.ListPendingOlderThan(ctx, nil, cutoff, w.cursor, w.batch); err != nil {
			return 0, err
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	tasks := make([]worker.Task, 0, len(pending))
	for _, p := range pending {
		id := p.ID
		tasks = append(tasks, func(ctx context.Context) error {
			return w.check(ctx, id)
		})
	}
	if err := w.pool.Run(ctx, tasks); err != nil {
		return 0, err
	}
	if len(pending) < w.batch {
		w.cursor = repository.PendingCursor{}
	} else {
		w.cursor = repository.CursorOf(pending[len(pending)-1])
	}
	w.log.Info().Int("count", len(pending)).Msg("pending payments re-checked")
	return len(pending), nil
}

// SweepOnce starts a pool for a single pass; used by the CLI.
func (w *PaymentReconciler) SweepOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.pool.Start(ctx)
	defer w.pool.Stop()
	return w.Sweep(ctx)
}

func (w *PaymentReconciler) check(ctx context.Context, paymentID string) error {
	ctx = logging.WithPaymentID(ctx, paymentID)
	res, err := w.reconcile.Confirm(ctx, paymentID)
	if err != nil {
		metrics.IncReconcilerChecked("error")
		return err
	}
	if res.Stale {
		metrics.IncReconcilerChecked("error")
		return nil
	}
	metrics.IncReconcilerChecked(string(res.Status))
	if res.Status != model.PaymentStatusPending {
		logging.With(ctx, w.log).Info().Str("status", string(res.Status)).Msg("reconciled payment")
	}
	return nil
}
