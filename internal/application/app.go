package application

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"course-payments/internal/config"
	"course-payments/internal/domain/ports/adapter"
	"course-payments/internal/domain/ports/repository"
	payAdapters "course-payments/internal/infra/adapters/payment"
	"course-payments/internal/infra/api"
	"course-payments/internal/infra/api/apiv1"
	pg "course-payments/internal/infra/db/postgres"
	"course-payments/internal/infra/db/sqlite"
	"course-payments/internal/infra/metrics"
	red "course-payments/internal/infra/redis"
	"course-payments/internal/infra/sched"
	"course-payments/internal/infra/security"
	"course-payments/internal/usecase"
)

// App holds the wired payment core. Build it once per process and Close it on exit.
type App struct {
	Config  *config.Config
	Log     *zerolog.Logger
	Gateway adapter.PaymentGateway

	Payments   usecase.PaymentUseCase
	Reconcile  usecase.ReconcileUseCase
	Reconciler *sched.PaymentReconciler
	Handler    http.Handler

	pool    *pgxpool.Pool
	closers []func() error
}

type stores struct {
	tm       repository.TransactionManager
	payments repository.PaymentRepository
	users    repository.UserRepository
	ping     api.HealthCheck
}

// Build connects storage, redis and the provider, and wires the use cases and
// the HTTP handler.
func Build(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: logger}

	st, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	// ---- Redis ----
	var (
		locker  adapter.Locker
		limiter apiv1.RateLimiter
	)
	checks := map[string]api.HealthCheck{"database": st.ping}
	rc, err := red.NewClient(ctx, cfg.Redis)
	switch {
	case err == nil:
		a.closers = append(a.closers, rc.Close)
		locker = red.NewLocker(rc)
		limiter = red.NewRateLimiter(rc)
		checks["redis"] = rc.Ping
	case cfg.Runtime.Dev:
		logger.Warn().Err(err).Msg("redis unavailable; confirm and refund run without locks, no rate limit")
	default:
		a.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	// ---- Provider ----
	gw, err := newGateway(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Gateway = gw

	// ---- Security ----
	sessions := security.NewSessionManager(cfg.Session.Secret, cfg.Session.Issuer, cfg.Session.TTL)
	hasher := security.NewBcryptHasher(bcrypt.DefaultCost)

	// ---- Use cases ----
	ledger := usecase.NewLedgerUseCase(st.payments, st.tm, logger)
	entitlements := usecase.NewEntitlementUseCase(st.users, hasher, logger)
	reconcile := usecase.NewReconcileUseCase(st.tm, st.payments, ledger, entitlements, gw, locker, sessions,
		usecase.ReconcileOptions{
			WebhookSecret: cfg.Webhook.Secret,
			SuccessURL:    cfg.Provider.SuccessURL,
			LockTTL:       cfg.Redis.LockTTL,
		}, logger)
	// the refund lock must outlive the provider call it guards
	refundLockTTL := cfg.Provider.Timeout + cfg.Redis.LockTTL
	payments := usecase.NewPaymentUseCase(st.tm, st.users, ledger, entitlements, gw, locker, refundLockTTL,
		cfg.Product, logger)
	a.Payments = payments
	a.Reconcile = reconcile
	a.Reconciler = sched.NewPaymentReconciler(reconcile, st.payments, cfg.Reconciler, logger)

	// ---- HTTP ----
	deps := apiv1.Deps{
		Payments:      payments,
		Reconcile:     reconcile,
		Sessions:      sessions,
		ConfirmLimit:  cfg.Redis.ConfirmRateLimit,
		ConfirmWindow: cfg.Redis.ConfirmRateWindow,
		AdminAPIKey:   cfg.Admin.APIKey,
		Logger:        logger,
	}
	if limiter != nil {
		deps.Limiter = limiter
	}
	a.Handler = api.NewRouter(cfg.HTTP, apiv1.NewServer(deps), checks, logger)
	return a, nil
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	cfg := a.Config
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sqlDB.Close)
		return &stores{
			tm:       sqlite.NewTxManager(db),
			payments: sqlite.NewPaymentRepo(db),
			users:    sqlite.NewUserRepo(db),
			ping:     sqlDB.PingContext,
		}, nil
	default:
		pool, err := pg.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		return &stores{
			tm:       pg.NewTxManager(pool),
			payments: pg.NewPaymentRepo(pool),
			users:    pg.NewPostgresUserRepo(pool),
			ping:     pool.Ping,
		}, nil
	}
}

func newGateway(cfg *config.Config, logger *zerolog.Logger) (adapter.PaymentGateway, error) {
	if cfg.Runtime.Dev && cfg.Provider.BaseURL == "" {
		logger.Warn().Msg("[DEV MODE] provider not configured; using noop gateway")
		return payAdapters.NewNoopPaymentGateway(""), nil
	}
	gw, err := payAdapters.NewProviderGateway(payAdapters.GatewayConfig{
		BaseURL:         cfg.Provider.BaseURL,
		Login:           cfg.Provider.Login,
		SecretKey:       cfg.Provider.SecretKey,
		Lang:            cfg.Provider.Lang,
		NotificationURL: cfg.Provider.NotificationURL,
		SuccessURL:      cfg.Provider.SuccessURL,
		BacklinkURL:     cfg.Provider.BacklinkURL,
		ProductName:     cfg.Product.Name,
		ProductSKU:      cfg.Product.SKU,
		LinkTTL:         cfg.Provider.LinkTTL,
		Timeout:         cfg.Provider.Timeout,
		StatusRetries:   cfg.Provider.StatusRetries,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("provider gateway: %w", err)
	}
	return gw, nil
}

// ReportPoolStats publishes pgx pool gauges until ctx is done. It is a no-op
// for the sqlite driver.
func (a *App) ReportPoolStats(ctx context.Context, every time.Duration) {
	if a.pool == nil {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := a.pool.Stat()
			metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
		}
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
