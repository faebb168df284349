//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"course-payments/internal/config"
	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/adapter"
	"course-payments/internal/domain/ports/repository"
	"course-payments/internal/usecase"
)

// -----------------------------
// Utilities: tiny helpers
// -----------------------------

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneAny(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneAny(vv)
		}
		return out
	default:
		return v
	}
}

func clonePayment(p *model.PaymentIntent) *model.PaymentIntent {
	cp := *p
	if md, ok := cloneAny(p.ProviderMetadata).(map[string]any); ok {
		cp.ProviderMetadata = md
	}
	return &cp
}

func cloneUser(u *model.User) *model.User {
	cp := *u
	return &cp
}

// =============================
// Repositories
// =============================

// ---- In-memory PaymentRepository ----

type MockPaymentRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.PaymentIntent
	byOrder map[string]string

	UpdateCalls int
	// UpdateErrs are returned, in order, by the next Update calls before any write.
	UpdateErrs []error
}

var _ repository.PaymentRepository = (*MockPaymentRepo)(nil)

func NewMockPaymentRepo() *MockPaymentRepo {
	return &MockPaymentRepo{byID: map[string]*model.PaymentIntent{}, byOrder: map[string]string{}}
}

func (m *MockPaymentRepo) Create(ctx context.Context, tx repository.Tx, p *model.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOrder[p.ProviderOrderID]; ok {
		return domain.ErrAlreadyExists
	}
	m.byID[p.ID] = clonePayment(p)
	m.byOrder[p.ProviderOrderID] = p.ID
	return nil
}

func (m *MockPaymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MockPaymentRepo) FindByOrderID(ctx context.Context, tx repository.Tx, orderID string) (*model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return clonePayment(m.byID[id]), nil
}

func (m *MockPaymentRepo) Update(ctx context.Context, tx repository.Tx, p *model.PaymentIntent, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateCalls++
	if len(m.UpdateErrs) > 0 {
		err := m.UpdateErrs[0]
		m.UpdateErrs = m.UpdateErrs[1:]
		if err != nil {
			return err
		}
	}
	cur, ok := m.byID[p.ID]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	if cur.Version != expectedVersion {
		return domain.ErrConcurrentModification
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now().UTC()
	m.byID[p.ID] = clonePayment(p)
	return nil
}

func (m *MockPaymentRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, after repository.PendingCursor, limit int) ([]*model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PaymentIntent
	for _, p := range m.byID {
		if p.Status == model.PaymentStatusPending && p.CreatedAt.Before(olderThan) && pendingAfter(p, after) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return pendingAfter(out[j], repository.CursorOf(out[i])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func pendingAfter(p *model.PaymentIntent, c repository.PendingCursor) bool {
	if c.IsZero() {
		return true
	}
	if !p.CreatedAt.Equal(c.CreatedAt) {
		return p.CreatedAt.After(c.CreatedAt)
	}
	return p.ID > c.ID
}

// Put overwrites the stored intent; used to seed states directly.
func (m *MockPaymentRepo) Put(p *model.PaymentIntent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.ID] = clonePayment(p)
	m.byOrder[p.ProviderOrderID] = p.ID
}

func (m *MockPaymentRepo) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// ---- In-memory UserRepository ----

type MockUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byEmail map[string]string

	CreateCalls int
	Grants      int
	Revokes     int
	// BeforeCreate runs inside Create before the uniqueness check.
	BeforeCreate func(u *model.User)
}

var _ repository.UserRepository = (*MockUserRepo)(nil)

func NewMockUserRepo() *MockUserRepo {
	return &MockUserRepo{byID: map[string]*model.User{}, byEmail: map[string]string{}}
}

func (m *MockUserRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *MockUserRepo) FindByEmail(ctx context.Context, tx repository.Tx, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[model.NormalizeEmail(email)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return cloneUser(m.byID[id]), nil
}

func (m *MockUserRepo) Create(ctx context.Context, tx repository.Tx, u *model.User) error {
	if m.BeforeCreate != nil {
		m.BeforeCreate(u)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	email := model.NormalizeEmail(u.Email)
	if _, ok := m.byEmail[email]; ok {
		return domain.ErrAlreadyExists
	}
	m.byID[u.ID] = cloneUser(u)
	m.byEmail[email] = u.ID
	return nil
}

func (m *MockUserRepo) SetCourseAccess(ctx context.Context, tx repository.Tx, userID string, access bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return false, domain.ErrUserNotFound
	}
	if u.HasCourseAccess == access {
		return false, nil
	}
	u.HasCourseAccess = access
	if access {
		m.Grants++
	} else {
		m.Revokes++
	}
	return true, nil
}

// Seed stores u directly, bypassing the create counter.
func (m *MockUserRepo) Seed(u *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[u.ID] = cloneUser(u)
	m.byEmail[model.NormalizeEmail(u.Email)] = u.ID
}

func (m *MockUserRepo) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *MockUserRepo) Stats() (creates, grants, revokes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CreateCalls, m.Grants, m.Revokes
}

// =============================
// Adapters
// =============================

// ---- Mock PaymentGateway ----

type MockGateway struct {
	mu sync.Mutex

	CreatePaymentLinkFunc func(ctx context.Context, buyer model.BuyerInfo, amount decimal.Decimal, currency string) (adapter.PaymentLink, error)
	CheckStatusFunc       func(ctx context.Context, orderID string) (model.ProviderStatus, error)
	RefundFunc            func(ctx context.Context, orderID string, amount *decimal.Decimal) (adapter.RefundResult, error)

	CreateCalls int
	CheckCalls  int
	RefundCalls int
}

var _ adapter.PaymentGateway = (*MockGateway)(nil)

func (g *MockGateway) Name() string { return "mock" }

func (g *MockGateway) CreatePaymentLink(ctx context.Context, buyer model.BuyerInfo, amount decimal.Decimal, currency string) (adapter.PaymentLink, error) {
	g.mu.Lock()
	g.CreateCalls++
	g.mu.Unlock()
	if g.CreatePaymentLinkFunc != nil {
		return g.CreatePaymentLinkFunc(ctx, buyer, amount, currency)
	}
	orderID := "ORD-" + uuid.NewString()
	return adapter.PaymentLink{
		OrderID:    orderID,
		PaymentURL: "https://pay.example.com/" + orderID,
		Request:    map[string]any{"order_id": orderID, "currency": currency},
	}, nil
}

func (g *MockGateway) CheckStatus(ctx context.Context, orderID string) (model.ProviderStatus, error) {
	g.mu.Lock()
	g.CheckCalls++
	g.mu.Unlock()
	if g.CheckStatusFunc != nil {
		return g.CheckStatusFunc(ctx, orderID)
	}
	return model.ProviderStatusPending, nil
}

func (g *MockGateway) Refund(ctx context.Context, orderID string, amount *decimal.Decimal) (adapter.RefundResult, error) {
	g.mu.Lock()
	g.RefundCalls++
	g.mu.Unlock()
	if g.RefundFunc != nil {
		return g.RefundFunc(ctx, orderID, amount)
	}
	res := adapter.RefundResult{ID: "RF-" + orderID, Status: "refunded", RefundTime: time.Now().UTC()}
	if amount != nil {
		res.RefundAmount = *amount
	}
	return res, nil
}

func (g *MockGateway) Calls() (create, check, refund int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CreateCalls, g.CheckCalls, g.RefundCalls
}

// ---- Mock SessionIssuer ----

type MockSessions struct {
	mu     sync.Mutex
	Issued []string
	Err    error
}

var _ adapter.SessionIssuer = (*MockSessions)(nil)

func (s *MockSessions) IssueToken(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	s.Issued = append(s.Issued, userID)
	return "token-" + userID, nil
}

func (s *MockSessions) ParseToken(tok string) (string, error) {
	if len(tok) > len("token-") && tok[:len("token-")] == "token-" {
		return tok[len("token-"):], nil
	}
	return "", domain.ErrInvalidArgument
}

func (s *MockSessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Issued)
}

// ---- Mock PasswordHasher ----

type MockHasher struct{}

func (MockHasher) Hash(password string) (string, error) { return "hashed:" + password, nil }

// =============================
// Infra helpers for tests
// =============================

// ---- Mock TransactionManager ----

type mockTx struct{}

type MockTxManager struct {
	mu sync.Mutex
	// Serialize makes transactions run one at a time, like row locks on one order.
	Serialize  bool
	WithTxFunc func(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error
	Calls      int
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

func (m *MockTxManager) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, fn)
	}
	if m.Serialize {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.Calls++
		return fn(ctx, mockTx{})
	}
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	return fn(ctx, mockTx{})
}

// ---- In-memory Locker ----

type MockLocker struct {
	mu    sync.Mutex
	held  map[string]string
	ErrOn map[string]error
}

var _ adapter.Locker = (*MockLocker)(nil)

func NewMockLocker() *MockLocker {
	return &MockLocker{held: map[string]string{}, ErrOn: map[string]error{}}
}

func (l *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, bad := l.ErrOn[key]; bad {
		return "", err
	}
	if tok, ok := l.held[key]; ok && tok != "" {
		return "", domain.ErrLockNotAcquired
	}
	tok := uuid.NewString()
	l.held[key] = tok
	return tok, nil
}

func (l *MockLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
		return nil
	}
	return errors.New("unlock token mismatch")
}

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// =============================
// Harness
// =============================

const testWebhookSecret = "whsec-test"

type harness struct {
	payments *MockPaymentRepo
	users    *MockUserRepo
	tm       *MockTxManager
	gateway  *MockGateway
	locker   *MockLocker
	sessions *MockSessions

	ledger       usecase.LedgerUseCase
	entitlements usecase.EntitlementUseCase
	reconcile    usecase.ReconcileUseCase
	payment      usecase.PaymentUseCase
}

func testProduct() config.ProductConfig {
	return config.ProductConfig{
		Name:     "Course",
		SKU:      "course-full",
		Price:    "297.00",
		Currency: "USD",
		Amount:   decimal.RequireFromString("297.00"),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		payments: NewMockPaymentRepo(),
		users:    NewMockUserRepo(),
		tm:       &MockTxManager{Serialize: true},
		gateway:  &MockGateway{},
		locker:   NewMockLocker(),
		sessions: &MockSessions{},
	}
	log := newTestLogger()
	h.ledger = usecase.NewLedgerUseCase(h.payments, h.tm, log)
	h.entitlements = usecase.NewEntitlementUseCase(h.users, MockHasher{}, log)
	h.reconcile = usecase.NewReconcileUseCase(h.tm, h.payments, h.ledger, h.entitlements, h.gateway, h.locker,
		h.sessions, usecase.ReconcileOptions{
			WebhookSecret: testWebhookSecret,
			SuccessURL:    "https://school.example.com/welcome",
			LockTTL:       time.Second,
		}, log)
	h.payment = usecase.NewPaymentUseCase(h.tm, h.users, h.ledger, h.entitlements, h.gateway, h.locker,
		time.Second, testProduct(), log)
	return h
}

// newIntent creates a pending intent through the public create path.
func (h *harness) newIntent(t *testing.T, email, ownerID string) *model.PaymentIntent {
	t.Helper()
	p, err := h.payment.CreateIntent(context.Background(), usecase.CreateIntentInput{
		Buyer:       model.BuyerInfo{Name: "Buyer", Email: email},
		OwnerUserID: ownerID,
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	return p
}

// seedStatus forces the stored intent into status.
func (h *harness) seedStatus(t *testing.T, p *model.PaymentIntent, status model.PaymentStatus) *model.PaymentIntent {
	t.Helper()
	cur, err := h.payments.FindByID(context.Background(), nil, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	cur.Status = status
	now := time.Now().UTC()
	if status != model.PaymentStatusPending {
		cur.ProcessedAt = &now
	}
	if status == model.PaymentStatusRefunded {
		cur.RefundedAt = &now
	}
	h.payments.Put(cur)
	return cur
}

func (h *harness) seedUser(t *testing.T, email string, access bool) *model.User {
	t.Helper()
	u, err := model.NewUser("", email, "Existing", "", "hash")
	if err != nil {
		t.Fatal(err)
	}
	u.HasCourseAccess = access
	h.users.Seed(u)
	return u
}

func (h *harness) stored(t *testing.T, id string) *model.PaymentIntent {
	t.Helper()
	p, err := h.payments.FindByID(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return p
}

func webhook(orderID, status, amount string) usecase.WebhookEvent {
	return usecase.WebhookEvent{
		Secret: testWebhookSecret,
		Fields: map[string]any{
			"order_id":     orderID,
			"status":       status,
			"amount":       amount,
			"card_mask":    "411111******1111",
			"card_brand":   "visa",
			"foreign_card": "0",
		},
		RemoteIP: "203.0.113.7",
	}
}
