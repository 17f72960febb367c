package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/cache"
	"github.com/boddenberg/cmms-billing-go/internal/infra/lock"
	"github.com/boddenberg/cmms-billing-go/internal/infra/memstore"
	"github.com/boddenberg/cmms-billing-go/internal/infra/notify"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
	"github.com/boddenberg/cmms-billing-go/internal/infra/resilience"
	"github.com/boddenberg/cmms-billing-go/internal/service"
)

// --- Clock ---

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- Fake payment processor ---

type fakeProcessor struct {
	name domain.Processor

	mu          sync.Mutex
	statuses    map[string]domain.NormalizedStatus
	statusErr   error
	statusDelay time.Duration
	cancelErr   error
	cancelled   []string
	checkouts   []*domain.CheckoutParams
	checkoutErr error
	parseErr    error
}

func newFakeProcessor(name domain.Processor) *fakeProcessor {
	return &fakeProcessor{name: name, statuses: map[string]domain.NormalizedStatus{}}
}

func (f *fakeProcessor) Processor() domain.Processor { return f.name }

func (f *fakeProcessor) CreateCheckout(_ context.Context, p *domain.CheckoutParams) (*domain.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	f.checkouts = append(f.checkouts, p)
	id := string(f.name) + "_co_1"
	sess := &domain.CheckoutSession{CheckoutURL: "https://pay.example/" + id, CheckoutID: id}
	if f.name == domain.ProcessorMercadoPago {
		sess.ProviderRef = id
	}
	return sess, nil
}

func (f *fakeProcessor) GetSubscriptionStatus(ctx context.Context, ref string) (domain.NormalizedStatus, error) {
	f.mu.Lock()
	delay, err, st := f.statusDelay, f.statusErr, f.statuses[ref]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.StatusUnknown, &domain.ErrExternalService{Service: string(f.name), Timeout: true, Err: ctx.Err()}
		}
	}
	if err != nil {
		return domain.StatusUnknown, err
	}
	if st == "" {
		return domain.StatusUnknown, nil
	}
	return st, nil
}

func (f *fakeProcessor) Cancel(_ context.Context, ref string) (*domain.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.cancelled = append(f.cancelled, ref)
	f.statuses[ref] = domain.StatusCancelled
	return &domain.CancelResult{Success: true, NormalizedReason: domain.StatusCancelled}, nil
}

// ParseWebhook accepts a JSON-encoded domain.PaymentEvent as the body.
func (f *fakeProcessor) ParseWebhook(_ context.Context, _ http.Header, body []byte) (*domain.PaymentEvent, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	var ev domain.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, &domain.ErrValidation{Field: "body", Message: err.Error()}
	}
	ev.Processor = f.name
	return &ev, nil
}

func (f *fakeProcessor) setStatus(ref string, st domain.NormalizedStatus) {
	f.mu.Lock()
	f.statuses[ref] = st
	f.mu.Unlock()
}

// --- Store wrapper for fault injection ---

type flakyStore struct {
	*memstore.Store
	mu              sync.Mutex
	failSubUpdates  int
	failUserCreates int
}

func (s *flakyStore) CreateUser(ctx context.Context, u *domain.AdminUser) (*domain.AdminUser, error) {
	s.mu.Lock()
	if s.failUserCreates > 0 {
		s.failUserCreates--
		s.mu.Unlock()
		return nil, &domain.ErrExternalService{Service: "store", Err: errors.New("connection reset")}
	}
	s.mu.Unlock()
	return s.Store.CreateUser(ctx, u)
}

func (s *flakyStore) UpdateSubscription(ctx context.Context, id string, p *domain.SubscriptionPatch) (*domain.Subscription, error) {
	s.mu.Lock()
	if s.failSubUpdates > 0 {
		s.failSubUpdates--
		s.mu.Unlock()
		return nil, &domain.ErrExternalService{Service: "store", Err: errors.New("connection reset")}
	}
	s.mu.Unlock()
	return s.Store.UpdateSubscription(ctx, id, p)
}

// --- Fixture ---

type fixture struct {
	clock    *testClock
	mem      *memstore.Store
	store    *flakyStore
	cache    *cache.InMemory[*domain.Tenant]
	dir      *service.TenantDirectory
	mp       *fakeProcessor
	polar    *fakeProcessor
	mailer   *notify.LogMailer
	metrics  *observability.Metrics
	rec      *service.Reconciler
	router   *service.PaymentRouter
	monitor  *service.Monitor
	entitle  *service.EntitlementService
	auth     *service.AuthService
	cacheTTL time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: newClock(), cacheTTL: 2 * time.Minute}
	f.mem = memstore.New().WithClock(f.clock.Now)
	f.store = &flakyStore{Store: f.mem}
	f.cache = cache.New[*domain.Tenant](f.cacheTTL, 128).WithClock(f.clock.Now)
	f.metrics = observability.NewMetrics()
	logger := zap.NewNop()
	locker := lock.NewLocal()

	f.dir = service.NewTenantDirectory(f.store, f.cache, locker, f.metrics, logger)
	f.mp = newFakeProcessor(domain.ProcessorMercadoPago)
	f.polar = newFakeProcessor(domain.ProcessorPolar)
	processors := service.NewProcessors(f.mp, f.polar)
	f.mailer = notify.NewLogMailer(logger)

	f.rec = service.NewReconciler(f.store, f.dir, processors, locker, f.mailer, "https://app.example/login", f.metrics, logger).
		WithClock(f.clock.Now)
	f.router = service.NewPaymentRouter(f.store, f.dir, processors, f.rec, service.RouterConfig{
		RegionalCountry:   "AR",
		RegionalMaxAmount: 500,
		SuccessURL:        "https://app.example/billing/success",
		LocalRetry:        resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
	}, f.metrics, logger)
	f.monitor = service.NewMonitor(f.store, f.mem, f.dir, f.rec, processors, service.MonitorConfig{
		Concurrency: 2,
		CallTimeout: 50 * time.Millisecond,
	}, f.metrics, logger).WithClock(f.clock.Now)
	f.entitle = service.NewEntitlementService(f.mem, f.metrics, logger).WithClock(f.clock.Now)
	f.auth = service.NewAuthService(f.store, f.dir, locker, "test-secret", 15*time.Minute, 14, f.metrics, logger).
		WithClock(f.clock.Now)
	return f
}

func (f *fixture) webhook(t *testing.T, p domain.Processor, ev domain.PaymentEvent) domain.WebhookAck {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return f.rec.HandleWebhook(context.Background(), p, http.Header{}, body)
}

// seedTenant stores an active tenant on plan with an expiry in the future.
func (f *fixture) seedTenant(t *testing.T, id, subdomain string, plan domain.Plan) *domain.Tenant {
	t.Helper()
	exp := f.clock.Now().Add(20 * 24 * time.Hour)
	tn := &domain.Tenant{
		TenantID:              id,
		Subdomain:             subdomain,
		Name:                  subdomain,
		Plan:                  plan,
		Status:                domain.TenantActive,
		SubscriptionExpiresAt: &exp,
	}
	tn.ApplyLimits(plan)
	created, err := f.mem.CreateTenant(context.Background(), tn)
	require.NoError(t, err)
	return created
}

func (f *fixture) seedUser(t *testing.T, tenantID, email string, role domain.Role) *domain.AdminUser {
	t.Helper()
	u, err := f.mem.CreateUser(context.Background(), &domain.AdminUser{
		ID:       "u_" + email,
		TenantID: tenantID,
		Email:    email,
		Role:     role,
	})
	require.NoError(t, err)
	return u
}

// seedSubscription stores a subscription; activated ones carry ActivatedAt.
func (f *fixture) seedSubscription(t *testing.T, s domain.Subscription) *domain.Subscription {
	t.Helper()
	if s.ExternalReference == "" {
		s.ExternalReference = "ref-" + s.ID
	}
	if s.Frequency == "" {
		s.Frequency = domain.FrequencyMonthly
	}
	if s.Status == domain.SubscriptionActive || s.Status == domain.SubscriptionPaused || s.Status == domain.SubscriptionPaymentFailed {
		at := f.clock.Now().Add(-24 * time.Hour)
		s.ActivatedAt = &at
	}
	created, err := f.mem.CreateSubscription(context.Background(), &s)
	require.NoError(t, err)
	return created
}

func (f *fixture) tenant(t *testing.T, id string) *domain.Tenant {
	t.Helper()
	tn, err := f.mem.GetTenantByID(context.Background(), id)
	require.NoError(t, err)
	return tn
}

func (f *fixture) subscription(t *testing.T, id string) *domain.Subscription {
	t.Helper()
	s, err := f.mem.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return s
}
