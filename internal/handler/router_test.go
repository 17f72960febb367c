package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/handler"
	"github.com/boddenberg/cmms-billing-go/internal/infra/cache"
	"github.com/boddenberg/cmms-billing-go/internal/infra/lock"
	"github.com/boddenberg/cmms-billing-go/internal/infra/memstore"
	"github.com/boddenberg/cmms-billing-go/internal/infra/notify"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
	"github.com/boddenberg/cmms-billing-go/internal/service"
)

// stubProcessor hands out checkout links and rejects every notification.
type stubProcessor struct{ name domain.Processor }

func (p *stubProcessor) Processor() domain.Processor { return p.name }

func (p *stubProcessor) CreateCheckout(_ context.Context, _ *domain.CheckoutParams) (*domain.CheckoutSession, error) {
	id := string(p.name) + "_co_1"
	return &domain.CheckoutSession{CheckoutURL: "https://pay.example/" + id, CheckoutID: id}, nil
}

func (p *stubProcessor) GetSubscriptionStatus(context.Context, string) (domain.NormalizedStatus, error) {
	return domain.StatusUnknown, nil
}

func (p *stubProcessor) Cancel(context.Context, string) (*domain.CancelResult, error) {
	return &domain.CancelResult{Success: true, NormalizedReason: domain.StatusCancelled}, nil
}

func (p *stubProcessor) ParseWebhook(context.Context, http.Header, []byte) (*domain.PaymentEvent, error) {
	return nil, &domain.ErrValidation{Field: "signature", Message: "missing"}
}

type testServer struct {
	mem     *memstore.Store
	handler http.Handler
}

func newTestServer(t *testing.T, health ...handler.HealthCheck) *testServer {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	mem := memstore.New()
	locker := lock.NewLocal()

	dir := service.NewTenantDirectory(mem, cache.New[*domain.Tenant](time.Minute, 64), locker, metrics, logger)
	processors := service.NewProcessors(
		&stubProcessor{name: domain.ProcessorMercadoPago},
		&stubProcessor{name: domain.ProcessorPolar},
	)
	rec := service.NewReconciler(mem, dir, processors, locker, notify.NewLogMailer(logger), "https://app.example/login", metrics, logger)
	payments := service.NewPaymentRouter(mem, dir, processors, rec, service.RouterConfig{
		RegionalCountry:   "AR",
		RegionalMaxAmount: 500,
		SuccessURL:        "https://app.example/billing/success",
	}, metrics, logger)
	monitor := service.NewMonitor(mem, mem, dir, rec, processors, service.MonitorConfig{Concurrency: 1, CallTimeout: time.Second}, metrics, logger)

	svc := handler.Services{
		Directory:   dir,
		Auth:        service.NewAuthService(mem, dir, locker, "test-secret", 15*time.Minute, 14, metrics, logger),
		Entitlement: service.NewEntitlementService(mem, metrics, logger),
		Payments:    payments,
		Reconciler:  rec,
		Monitor:     monitor,
		Health:      health,
	}
	return &testServer{mem: mem, handler: handler.NewRouter(svc, metrics, logger)}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seedTenant(t *testing.T, id string, plan domain.Plan, status domain.TenantStatus) {
	t.Helper()
	exp := time.Now().Add(20 * 24 * time.Hour)
	tn := &domain.Tenant{
		TenantID:              id,
		Subdomain:             id,
		Name:                  id,
		Plan:                  plan,
		Status:                status,
		SubscriptionExpiresAt: &exp,
	}
	tn.ApplyLimits(plan)
	_, err := s.mem.CreateTenant(context.Background(), tn)
	require.NoError(t, err)
}

// login seeds a user and returns an access token obtained through the API.
func (s *testServer) login(t *testing.T, tenantID, email string, role domain.Role) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = s.mem.CreateUser(context.Background(), &domain.AdminUser{
		ID:           "u_" + email,
		TenantID:     tenantID,
		Email:        email,
		Role:         role,
		PasswordHash: string(hash),
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/v1/auth/login", "", domain.LoginRequest{Email: email, Password: "s3cret-pass"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp domain.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// ============================================================
// Operational
// ============================================================

func TestHealthz(t *testing.T) {
	s := newTestServer(t,
		handler.HealthCheck{Name: "store", Ping: func(context.Context) error { return nil }},
	)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[domain.HealthStatus](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Services, 2)
}

func TestHealthz_DegradedDependency(t *testing.T) {
	s := newTestServer(t,
		handler.HealthCheck{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
	)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[domain.HealthStatus](t, rec)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "connection refused", health.Services[1].Error)
}

func TestReadyzAndMetrics(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", "", nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "billing_")
}

// ============================================================
// Webhooks
// ============================================================

func TestWebhook_AlwaysAcknowledges(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		path   string
		reason string
	}{
		{"/webhooks/polar", "invalid notification"},
		{"/webhooks/stripe", "unsupported processor"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, "", map[string]string{"type": "subscription.updated"})
			assert.Equal(t, http.StatusOK, rec.Code)
			ack := decode[domain.WebhookAck](t, rec)
			assert.False(t, ack.Processed)
			assert.Equal(t, tt.reason, ack.Reason)
		})
	}
}

// ============================================================
// Auth
// ============================================================

func TestLoginAndMe(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t1", domain.PlanBasic, domain.TenantActive)
	token := s.login(t, "t1", "admin@t1.test", domain.RoleAdmin)

	rec := s.do(t, http.MethodGet, "/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[domain.AdminUser](t, rec)
	assert.Equal(t, "admin@t1.test", me.Email)
	assert.Equal(t, "t1", me.TenantID)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/auth/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/auth/me", "not-a-jwt", nil).Code)

	bad := s.do(t, http.MethodPost, "/v1/auth/login", "", domain.LoginRequest{Email: "admin@t1.test", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, bad.Code)
}

func TestTrialSignup(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/onboarding/trial", "", domain.TrialSignupRequest{
		OrganizationName: "Plant Ops",
		Email:            "ops@plant.test",
		Name:             "Ops",
		Password:         "long-enough-pass",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[domain.TrialSignupResponse](t, rec)
	assert.Equal(t, domain.PlanTrial, resp.Plan)

	dup := s.do(t, http.MethodPost, "/v1/onboarding/trial", "", domain.TrialSignupRequest{
		Email:    "ops@plant.test",
		Password: "long-enough-pass",
	})
	assert.Equal(t, http.StatusConflict, dup.Code)
}

// ============================================================
// Billing
// ============================================================

func TestPlans(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/billing/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"professional"`)
	assert.NotContains(t, rec.Body.String(), `"restricted"`)
}

func TestCheckout(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t1", domain.PlanBasic, domain.TenantActive)
	s.seedTenant(t, "t2", domain.PlanBasic, domain.TenantActive)
	token := s.login(t, "t1", "admin@t1.test", domain.RoleAdmin)

	req := domain.CheckoutRequest{
		PlanID:       "professional",
		PayerEmail:   "buyer@example.com",
		BillingCycle: "monthly",
		Country:      "US",
	}

	anon := s.do(t, http.MethodPost, "/v1/billing/checkout", "", req)
	require.Equal(t, http.StatusCreated, anon.Code, anon.Body.String())
	assert.Equal(t, domain.ProcessorPolar, decode[domain.CheckoutResponse](t, anon).Processor)

	own := s.do(t, http.MethodPost, "/v1/billing/checkout", token, req)
	require.Equal(t, http.StatusCreated, own.Code, own.Body.String())
	ownSub, err := s.mem.GetSubscription(context.Background(), decode[domain.CheckoutResponse](t, own).SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, "t1", ownSub.TenantID)

	req.TenantID = "t2"
	foreign := s.do(t, http.MethodPost, "/v1/billing/checkout", token, req)
	assert.Equal(t, http.StatusForbidden, foreign.Code)

	invalid := s.do(t, http.MethodPost, "/v1/billing/checkout", "", domain.CheckoutRequest{PlanID: "platinum"})
	assert.Equal(t, http.StatusBadRequest, invalid.Code)
}

func TestCheckout_AnonymousCannotTargetTenant(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t2", domain.PlanBasic, domain.TenantActive)
	root := s.login(t, "", "root@ops.test", domain.RoleSuperAdmin)

	req := domain.CheckoutRequest{
		PlanID:     "enterprise",
		PayerEmail: "mallory@example.com",
		Country:    "US",
		TenantID:   "t2",
	}
	existing := s.do(t, http.MethodPost, "/v1/billing/checkout", "", req)
	assert.Equal(t, http.StatusUnauthorized, existing.Code)

	req.TenantID = "nope"
	missing := s.do(t, http.MethodPost, "/v1/billing/checkout", "", req)
	assert.Equal(t, existing.Code, missing.Code)
	assert.Equal(t, existing.Body.String(), missing.Body.String())

	subs, err := s.mem.ListSubscriptions(context.Background(), domain.SubscriptionFilter{TenantID: "t2"})
	require.NoError(t, err)
	assert.Empty(t, subs)

	req.TenantID = "t2"
	ops := s.do(t, http.MethodPost, "/v1/billing/checkout", root, req)
	require.Equal(t, http.StatusCreated, ops.Code, ops.Body.String())
	sub, err := s.mem.GetSubscription(context.Background(), decode[domain.CheckoutResponse](t, ops).SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, "t2", sub.TenantID)
}

func TestSubscriptions_UnsupportedProcessor(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t1", domain.PlanBasic, domain.TenantActive)
	token := s.login(t, "t1", "admin@t1.test", domain.RoleAdmin)

	rec := s.do(t, http.MethodGet, "/v1/billing/subscriptions/stripe/sub_1", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================
// Tenant resolution & entitlement
// ============================================================

func TestTenantResolution(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t1", domain.PlanBasic, domain.TenantActive)
	s.seedTenant(t, "t2", domain.PlanBasic, domain.TenantActive)
	s.seedTenant(t, "gone", domain.PlanBasic, domain.TenantCancelled)
	admin := s.login(t, "t1", "admin@t1.test", domain.RoleAdmin)
	root := s.login(t, "", "root@ops.test", domain.RoleSuperAdmin)

	rec := s.do(t, http.MethodGet, "/v1/tenant", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1", decode[domain.Tenant](t, rec).TenantID)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/v1/tenant", admin, nil, handler.TenantHeader, "t2").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/tenant", root, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/tenant", root, nil, handler.TenantHeader, "nope").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/tenant", root, nil, handler.TenantHeader, "gone").Code)

	rec = s.do(t, http.MethodGet, "/v1/tenant", root, nil, handler.TenantHeader, "t2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t2", decode[domain.Tenant](t, rec).TenantID)
}

func TestEntitlementGate(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "paid", domain.PlanBasic, domain.TenantActive)
	s.seedTenant(t, "late", domain.PlanBasic, domain.TenantSuspended)
	paid := s.login(t, "paid", "admin@paid.test", domain.RoleAdmin)
	late := s.login(t, "late", "admin@late.test", domain.RoleAdmin)

	s.mem.SetUsage("paid", domain.ResourceUsers, 2)
	rec := s.do(t, http.MethodPost, "/v1/tenant/limits/users/check", paid, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	check := decode[domain.LimitCheck](t, rec)
	assert.True(t, check.Allowed)
	assert.Equal(t, 5, check.Limit)

	s.mem.SetUsage("paid", domain.ResourceUsers, 5)
	rec = s.do(t, http.MethodPost, "/v1/tenant/limits/users/check", paid, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, decode[domain.LimitCheck](t, rec).Allowed)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/tenant/limits/robots/check", paid, nil).Code)

	rec = s.do(t, http.MethodPost, "/v1/tenant/limits/users/check", late, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body struct {
		Success    bool   `json:"success"`
		Code       string `json:"code"`
		RedirectTo string `json:"redirectTo"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, string(domain.CodeTenantInactive), body.Code)
	assert.Equal(t, service.RedirectBilling, body.RedirectTo)

	// the verdict itself is readable without passing the gate
	rec = s.do(t, http.MethodGet, "/v1/tenant/entitlement", late, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.CodeTenantInactive, decode[domain.Entitlement](t, rec).Code)
}

// ============================================================
// Admin
// ============================================================

func TestAdminRoutesRequireSuperAdmin(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t1", domain.PlanBasic, domain.TenantActive)
	admin := s.login(t, "t1", "admin@t1.test", domain.RoleAdmin)
	root := s.login(t, "", "root@ops.test", domain.RoleSuperAdmin)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/v1/admin/monitoring/stats", admin, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/admin/monitoring/stats", "", nil).Code)

	rec := s.do(t, http.MethodGet, "/v1/admin/monitoring/stats", root, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[domain.MonitoringStats](t, rec)
	assert.Equal(t, 1, stats.TenantsByStatus[domain.TenantActive])

	rec = s.do(t, http.MethodPost, "/v1/admin/monitoring/sweep", root, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/admin/subscriptions/missing/recheck", root, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminChangeSubdomain(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t1", domain.PlanBasic, domain.TenantActive)
	s.seedTenant(t, "t2", domain.PlanBasic, domain.TenantActive)
	admin := s.login(t, "t1", "admin@t1.test", domain.RoleAdmin)
	root := s.login(t, "", "root@ops.test", domain.RoleSuperAdmin)

	body := map[string]string{"subdomain": "t1"}
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPut, "/v1/admin/tenants/t1/subdomain", admin, body).Code)

	rec := s.do(t, http.MethodPut, "/v1/admin/tenants/t2/subdomain", root, body)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPut, "/v1/admin/tenants/t2/subdomain", root, map[string]string{"subdomain": "plant-two"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "plant-two", decode[domain.Tenant](t, rec).Subdomain)

	rec = s.do(t, http.MethodPut, "/v1/admin/tenants/nope/subdomain", root, map[string]string{"subdomain": "fresh"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
