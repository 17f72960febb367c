package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/resilience"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond}
	cb := resilience.NewCircuitBreaker("supabase-test", zap.NewNop())
	return NewClient(srv.Client(), srv.URL, "anon", "service", cb, cfg, zap.NewNop()).
		WithClock(func() time.Time { return fixedNow })
}

func writeRows(w http.ResponseWriter, rows any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func TestGetTenantByID_SendsAuthAndFilter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/tenants", r.URL.Path)
		assert.Equal(t, "eq.t_1", r.URL.Query().Get("tenant_id"))
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service", r.Header.Get("Authorization"))
		writeRows(w, []tenantRow{{TenantID: "t_1", Subdomain: "acme", Plan: "basic", Status: "active", Version: 2}})
	})

	got, err := c.GetTenantByID(context.Background(), "t_1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Subdomain)
	assert.Equal(t, domain.PlanBasic, got.Plan)
	assert.Equal(t, int64(2), got.Version)
}

func TestGetTenantByID_EmptyIsNotFound(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeRows(w, []tenantRow{})
	})

	_, err := c.GetTenantByID(context.Background(), "missing")
	assert.True(t, domain.IsNotFound(err), "got %v", err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "not-found is not retried")
}

func TestServerErrorIsRetriedThenWrapped(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.GetTenantByID(context.Background(), "t_1")
	var ext *domain.ErrExternalService
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "supabase", ext.Service)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCreateTenant_ConflictMapsToDomain(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"23505"}`)
	})

	_, err := c.CreateTenant(context.Background(), &domain.Tenant{TenantID: "t_1", Subdomain: "acme"})
	assert.True(t, domain.IsConflict(err), "got %v", err)
}

func TestUpdateTenant_VersionedPatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.3", r.URL.Query().Get("version"))
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "professional", body["plan"])
		assert.EqualValues(t, 4, body["version"])
		assert.Equal(t, "webhook", body["updated_by"])

		writeRows(w, []tenantRow{{TenantID: "t_1", Plan: "professional", Version: 4}})
	})

	plan := domain.PlanProfessional
	got, err := c.UpdateTenant(context.Background(), "t_1", &domain.TenantPatch{Plan: &plan, ExpectedVersion: 3, UpdatedBy: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
}

func TestUpdateTenant_TakenSubdomainIsConflict(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acme", body["subdomain"])
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"23505"}`)
	})

	taken := "acme"
	_, err := c.UpdateTenant(context.Background(), "t_2", &domain.TenantPatch{Subdomain: &taken, ExpectedVersion: 1})
	var cf *domain.ErrConflict
	require.ErrorAs(t, err, &cf)
	assert.Contains(t, cf.Message, "acme")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "conflicts are not retried")
}

func TestUpdateTenant_StaleVersionIsConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			writeRows(w, []tenantRow{})
		case http.MethodGet:
			writeRows(w, []tenantRow{{TenantID: "t_1", Version: 5}})
		}
	})

	plan := domain.PlanBasic
	_, err := c.UpdateTenant(context.Background(), "t_1", &domain.TenantPatch{Plan: &plan, ExpectedVersion: 3})
	var vc *domain.ErrVersionConflict
	require.ErrorAs(t, err, &vc)
	assert.Equal(t, int64(3), vc.Expected)
}

func TestUpdateTenant_UnpinnedReadsCurrentVersion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeRows(w, []tenantRow{{TenantID: "t_1", Version: 7}})
		case http.MethodPatch:
			assert.Equal(t, "eq.7", r.URL.Query().Get("version"))
			writeRows(w, []tenantRow{{TenantID: "t_1", Status: "suspended", Version: 8}})
		}
	})

	st := domain.TenantSuspended
	got, err := c.UpdateTenant(context.Background(), "t_1", &domain.TenantPatch{Status: &st})
	require.NoError(t, err)
	assert.Equal(t, domain.TenantSuspended, got.Status)
}

func TestListSubscriptions_StatusFilter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "in.(authorized,paused)", r.URL.Query().Get("status"))
		writeRows(w, []subscriptionRow{{ID: "s1", Status: "authorized"}, {ID: "s2", Status: "paused"}})
	})

	subs, err := c.ListSubscriptions(context.Background(), domain.SubscriptionFilter{
		Statuses: []domain.SubscriptionStatus{domain.SubscriptionAuthorized, domain.SubscriptionPaused},
	})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, domain.SubscriptionPaused, subs[1].Status)
}

func TestSaveWebhookEvent_Upserts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "processor,event_id", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=merge-duplicates")
		w.WriteHeader(http.StatusCreated)
	})

	err := c.SaveWebhookEvent(context.Background(), &domain.WebhookEvent{
		Processor: domain.ProcessorPolar, EventID: "evt_1", Outcome: domain.OutcomeProcessed, ReceivedAt: fixedNow,
	})
	assert.NoError(t, err)
}

func TestCount_Assets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/assets", r.URL.Path)
		_, _ = io.WriteString(w, `[{"id":"a1"},{"id":"a2"}]`)
	})

	n, err := c.Count(context.Background(), "t_1", domain.ResourceAssets)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
