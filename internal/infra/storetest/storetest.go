// Package storetest holds behaviour tests shared by every port.Store implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

// Run executes the suite against a fresh store from newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) port.Store) {
	t.Run("TenantCRUD", func(t *testing.T) { testTenantCRUD(t, newStore(t)) })
	t.Run("TenantDuplicateSubdomain", func(t *testing.T) { testTenantDuplicateSubdomain(t, newStore(t)) })
	t.Run("TenantVersionConflict", func(t *testing.T) { testTenantVersionConflict(t, newStore(t)) })
	t.Run("TenantList", func(t *testing.T) { testTenantList(t, newStore(t)) })
	t.Run("SubscriptionLookups", func(t *testing.T) { testSubscriptionLookups(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("WebhookLedger", func(t *testing.T) { testWebhookLedger(t, newStore(t)) })
}

func newTenant(id, sub string) *domain.Tenant {
	t := &domain.Tenant{
		TenantID:  id,
		Subdomain: sub,
		Name:      "Plant " + sub,
		Plan:      domain.PlanBasic,
		Status:    domain.TenantActive,
	}
	t.ApplyLimits(domain.PlanBasic)
	return t
}

func testTenantCRUD(t *testing.T, s port.Store) {
	ctx := context.Background()

	created, err := s.CreateTenant(ctx, newTenant("t_1", "acme"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	got, err := s.GetTenantByID(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Subdomain)
	assert.Equal(t, domain.PlanBasic, got.Plan)

	bySub, err := s.GetTenantBySubdomain(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "t_1", bySub.TenantID)

	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	plan := domain.PlanProfessional
	updated, err := s.UpdateTenant(ctx, "t_1", &domain.TenantPatch{Plan: &plan, SubscriptionExpiresAt: &exp, UpdatedBy: "test"})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanProfessional, updated.Plan)
	assert.Equal(t, "Plant acme", updated.Name, "omitted fields are untouched")
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "test", updated.UpdatedBy)
	require.NotNil(t, updated.SubscriptionExpiresAt)
	assert.True(t, exp.Equal(*updated.SubscriptionExpiresAt))

	updated, err = s.UpdateTenant(ctx, "t_1", &domain.TenantPatch{ClearExpiresAt: true})
	require.NoError(t, err)
	assert.Nil(t, updated.SubscriptionExpiresAt)

	_, err = s.GetTenantByID(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))

	_, err = s.UpdateTenant(ctx, "missing", &domain.TenantPatch{Plan: &plan})
	assert.True(t, domain.IsNotFound(err))
}

func testTenantDuplicateSubdomain(t *testing.T, s port.Store) {
	ctx := context.Background()
	_, err := s.CreateTenant(ctx, newTenant("t_1", "acme"))
	require.NoError(t, err)

	_, err = s.CreateTenant(ctx, newTenant("t_2", "acme"))
	assert.True(t, domain.IsConflict(err), "got %v", err)

	_, err = s.CreateTenant(ctx, newTenant("t_2", "globex"))
	require.NoError(t, err)

	taken := "acme"
	_, err = s.UpdateTenant(ctx, "t_2", &domain.TenantPatch{Subdomain: &taken})
	assert.True(t, domain.IsConflict(err), "got %v", err)
	unchanged, err := s.GetTenantByID(ctx, "t_2")
	require.NoError(t, err)
	assert.Equal(t, "globex", unchanged.Subdomain)
	assert.Equal(t, int64(1), unchanged.Version)

	free := "initech"
	moved, err := s.UpdateTenant(ctx, "t_2", &domain.TenantPatch{Subdomain: &free})
	require.NoError(t, err)
	assert.Equal(t, "initech", moved.Subdomain)

	bySub, err := s.GetTenantBySubdomain(ctx, "initech")
	require.NoError(t, err)
	assert.Equal(t, "t_2", bySub.TenantID)
	_, err = s.GetTenantBySubdomain(ctx, "globex")
	assert.True(t, domain.IsNotFound(err), "old subdomain is released")
}

func testTenantVersionConflict(t *testing.T, s port.Store) {
	ctx := context.Background()
	_, err := s.CreateTenant(ctx, newTenant("t_1", "acme"))
	require.NoError(t, err)

	status := domain.TenantSuspended
	_, err = s.UpdateTenant(ctx, "t_1", &domain.TenantPatch{Status: &status, ExpectedVersion: 1})
	require.NoError(t, err)

	_, err = s.UpdateTenant(ctx, "t_1", &domain.TenantPatch{Status: &status, ExpectedVersion: 1})
	var vc *domain.ErrVersionConflict
	assert.ErrorAs(t, err, &vc)
}

func testTenantList(t *testing.T, s port.Store) {
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	expired := newTenant("t_1", "one")
	expired.SubscriptionExpiresAt = &past
	_, err := s.CreateTenant(ctx, expired)
	require.NoError(t, err)
	_, err = s.CreateTenant(ctx, newTenant("t_2", "two"))
	require.NoError(t, err)
	suspended := newTenant("t_3", "three")
	suspended.Status = domain.TenantSuspended
	_, err = s.CreateTenant(ctx, suspended)
	require.NoError(t, err)

	active, err := s.ListTenants(ctx, domain.TenantFilter{Status: domain.TenantActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	now := time.Now()
	due, err := s.ListTenants(ctx, domain.TenantFilter{Status: domain.TenantActive, ExpiresBefore: &now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t_1", due[0].TenantID)
}

func testSubscriptionLookups(t *testing.T, s port.Store) {
	ctx := context.Background()

	first, err := s.CreateSubscription(ctx, &domain.Subscription{
		ExternalReference: "cmms|basic|monthly|new|a",
		Processor:         domain.ProcessorPolar,
		PlanID:            domain.PlanBasic,
		PayerEmail:        "Owner@Acme.io",
		Status:            domain.SubscriptionPending,
		Amount:            49,
		Currency:          "USD",
		Frequency:         domain.FrequencyMonthly,
		CreatedAt:         time.Now().Add(-time.Hour).UTC(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := s.CreateSubscription(ctx, &domain.Subscription{
		ExternalReference: "cmms|professional|monthly|new|b",
		Processor:         domain.ProcessorMercadoPago,
		PlanID:            domain.PlanProfessional,
		PayerEmail:        "owner@acme.io",
		Status:            domain.SubscriptionPending,
		Frequency:         domain.FrequencyMonthly,
		CreatedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)

	_, err = s.CreateSubscription(ctx, &domain.Subscription{ExternalReference: "cmms|basic|monthly|new|a", Processor: domain.ProcessorPolar})
	assert.True(t, domain.IsConflict(err))

	byRef, err := s.FindSubscriptionByExternalReference(ctx, "cmms|basic|monthly|new|a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byRef.ID)

	latest, err := s.FindLatestSubscriptionByEmail(ctx, "OWNER@acme.io")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	providerID := "sub_123"
	status := domain.SubscriptionActive
	activated := time.Now().UTC()
	updated, err := s.UpdateSubscription(ctx, first.ID, &domain.SubscriptionPatch{
		ProviderSubscriptionID: &providerID,
		Status:                 &status,
		ActivatedAt:            &activated,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionActive, updated.Status)
	require.NotNil(t, updated.ActivatedAt)

	byProvider, err := s.FindSubscriptionByProviderID(ctx, domain.ProcessorPolar, "sub_123")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byProvider.ID)

	_, err = s.FindSubscriptionByProviderID(ctx, domain.ProcessorMercadoPago, "sub_123")
	assert.True(t, domain.IsNotFound(err), "provider ids are scoped by processor")

	tracked, err := s.ListSubscriptions(ctx, domain.SubscriptionFilter{Statuses: []domain.SubscriptionStatus{domain.SubscriptionActive}})
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, first.ID, tracked[0].ID)
}

func testUsers(t *testing.T, s port.Store) {
	ctx := context.Background()

	u, err := s.CreateUser(ctx, &domain.AdminUser{TenantID: "t_1", Email: "Admin@Acme.io", PasswordHash: "x", Role: domain.RoleAdmin, MustChangePassword: true})
	require.NoError(t, err)
	assert.Equal(t, "admin@acme.io", u.Email)

	_, err = s.CreateUser(ctx, &domain.AdminUser{TenantID: "t_2", Email: "admin@acme.io", Role: domain.RoleAdmin})
	assert.True(t, domain.IsConflict(err))

	got, err := s.GetUserByEmail(ctx, "ADMIN@acme.io")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.True(t, got.MustChangePassword)
	assert.Equal(t, domain.RoleAdmin, got.Role)

	byID, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "t_1", byID.TenantID)

	n, err := s.CountUsersByTenant(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetUserByEmail(ctx, "nobody@acme.io")
	assert.True(t, domain.IsNotFound(err))
}

func testWebhookLedger(t *testing.T, s port.Store) {
	ctx := context.Background()

	_, err := s.GetWebhookEvent(ctx, domain.ProcessorPolar, "evt_1")
	assert.True(t, domain.IsNotFound(err))

	ev := &domain.WebhookEvent{
		Processor:  domain.ProcessorPolar,
		EventID:    "evt_1",
		Category:   domain.EventPaymentConfirmed,
		ReceivedAt: time.Now().UTC(),
		Outcome:    domain.OutcomeFailed,
		Error:      "boom",
	}
	require.NoError(t, s.SaveWebhookEvent(ctx, ev))

	processed := time.Now().UTC()
	ev.ProcessedAt = &processed
	ev.Outcome = domain.OutcomeProcessed
	ev.Error = ""
	require.NoError(t, s.SaveWebhookEvent(ctx, ev), "save is an upsert")

	got, err := s.GetWebhookEvent(ctx, domain.ProcessorPolar, "evt_1")
	require.NoError(t, err)
	assert.True(t, got.Done())
	assert.Empty(t, got.Error)

	_, err = s.GetWebhookEvent(ctx, domain.ProcessorMercadoPago, "evt_1")
	assert.True(t, domain.IsNotFound(err))
}
