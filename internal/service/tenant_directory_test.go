package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/service"
)

func TestTenantDirectory_CachesReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t_1", "acme", domain.PlanBasic)

	first, err := f.dir.GetByTenantID(ctx, "t_1")
	require.NoError(t, err)
	second, err := f.dir.GetByTenantID(ctx, "t_1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 0.5, f.metrics.CacheHitRate("tenant"))

	// Callers get copies; editing one never leaks into the cache.
	second.Plan = domain.PlanEnterprise
	third, err := f.dir.GetByTenantID(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanBasic, third.Plan)
}

func TestTenantDirectory_StalenessBoundedByTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t_1", "acme", domain.PlanBasic)

	_, err := f.dir.GetByTenantID(ctx, "t_1")
	require.NoError(t, err)

	// Another process writes straight to the shared store.
	plan := domain.PlanProfessional
	_, err = f.mem.UpdateTenant(ctx, "t_1", &domain.TenantPatch{Plan: &plan})
	require.NoError(t, err)

	cached, err := f.dir.GetByTenantID(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanBasic, cached.Plan)

	f.clock.Advance(f.cacheTTL + time.Second)
	fresh, err := f.dir.GetByTenantID(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanProfessional, fresh.Plan)
}

func TestTenantDirectory_MutateInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t_1", "acme", domain.PlanBasic)
	_, err := f.dir.GetByTenantID(ctx, "t_1")
	require.NoError(t, err)

	updated, err := f.dir.Mutate(ctx, "t_1", "admin", func(tn *domain.Tenant) error {
		tn.Plan = domain.PlanEnterprise
		tn.ApplyLimits(domain.PlanEnterprise)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "admin", updated.UpdatedBy)

	got, err := f.dir.GetByTenantID(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanEnterprise, got.Plan)
	assert.Equal(t, domain.LimitsFor(domain.PlanEnterprise), got.Limits())
}

func TestTenantDirectory_MutateRetriesLostVersionRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t_1", "acme", domain.PlanBasic)

	calls := 0
	updated, err := f.dir.Mutate(ctx, "t_1", "webhook", func(tn *domain.Tenant) error {
		calls++
		if calls == 1 {
			// A writer that does not hold the lock gets in first.
			name := "Acme Renamed"
			_, err := f.mem.UpdateTenant(ctx, "t_1", &domain.TenantPatch{Name: &name})
			require.NoError(t, err)
		}
		tn.Plan = domain.PlanProfessional
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, domain.PlanProfessional, updated.Plan)
	assert.Equal(t, "Acme Renamed", updated.Name, "the concurrent write is not lost")
	assert.Equal(t, int64(3), updated.Version)
}

func TestTenantDirectory_MutateNoChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seeded := f.seedTenant(t, "t_1", "acme", domain.PlanBasic)

	got, err := f.dir.Mutate(ctx, "t_1", "monitor", func(*domain.Tenant) error { return service.ErrNoChange })
	require.NoError(t, err)
	assert.Equal(t, seeded.Version, got.Version)

	got, err = f.dir.Mutate(ctx, "t_1", "monitor", func(tn *domain.Tenant) error {
		tn.Plan = domain.PlanBasic
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, seeded.Version, got.Version, "an identical record is not written")

	boom := errors.New("boom")
	_, err = f.dir.Mutate(ctx, "t_1", "monitor", func(*domain.Tenant) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = f.dir.Mutate(ctx, "t_missing", "monitor", func(*domain.Tenant) error { return nil })
	assert.True(t, domain.IsNotFound(err))
}

func TestTenantDirectory_CreateAndAllocate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.dir.AllocateSubdomain(ctx, "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", sub)

	created, err := f.dir.Create(ctx, &domain.Tenant{Subdomain: sub, Name: "Acme Corp", Plan: domain.PlanFree}, "admin")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.TenantID, "t_"))
	assert.Equal(t, domain.TenantActive, created.Status)
	assert.Equal(t, int64(1), created.Version)

	next, err := f.dir.AllocateSubdomain(ctx, "ACME corp!")
	require.NoError(t, err)
	assert.Equal(t, "acme-corp-2", next)

	_, err = f.dir.Create(ctx, &domain.Tenant{Subdomain: "acme-corp", Name: "dup"}, "admin")
	assert.True(t, domain.IsConflict(err))

	_, err = f.dir.Create(ctx, &domain.Tenant{Subdomain: "Not A Label"}, "admin")
	var verr *domain.ErrValidation
	assert.ErrorAs(t, err, &verr)

	bySub, err := f.dir.GetBySubdomain(ctx, "ACME-CORP")
	require.NoError(t, err)
	assert.Equal(t, created.TenantID, bySub.TenantID)
}

func TestTenantDirectory_ChangeSubdomain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t_1", "acme", domain.PlanBasic)
	f.seedTenant(t, "t_2", "globex", domain.PlanBasic)

	_, err := f.dir.GetByTenantID(ctx, "t_2") // warm the cache
	require.NoError(t, err)

	_, err = f.dir.ChangeSubdomain(ctx, "t_2", "acme", "admin")
	assert.True(t, domain.IsConflict(err), "got %v", err)

	_, err = f.dir.ChangeSubdomain(ctx, "t_2", "not a label", "admin")
	var verr *domain.ErrValidation
	assert.ErrorAs(t, err, &verr)

	moved, err := f.dir.ChangeSubdomain(ctx, "t_2", " Initech ", "admin")
	require.NoError(t, err)
	assert.Equal(t, "initech", moved.Subdomain)

	cached, err := f.dir.GetByTenantID(ctx, "t_2")
	require.NoError(t, err)
	assert.Equal(t, "initech", cached.Subdomain)

	_, err = f.dir.GetBySubdomain(ctx, "globex")
	assert.True(t, domain.IsNotFound(err))

	same, err := f.dir.ChangeSubdomain(ctx, "t_2", "initech", "admin")
	require.NoError(t, err)
	assert.Equal(t, moved.Version, same.Version)
}

func TestTenantDirectory_ListActiveByExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenant(t, "t_1", "acme", domain.PlanBasic)
	f.seedTenant(t, "t_2", "globex", domain.PlanBasic)
	past := f.clock.Now().Add(-time.Second)
	_, err := f.mem.UpdateTenant(ctx, "t_2", &domain.TenantPatch{SubscriptionExpiresAt: &past})
	require.NoError(t, err)

	now := f.clock.Now()
	got, err := f.dir.ListActive(ctx, domain.TenantFilter{ExpiresBefore: &now})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t_2", got[0].TenantID)
}
