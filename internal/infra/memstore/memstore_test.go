package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/memstore"
	"github.com/boddenberg/cmms-billing-go/internal/infra/storetest"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) port.Store { return memstore.New() })
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, &domain.Tenant{TenantID: "t_1", Subdomain: "a", Plan: domain.PlanBasic, Status: domain.TenantActive})
	require.NoError(t, err)

	got, err := s.GetTenantByID(ctx, "t_1")
	require.NoError(t, err)
	got.Plan = domain.PlanEnterprise

	again, err := s.GetTenantByID(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanBasic, again.Plan)
}

func TestStore_Usage(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	s.SetUsage("t_1", domain.ResourceAssets, 7)
	_, err := s.CreateUser(ctx, &domain.AdminUser{TenantID: "t_1", Email: "a@b.c", Role: domain.RoleUser})
	require.NoError(t, err)

	n, err := s.Count(ctx, "t_1", domain.ResourceAssets)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = s.Count(ctx, "t_1", domain.ResourceUsers)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
