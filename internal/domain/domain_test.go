package domain_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

func TestExternalReference_RoundTrip(t *testing.T) {
	ref := domain.ExternalReference{Plan: domain.PlanProfessional, Frequency: domain.FrequencyAnnual, TenantID: "t_01", Nonce: "abc"}
	s := ref.String()
	assert.Equal(t, "cmms|professional|annual|t_01|abc", s)

	parsed, ok := domain.ParseExternalReference(s)
	require.True(t, ok)
	assert.Equal(t, ref, parsed)
}

func TestExternalReference_NewTenant(t *testing.T) {
	ref := domain.ExternalReference{Plan: domain.PlanBasic, Frequency: domain.FrequencyMonthly, Nonce: "n"}
	assert.Equal(t, "cmms|basic|monthly|new|n", ref.String())

	parsed, ok := domain.ParseExternalReference(ref.String())
	require.True(t, ok)
	assert.Empty(t, parsed.TenantID)
}

func TestParseExternalReference_Rejects(t *testing.T) {
	for _, s := range []string{"", "order-123", "cmms|gold|monthly|new|n", "cmms|basic|weekly|new|n", "x|basic|monthly|new|n"} {
		_, ok := domain.ParseExternalReference(s)
		assert.False(t, ok, s)
	}
}

func TestLimitsFor_UnknownPlanIsMostRestrictive(t *testing.T) {
	unknown := domain.LimitsFor(domain.Plan("gold"))
	basic := domain.LimitsFor(domain.PlanBasic)
	assert.Less(t, unknown.MaxUsers, basic.MaxUsers)
	assert.Equal(t, unknown, domain.LimitsFor(domain.PlanSuspended))
	assert.Equal(t, domain.PlanLimits{}, domain.LimitsFor(domain.PlanEnterprise))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "acme-plant-3", domain.Slugify("  ACME Plant #3 "))
	assert.Equal(t, "maria-lopez", domain.Slugify("Maria.Lopez@example.com"))
	assert.Equal(t, "tenant", domain.Slugify("***"))

	long := domain.Slugify(strings.Repeat("a", 100))
	assert.True(t, domain.ValidSubdomain(long+"-999"))
}

func TestValidSubdomain(t *testing.T) {
	assert.True(t, domain.ValidSubdomain("plant-1"))
	assert.False(t, domain.ValidSubdomain("-plant"))
	assert.False(t, domain.ValidSubdomain("plant-"))
	assert.False(t, domain.ValidSubdomain("Plant"))
	assert.False(t, domain.ValidSubdomain(strings.Repeat("a", 64)))
}

func TestTenantPatch_OmittedFieldsUntouched(t *testing.T) {
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tenant := &domain.Tenant{Name: "Acme", Plan: domain.PlanBasic, Status: domain.TenantActive, SubscriptionExpiresAt: &exp}

	plan := domain.PlanProfessional
	(&domain.TenantPatch{Plan: &plan}).Apply(tenant)

	assert.Equal(t, "Acme", tenant.Name)
	assert.Equal(t, domain.PlanProfessional, tenant.Plan)
	require.NotNil(t, tenant.SubscriptionExpiresAt)
	assert.True(t, exp.Equal(*tenant.SubscriptionExpiresAt))
}

func TestDiff_ClearsSuspensionBookkeeping(t *testing.T) {
	now := time.Now()
	before := &domain.Tenant{Plan: domain.PlanSuspended, Status: domain.TenantSuspended, PreviousPlan: domain.PlanBasic, SuspendedAt: &now, SuspensionReason: domain.ReasonPaymentFailed}
	after := before.Clone()
	after.Plan, after.Status = domain.PlanBasic, domain.TenantActive
	after.PreviousPlan, after.SuspendedAt, after.SuspensionReason = domain.PlanNone, nil, ""

	patch := domain.Diff(before, after)
	assert.True(t, patch.ClearSuspension)

	patch.Apply(before)
	assert.Equal(t, domain.TenantActive, before.Status)
	assert.Nil(t, before.SuspendedAt)
	assert.Empty(t, before.PreviousPlan)
}

func TestDiff_NoChangesIsEmpty(t *testing.T) {
	tenant := &domain.Tenant{Name: "x", Plan: domain.PlanBasic}
	assert.True(t, domain.Diff(tenant, tenant.Clone()).IsEmpty())
}

func TestPaymentEvent_Successful(t *testing.T) {
	assert.True(t, (&domain.PaymentEvent{Category: domain.EventPaymentConfirmed}).Successful())
	assert.True(t, (&domain.PaymentEvent{Category: domain.EventSubscriptionUpdated, Status: domain.StatusAuthorized}).Successful())
	assert.False(t, (&domain.PaymentEvent{Category: domain.EventSubscriptionUpdated, Status: domain.StatusPaused}).Successful())
	assert.False(t, (&domain.PaymentEvent{Category: domain.EventPaymentFailed}).Successful())
}

func TestWebhookEvent_FailedIsNotDone(t *testing.T) {
	now := time.Now()
	assert.False(t, (&domain.WebhookEvent{ProcessedAt: &now, Outcome: domain.OutcomeFailed}).Done())
	assert.True(t, (&domain.WebhookEvent{ProcessedAt: &now, Outcome: domain.OutcomeProcessed}).Done())
	assert.False(t, (&domain.WebhookEvent{Outcome: domain.OutcomeProcessed}).Done())
}

func TestPeriodEnd(t *testing.T) {
	from := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC), domain.PeriodEnd(from, domain.FrequencyMonthly))
	assert.Equal(t, time.Date(2027, 3, 15, 0, 0, 0, 0, time.UTC), domain.PeriodEnd(from, domain.FrequencyAnnual))
}
