package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

var entitlementTracer = otel.Tracer("service/entitlement")

// Remediation targets returned to clients with a refusal.
const (
	RedirectOnboarding = "/onboarding"
	RedirectPlans      = "/billing/plans"
	RedirectBilling    = "/billing"
)

// EvaluateEntitlement decides whether t may use plan-gated features at now.
// The checks run in a fixed order so the code is stable for a given tenant.
func EvaluateEntitlement(t *domain.Tenant, now time.Time) *domain.Entitlement {
	if t == nil {
		return &domain.Entitlement{
			Code:       domain.CodeNoTenantAssigned,
			Message:    "no tenant is assigned to this account",
			RedirectTo: RedirectOnboarding,
		}
	}

	e := &domain.Entitlement{Plan: t.Plan, Limits: t.Limits()}
	if t.SubscriptionExpiresAt != nil {
		days := int(math.Ceil(t.SubscriptionExpiresAt.Sub(now).Hours() / 24))
		if days < 0 {
			days = 0
		}
		e.DaysLeft = &days
	}

	switch {
	case t.Status != domain.TenantActive:
		e.Code = domain.CodeTenantInactive
		e.Message = fmt.Sprintf("tenant is %s", t.Status)
		if t.SuspensionReason != "" {
			e.Message += ": " + t.SuspensionReason
		}
		e.RedirectTo = RedirectBilling
	case !t.Plan.IsPaid():
		e.Code = domain.CodeInvalidPlan
		e.Message = "a paid plan is required"
		e.RedirectTo = RedirectPlans
	case t.SubscriptionExpiresAt != nil && t.SubscriptionExpiresAt.Before(now):
		e.Code = domain.CodeSubscriptionExpired
		e.Message = "subscription expired on " + t.SubscriptionExpiresAt.UTC().Format("2006-01-02")
		e.RedirectTo = RedirectBilling
	default:
		e.Allowed = true
	}
	return e
}

// CheckLimit fails with *domain.ErrLimitExceeded when current has reached
// the tenant's ceiling for r. A zero ceiling is unlimited.
func CheckLimit(t *domain.Tenant, r domain.Resource, current int) error {
	limit := t.Limits().Limit(r)
	if limit > 0 && current >= limit {
		return &domain.ErrLimitExceeded{LimitType: string(r), Limit: limit, Current: current}
	}
	return nil
}

// EntitlementService applies the gate and the resource limits with live
// usage counts.
type EntitlementService struct {
	usage   port.UsageCounter
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewEntitlementService wires the gate.
func NewEntitlementService(usage port.UsageCounter, metrics *observability.Metrics, logger *zap.Logger) *EntitlementService {
	return &EntitlementService{usage: usage, metrics: metrics, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (s *EntitlementService) WithClock(now func() time.Time) *EntitlementService {
	s.now = now
	return s
}

// Evaluate reports the tenant's entitlement without failing.
func (s *EntitlementService) Evaluate(t *domain.Tenant) *domain.Entitlement {
	return EvaluateEntitlement(t, s.now())
}

// Gate returns *domain.ErrEntitlement when t may not use gated features.
func (s *EntitlementService) Gate(t *domain.Tenant) error {
	e := EvaluateEntitlement(t, s.now())
	if e.Allowed {
		return nil
	}
	s.metrics.IncrEntitlementDenied(string(e.Code))
	tenantID := ""
	if t != nil {
		tenantID = t.TenantID
	}
	s.logger.Debug("entitlement denied",
		zap.String("tenant_id", tenantID),
		zap.String("code", string(e.Code)),
	)
	return &domain.ErrEntitlement{Code: e.Code, Message: e.Message, RedirectTo: e.RedirectTo}
}

// CheckResourceLimit counts r live and compares it with the tenant's plan
// ceiling. The result is returned even when the limit is reached, together
// with *domain.ErrLimitExceeded.
func (s *EntitlementService) CheckResourceLimit(ctx context.Context, t *domain.Tenant, r domain.Resource) (*domain.LimitCheck, error) {
	ctx, span := entitlementTracer.Start(ctx, "EntitlementService.CheckResourceLimit")
	defer span.End()

	current, err := s.usage.Count(ctx, t.TenantID, r)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", r, err)
	}
	check := &domain.LimitCheck{
		Resource: r,
		Current:  current,
		Limit:    t.Limits().Limit(r),
		Allowed:  true,
	}
	if err := CheckLimit(t, r, current); err != nil {
		check.Allowed = false
		return check, err
	}
	return check, nil
}
