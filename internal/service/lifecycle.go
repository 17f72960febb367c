package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

// Transition is what a reconciliation step did to the tenant.
type Transition string

const (
	TransitionNone      Transition = "none"
	TransitionMarked    Transition = "marked"
	TransitionSuspended Transition = "suspended"
	TransitionRestored  Transition = "restored"
)

func (t Transition) reason() string {
	switch t {
	case TransitionMarked:
		return "subscription updated"
	case TransitionSuspended:
		return "tenant suspended"
	case TransitionRestored:
		return "tenant restored"
	}
	return "no state change"
}

// entitling are the subscription states that grant the tenant its plan.
var entitling = []domain.SubscriptionStatus{domain.SubscriptionActive, domain.SubscriptionAuthorized}

// transition converges sub onto a provider status. The caller holds the
// subscription lock. ev is nil when the status comes from a poll.
func (r *Reconciler) transition(ctx context.Context, sub *domain.Subscription, status domain.NormalizedStatus, ev *domain.PaymentEvent, source string) (Transition, error) {
	now := r.now().UTC()
	patch := &domain.SubscriptionPatch{}
	if ev != nil && ev.EventID != "" {
		at := ev.OccurredAt
		if at.IsZero() {
			at = now
		}
		patch.LastEventID = &ev.EventID
		patch.LastEventAt = &at
	}

	var (
		next   domain.SubscriptionStatus
		reason string
	)
	switch status {
	case domain.StatusAuthorized:
		restore := sub.Status == domain.SubscriptionPaused || sub.Status == domain.SubscriptionPaymentFailed
		if !restore {
			lapsed, err := r.tenantLapsed(ctx, sub)
			if err != nil {
				return TransitionNone, err
			}
			restore = lapsed
		}
		if restore {
			outcome, err := r.activate(ctx, sub, ev, source)
			if err != nil {
				return TransitionNone, err
			}
			if outcome == "tenant restored" {
				return TransitionRestored, nil
			}
			return TransitionMarked, nil
		}
		return TransitionNone, r.touch(ctx, sub.ID, patch)
	case domain.StatusPaused:
		next, reason = domain.SubscriptionPaused, domain.ReasonSubscriptionPaused
		patch.SuspendedAt = &now
	case domain.StatusPaymentFailed:
		next, reason = domain.SubscriptionPaymentFailed, domain.ReasonPaymentFailed
		patch.SuspendedAt = &now
	case domain.StatusCancelled:
		next, reason = domain.SubscriptionCancelled, domain.ReasonSubscriptionCancelled
		patch.CancelledAt = &now
	default:
		return TransitionNone, r.touch(ctx, sub.ID, patch)
	}

	if sub.Status == next {
		return TransitionNone, r.touch(ctx, sub.ID, patch)
	}

	// Tenant first: if the subscription write below fails, a retry or the
	// next poll still sees the old status and converges.
	result := TransitionMarked
	if sub.TenantID != "" && sub.ActivatedAt != nil {
		replaced, err := r.hasOtherEntitling(ctx, sub)
		if err != nil {
			return TransitionNone, err
		}
		if !replaced {
			suspended, err := r.SuspendTenant(ctx, sub.TenantID, reason, source)
			if err != nil {
				return TransitionNone, err
			}
			if suspended {
				result = TransitionSuspended
			}
		}
	}

	patch.Status = &next
	if _, err := r.store.UpdateSubscription(ctx, sub.ID, patch); err != nil {
		return TransitionNone, fmt.Errorf("update subscription: %w", err)
	}
	r.logger.Info("subscription status changed",
		zap.String("subscription_id", sub.ID),
		zap.String("tenant_id", sub.TenantID),
		zap.String("from", string(sub.Status)),
		zap.String("to", string(next)),
		zap.String("source", source),
	)
	return result, nil
}

// hasOtherEntitling reports whether the tenant holds another subscription
// that grants its plan. A subscription that never granted the plan, or one
// replaced by a newer one, does not take the tenant down with it.
func (r *Reconciler) hasOtherEntitling(ctx context.Context, sub *domain.Subscription) (bool, error) {
	others, err := r.store.ListSubscriptions(ctx, domain.SubscriptionFilter{TenantID: sub.TenantID, Statuses: entitling})
	if err != nil {
		return false, fmt.Errorf("list tenant subscriptions: %w", err)
	}
	for _, o := range others {
		if o.ID != sub.ID {
			return true, nil
		}
	}
	return false, nil
}

// tenantLapsed reports whether sub already granted its plan but the tenant
// is no longer active, e.g. suspended by the expiry sweep while the
// provider kept charging.
func (r *Reconciler) tenantLapsed(ctx context.Context, sub *domain.Subscription) (bool, error) {
	if sub.TenantID == "" || sub.ActivatedAt == nil {
		return false, nil
	}
	t, err := r.directory.GetByTenantID(ctx, sub.TenantID)
	if domain.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load tenant %s: %w", sub.TenantID, err)
	}
	return t.Status != domain.TenantActive, nil
}

func (r *Reconciler) touch(ctx context.Context, id string, patch *domain.SubscriptionPatch) error {
	if patch.LastEventID == nil {
		return nil
	}
	_, err := r.store.UpdateSubscription(ctx, id, patch)
	return err
}

// SuspendTenant moves an active tenant to suspended, remembering the plan
// it is leaving. A tenant that is already suspended keeps its original
// PreviousPlan. Reports whether anything changed.
func (r *Reconciler) SuspendTenant(ctx context.Context, tenantID, reason, source string) (bool, error) {
	now := r.now().UTC()
	changed := false
	_, err := r.directory.Mutate(ctx, tenantID, source, func(t *domain.Tenant) error {
		changed = false
		if t.Status != domain.TenantActive {
			return ErrNoChange
		}
		t.PreviousPlan = t.Plan
		t.Plan = domain.PlanSuspended
		t.Status = domain.TenantSuspended
		t.SuspendedAt = &now
		t.SuspensionReason = reason
		changed = true
		return nil
	})
	if domain.IsNotFound(err) {
		r.inconsistency("suspend: tenant missing", zap.String("tenant_id", tenantID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("suspend tenant %s: %w", tenantID, err)
	}
	if changed {
		r.metrics.IncrLifecycle("suspend", source)
		r.logger.Info("tenant suspended",
			zap.String("tenant_id", tenantID),
			zap.String("reason", reason),
			zap.String("source", source),
		)
	}
	return changed, nil
}

// activate grants sub's plan to its tenant, provisioning one when the payer
// is new. The caller holds the subscription lock.
func (r *Reconciler) activate(ctx context.Context, sub *domain.Subscription, ev *domain.PaymentEvent, source string) (string, error) {
	plan := sub.PlanID
	if ev != nil && ev.PlanID.IsPaid() {
		plan = ev.PlanID
	}
	if !plan.IsPaid() {
		return "", &domain.ErrValidation{Field: "plan", Message: fmt.Sprintf("subscription %s has no purchasable plan", sub.ID)}
	}
	freq := sub.Frequency
	if ev != nil && ev.Frequency != "" {
		freq = ev.Frequency
	}
	if freq == "" {
		freq = domain.FrequencyMonthly
	}
	amount := sub.Amount
	if amount == 0 && ev != nil {
		amount = ev.Amount
	}

	tenantID, provisioned, err := r.resolveTenant(ctx, sub, plan)
	if err != nil {
		return "", err
	}

	others, err := r.store.ListSubscriptions(ctx, domain.SubscriptionFilter{
		TenantID: tenantID,
		Statuses: []domain.SubscriptionStatus{
			domain.SubscriptionActive, domain.SubscriptionAuthorized,
			domain.SubscriptionPaused, domain.SubscriptionPaymentFailed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("list tenant subscriptions: %w", err)
	}
	for _, o := range others {
		if o.ID != sub.ID && o.CreatedAt.After(sub.CreatedAt) &&
			(o.Status == domain.SubscriptionActive || o.Status == domain.SubscriptionAuthorized) {
			r.supersede(ctx, sub, tenantID)
			return "superseded by newer subscription", nil
		}
	}

	now := r.now().UTC()
	expires := domain.PeriodEnd(now, freq)
	if ev != nil && ev.NextBillingAt != nil && ev.NextBillingAt.After(now) {
		expires = ev.NextBillingAt.UTC()
	}
	renewal := ev != nil && ev.Category == domain.EventPaymentConfirmed && ev.EventID != sub.LastEventID

	var (
		changed     bool
		restored    bool
		planChanged bool
	)
	_, err = r.directory.Mutate(ctx, tenantID, source, func(t *domain.Tenant) error {
		changed, restored, planChanged = false, false, false
		alreadyOn := t.Status == domain.TenantActive && t.Plan == plan
		if alreadyOn && !renewal && t.SubscriptionExpiresAt != nil {
			return ErrNoChange
		}
		restored = t.Status != domain.TenantActive
		planChanged = !restored && t.Plan != plan

		t.Status = domain.TenantActive
		t.Plan = plan
		t.ApplyLimits(plan)
		t.PreviousPlan = domain.PlanNone
		t.SuspendedAt = nil
		t.SuspensionReason = ""
		if t.SubscriptionExpiresAt == nil || t.SubscriptionExpiresAt.Before(expires) {
			t.SubscriptionExpiresAt = &expires
		}
		t.SubscriptionAmount = amount
		t.SubscriptionFrequency = freq
		changed = true
		return nil
	})
	if domain.IsNotFound(err) {
		r.inconsistency("activate: subscription points at missing tenant",
			zap.String("subscription_id", sub.ID),
			zap.String("tenant_id", tenantID),
		)
		return "internal inconsistency", nil
	}
	if err != nil {
		return "", fmt.Errorf("activate tenant %s: %w", tenantID, err)
	}

	active := domain.SubscriptionActive
	patch := &domain.SubscriptionPatch{
		Status:    &active,
		TenantID:  &tenantID,
		PlanID:    &plan,
		Frequency: &freq,
	}
	if sub.ActivatedAt == nil {
		patch.ActivatedAt = &now
	}
	if ev != nil && ev.EventID != "" {
		at := ev.OccurredAt
		if at.IsZero() {
			at = now
		}
		patch.LastEventID = &ev.EventID
		patch.LastEventAt = &at
	}
	if _, err := r.store.UpdateSubscription(ctx, sub.ID, patch); err != nil {
		return "", fmt.Errorf("activate subscription: %w", err)
	}

	for _, o := range others {
		if o.ID != sub.ID && !o.CreatedAt.After(sub.CreatedAt) {
			r.supersede(ctx, o, tenantID)
		}
	}

	log := r.logger.With(
		zap.String("subscription_id", sub.ID),
		zap.String("tenant_id", tenantID),
		zap.String("plan", string(plan)),
		zap.String("source", source),
	)
	switch {
	case provisioned:
		r.metrics.IncrLifecycle("provision", source)
		log.Info("tenant provisioned from subscription")
		return "tenant provisioned", nil
	case !changed && sub.Status == domain.SubscriptionActive && sub.PlanID == plan:
		return "already active", nil
	case restored:
		r.metrics.IncrLifecycle("restore", source)
		log.Info("tenant restored")
		return "tenant restored", nil
	case planChanged:
		r.metrics.IncrLifecycle("plan_change", source)
		log.Info("tenant plan changed")
		return "plan changed", nil
	}
	r.metrics.IncrLifecycle("activate", source)
	log.Info("subscription activated")
	return "subscription activated", nil
}

// resolveTenant finds the tenant a subscription belongs to: the linked
// tenant, the tenant named in the external reference, the payer's existing
// admin user, or a freshly provisioned tenant.
func (r *Reconciler) resolveTenant(ctx context.Context, sub *domain.Subscription, plan domain.Plan) (string, bool, error) {
	if sub.TenantID != "" {
		return sub.TenantID, false, nil
	}
	if hint, ok := domain.ParseExternalReference(sub.ExternalReference); ok && hint.TenantID != "" {
		_, err := r.directory.GetByTenantID(ctx, hint.TenantID)
		if err == nil {
			return hint.TenantID, false, nil
		}
		if !domain.IsNotFound(err) {
			return "", false, err
		}
		r.logger.Warn("external reference names a missing tenant",
			zap.String("subscription_id", sub.ID),
			zap.String("tenant_id", hint.TenantID),
		)
	}
	if email := domain.NormalizeEmail(sub.PayerEmail); email != "" {
		u, err := r.store.GetUserByEmail(ctx, email)
		if err == nil {
			return u.TenantID, false, nil
		}
		if !domain.IsNotFound(err) {
			return "", false, fmt.Errorf("find payer user: %w", err)
		}
	}
	return r.provision(ctx, sub, plan)
}

// supersede cancels an older subscription locally. The provider side is left
// to expire or to the customer.
func (r *Reconciler) supersede(ctx context.Context, old *domain.Subscription, tenantID string) {
	now := r.now().UTC()
	cancelled := domain.SubscriptionCancelled
	reason := domain.CancelReasonSuperseded
	if _, err := r.store.UpdateSubscription(ctx, old.ID, &domain.SubscriptionPatch{
		Status:       &cancelled,
		CancelReason: &reason,
		CancelledAt:  &now,
	}); err != nil {
		r.logger.Warn("supersede failed",
			zap.String("subscription_id", old.ID),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return
	}
	r.metrics.IncrLifecycle("supersede", SourceWebhook)
	r.logger.Info("subscription superseded",
		zap.String("subscription_id", old.ID),
		zap.String("tenant_id", tenantID),
	)
}

func (r *Reconciler) inconsistency(msg string, fields ...zap.Field) {
	r.metrics.IncrInconsistency()
	r.logger.Error("internal inconsistency",
		append(fields, zap.Error(&domain.ErrInconsistency{Message: msg}))...,
	)
}
