package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

var reconcilerTracer = otel.Tracer("service/reconciler")

// Sources recorded in UpdatedBy and lifecycle metrics.
const (
	SourceWebhook    = "webhook"
	SourceMonitor    = "monitor"
	SourceExpiry     = "expiry_sweep"
	SourceRouter     = "router"
	SourceOnboarding = "onboarding"
	SourceAdmin      = "admin"
)

const (
	subscriptionLock = 30 * time.Second
	provisioningLock = time.Minute
)

// Reconciler folds provider notifications into subscription and tenant
// state. It is the only component that moves a tenant between plans.
type Reconciler struct {
	store      port.Store
	directory  *TenantDirectory
	processors Processors
	locker     port.Locker
	mailer     port.Mailer
	loginURL   string
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewReconciler wires the reconciler.
func NewReconciler(
	store port.Store,
	directory *TenantDirectory,
	processors Processors,
	locker port.Locker,
	mailer port.Mailer,
	loginURL string,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		store:      store,
		directory:  directory,
		processors: processors,
		locker:     locker,
		mailer:     mailer,
		loginURL:   loginURL,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// ============================================================
// HandleWebhook: POST /webhooks/{processor}
// ============================================================

// HandleWebhook verifies, de-duplicates and applies one provider
// notification. It never fails: problems are logged, counted and reported
// in the ack so the provider always gets a 200.
func (r *Reconciler) HandleWebhook(ctx context.Context, processor domain.Processor, headers http.Header, body []byte) domain.WebhookAck {
	ctx, span := reconcilerTracer.Start(ctx, "Reconciler.HandleWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("processor", string(processor)))

	start := r.now()
	adapter, err := r.processors.Get(processor)
	if err != nil {
		r.metrics.RecordWebhook(string(processor), "unknown", domain.OutcomeIgnored, time.Since(start))
		return domain.WebhookAck{Processed: false, Reason: "unsupported processor"}
	}

	ev, err := adapter.ParseWebhook(ctx, headers, body)
	if err != nil {
		r.logger.Warn("webhook rejected",
			zap.String("processor", string(processor)),
			zap.Error(err),
		)
		r.metrics.RecordWebhook(string(processor), "invalid", domain.OutcomeFailed, time.Since(start))
		return domain.WebhookAck{Processed: false, Reason: "invalid notification"}
	}
	span.SetAttributes(
		attribute.String("event.id", ev.EventID),
		attribute.String("event.category", string(ev.Category)),
	)

	log := r.logger.With(
		zap.String("processor", string(processor)),
		zap.String("event_id", ev.EventID),
		zap.String("category", string(ev.Category)),
		zap.String("provider_ref", ev.ProviderRef),
	)

	if ev.EventID != "" {
		prior, err := r.store.GetWebhookEvent(ctx, processor, ev.EventID)
		switch {
		case err == nil && prior.Done():
			log.Debug("duplicate webhook short-circuited")
			r.metrics.RecordWebhook(string(processor), string(ev.Category), "duplicate", time.Since(start))
			return domain.WebhookAck{Processed: true, Reason: "duplicate"}
		case err != nil && !domain.IsNotFound(err):
			log.Warn("webhook ledger read failed, processing anyway", zap.Error(err))
		}
	}

	record := &domain.WebhookEvent{
		Processor:   processor,
		EventID:     ev.EventID,
		Category:    ev.Category,
		ProviderRef: ev.ProviderRef,
		ReceivedAt:  start.UTC(),
	}

	var (
		reason   string
		applyErr error
	)
	if ev.Category == domain.EventIgnored {
		reason = ev.IgnoreReason
		if reason == "" {
			reason = "ignored"
		}
		record.Outcome = domain.OutcomeIgnored
	} else {
		reason, applyErr = r.apply(ctx, ev)
		record.Outcome = domain.OutcomeProcessed
		if applyErr != nil {
			record.Outcome = domain.OutcomeFailed
			record.Error = applyErr.Error()
		}
	}

	processedAt := r.now().UTC()
	record.ProcessedAt = &processedAt
	if ev.EventID != "" {
		if err := r.store.SaveWebhookEvent(ctx, record); err != nil {
			log.Warn("webhook ledger write failed", zap.Error(err))
		}
	}
	r.metrics.RecordWebhook(string(processor), string(ev.Category), record.Outcome, time.Since(start))

	if applyErr != nil {
		log.Error("webhook processing failed", zap.Error(applyErr))
		return domain.WebhookAck{Processed: false, Reason: "processing failed"}
	}
	log.Info("webhook handled", zap.String("outcome", record.Outcome), zap.String("reason", reason))
	return domain.WebhookAck{Processed: record.Outcome == domain.OutcomeProcessed, Reason: reason}
}

// apply routes a normalized event to one of the two named paths.
func (r *Reconciler) apply(ctx context.Context, ev *domain.PaymentEvent) (string, error) {
	sub, err := r.lookup(ctx, ev)
	if err != nil {
		return "", err
	}
	if sub == nil {
		if ev.Successful() {
			return r.ReconcileFromPayment(ctx, ev)
		}
		r.logger.Info("notification for unknown subscription ignored",
			zap.String("processor", string(ev.Processor)),
			zap.String("provider_ref", ev.ProviderRef),
			zap.String("category", string(ev.Category)),
		)
		return "unknown subscription", nil
	}
	return r.ReconcileFromKnownSubscription(ctx, sub, ev)
}

// lookup resolves the local subscription: provider id, then external
// reference, then the payer's latest subscription on the same processor.
// Returns nil, nil when nothing matches.
func (r *Reconciler) lookup(ctx context.Context, ev *domain.PaymentEvent) (*domain.Subscription, error) {
	if ev.ProviderRef != "" {
		sub, err := r.store.FindSubscriptionByProviderID(ctx, ev.Processor, ev.ProviderRef)
		if err == nil {
			return sub, nil
		}
		if !domain.IsNotFound(err) {
			return nil, fmt.Errorf("find by provider id: %w", err)
		}
	}
	if ev.ExternalReference != "" {
		sub, err := r.store.FindSubscriptionByExternalReference(ctx, ev.ExternalReference)
		if err == nil {
			return sub, nil
		}
		if !domain.IsNotFound(err) {
			return nil, fmt.Errorf("find by external reference: %w", err)
		}
	}
	if email := domain.NormalizeEmail(ev.PayerEmail); email != "" {
		sub, err := r.store.FindLatestSubscriptionByEmail(ctx, email)
		if err == nil && sub.Processor == ev.Processor && sub.Status != domain.SubscriptionCancelled &&
			(sub.ProviderSubscriptionID == "" || sub.ProviderSubscriptionID == ev.ProviderRef) {
			return sub, nil
		}
		if err != nil && !domain.IsNotFound(err) {
			return nil, fmt.Errorf("find by payer email: %w", err)
		}
	}
	return nil, nil
}

// ============================================================
// ReconcileFromKnownSubscription
// ============================================================

// ReconcileFromKnownSubscription applies an event to a subscription that
// already exists locally.
func (r *Reconciler) ReconcileFromKnownSubscription(ctx context.Context, sub *domain.Subscription, ev *domain.PaymentEvent) (string, error) {
	ctx, span := reconcilerTracer.Start(ctx, "Reconciler.ReconcileFromKnownSubscription")
	defer span.End()
	span.SetAttributes(attribute.String("subscription.id", sub.ID))

	unlock, err := r.locker.Lock(ctx, subscriptionKey(sub.ID), subscriptionLock)
	if err != nil {
		return "", fmt.Errorf("lock subscription: %w", err)
	}
	defer unlock()

	// Re-read under the lock; the caller's copy may predate a concurrent delivery.
	sub, err = r.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		return "", err
	}

	if sub.Status == domain.SubscriptionCancelled {
		return "subscription already cancelled", nil
	}
	if sub.LastEventAt != nil && !ev.OccurredAt.IsZero() && ev.OccurredAt.Before(*sub.LastEventAt) {
		r.logger.Info("stale notification ignored",
			zap.String("subscription_id", sub.ID),
			zap.Time("occurred_at", ev.OccurredAt),
			zap.Time("last_event_at", *sub.LastEventAt),
		)
		return "stale event", nil
	}

	if ev.ProviderRef != "" && sub.ProviderSubscriptionID == "" {
		ref := ev.ProviderRef
		if sub, err = r.store.UpdateSubscription(ctx, sub.ID, &domain.SubscriptionPatch{ProviderSubscriptionID: &ref}); err != nil {
			return "", fmt.Errorf("link provider id: %w", err)
		}
	}

	if ev.Successful() {
		return r.activate(ctx, sub, ev, SourceWebhook)
	}
	t, err := r.transition(ctx, sub, eventStatus(ev), ev, SourceWebhook)
	if err != nil {
		return "", err
	}
	return t.reason(), nil
}

// eventStatus maps a non-successful event to the provider status it implies.
func eventStatus(ev *domain.PaymentEvent) domain.NormalizedStatus {
	switch ev.Category {
	case domain.EventSubscriptionCancelled:
		return domain.StatusCancelled
	case domain.EventPaymentFailed:
		return domain.StatusPaymentFailed
	case domain.EventPaymentConfirmed:
		return domain.StatusAuthorized
	}
	if ev.Status == "" {
		return domain.StatusUnknown
	}
	return ev.Status
}

// ============================================================
// ReconcileFromPayment: recovery path
// ============================================================

// ReconcileFromPayment handles a successful payment that matches no local
// subscription (lost checkout record, checkout created out of band). A
// subscription is synthesized from the event and the structured reference
// hints, flagged Synthesized, and then activated like any other.
func (r *Reconciler) ReconcileFromPayment(ctx context.Context, ev *domain.PaymentEvent) (string, error) {
	ctx, span := reconcilerTracer.Start(ctx, "Reconciler.ReconcileFromPayment")
	defer span.End()

	hint, hasHint := domain.ParseExternalReference(ev.ExternalReference)

	plan := ev.PlanID
	if !plan.IsPaid() && hasHint {
		plan = hint.Plan
	}
	if !plan.IsPaid() {
		r.logger.Warn("unattributable payment: no plan",
			zap.String("processor", string(ev.Processor)),
			zap.String("event_id", ev.EventID),
			zap.String("provider_ref", ev.ProviderRef),
		)
		return "payment without plan", nil
	}

	freq := ev.Frequency
	if freq == "" && hasHint {
		freq = hint.Frequency
	}
	if freq == "" {
		freq = domain.FrequencyMonthly
	}

	email := domain.NormalizeEmail(ev.PayerEmail)
	tenantID := hint.TenantID
	if email == "" && tenantID != "" {
		if t, err := r.directory.GetByTenantID(ctx, tenantID); err == nil {
			email = domain.NormalizeEmail(t.OwnerEmail)
		}
	}
	if email == "" && tenantID == "" {
		r.logger.Warn("unattributable payment: no payer",
			zap.String("processor", string(ev.Processor)),
			zap.String("event_id", ev.EventID),
		)
		return "payment without payer", nil
	}

	extRef := ev.ExternalReference
	if extRef == "" {
		extRef = domain.ExternalReference{Plan: plan, Frequency: freq, TenantID: tenantID, Nonce: "syn-" + uuid.NewString()[:8]}.String()
	}
	amount := ev.Amount
	if amount == 0 {
		if def, ok := domain.LookupPlan(plan); ok {
			amount = def.Price(freq)
		}
	}

	sub, err := r.store.CreateSubscription(ctx, &domain.Subscription{
		ID:                     uuid.NewString(),
		ExternalReference:      extRef,
		Processor:              ev.Processor,
		ProviderSubscriptionID: ev.ProviderRef,
		TenantID:               tenantID,
		PlanID:                 plan,
		PayerEmail:             email,
		PayerName:              ev.PayerName,
		Status:                 domain.SubscriptionPending,
		Amount:                 amount,
		Currency:               ev.Currency,
		Frequency:              freq,
		Synthesized:            true,
		CreatedAt:              r.now().UTC(),
	})
	if domain.IsConflict(err) {
		// A concurrent delivery synthesized it first.
		existing, ferr := r.store.FindSubscriptionByExternalReference(ctx, extRef)
		if ferr != nil {
			return "", ferr
		}
		return r.ReconcileFromKnownSubscription(ctx, existing, ev)
	}
	if err != nil {
		return "", fmt.Errorf("synthesize subscription: %w", err)
	}

	r.logger.Warn("subscription synthesized from payment",
		zap.String("subscription_id", sub.ID),
		zap.String("processor", string(ev.Processor)),
		zap.String("provider_ref", ev.ProviderRef),
		zap.String("payer_email", email),
		zap.String("plan", string(plan)),
	)
	r.metrics.IncrLifecycle("synthesize", SourceWebhook)

	return r.ReconcileFromKnownSubscription(ctx, sub, ev)
}

func subscriptionKey(id string) string { return "subscription:" + id }

// ============================================================
// ApplyProviderStatus / CancelLocally: used by Monitor and Router
// ============================================================

// ApplyProviderStatus converges a subscription onto a polled provider status.
func (r *Reconciler) ApplyProviderStatus(ctx context.Context, subscriptionID string, status domain.NormalizedStatus, source string) (Transition, error) {
	ctx, span := reconcilerTracer.Start(ctx, "Reconciler.ApplyProviderStatus")
	defer span.End()
	span.SetAttributes(attribute.String("subscription.id", subscriptionID), attribute.String("status", string(status)))

	unlock, err := r.locker.Lock(ctx, subscriptionKey(subscriptionID), subscriptionLock)
	if err != nil {
		return TransitionNone, fmt.Errorf("lock subscription: %w", err)
	}
	defer unlock()

	sub, err := r.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return TransitionNone, err
	}
	if sub.Status == domain.SubscriptionCancelled {
		return TransitionNone, nil
	}
	return r.transition(ctx, sub, status, nil, source)
}

// CancelLocally marks a subscription cancelled and suspends its tenant.
func (r *Reconciler) CancelLocally(ctx context.Context, subscriptionID, source string) (*domain.Subscription, error) {
	if _, err := r.ApplyProviderStatus(ctx, subscriptionID, domain.StatusCancelled, source); err != nil {
		return nil, err
	}
	return r.store.GetSubscription(ctx, subscriptionID)
}
