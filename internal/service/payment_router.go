package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
	"github.com/boddenberg/cmms-billing-go/internal/infra/resilience"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

var routerTracer = otel.Tracer("service/payment_router")

// RouterConfig holds the routing policy.
type RouterConfig struct {
	// RegionalCountry is the ISO country served by the regional processor.
	RegionalCountry string
	// RegionalMaxAmount is the USD ceiling above which even regional
	// customers are sent to the international processor. 0 disables it.
	RegionalMaxAmount float64
	// SuccessURL is where providers send the payer after checkout.
	SuccessURL string
	// LocalRetry governs the local follow-up of a provider cancellation.
	LocalRetry resilience.Config
}

// PaymentRouter picks a processor for each checkout and fronts
// subscription reads and cancellation.
type PaymentRouter struct {
	store      port.SubscriptionStore
	directory  *TenantDirectory
	processors Processors
	reconciler *Reconciler
	cfg        RouterConfig
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewPaymentRouter wires the router.
func NewPaymentRouter(
	store port.SubscriptionStore,
	directory *TenantDirectory,
	processors Processors,
	reconciler *Reconciler,
	cfg RouterConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *PaymentRouter {
	if cfg.RegionalCountry == "" {
		cfg.RegionalCountry = "AR"
	}
	return &PaymentRouter{
		store:      store,
		directory:  directory,
		processors: processors,
		reconciler: reconciler,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// SelectProcessor is the routing rule: the regional processor iff the
// country matches and the amount fits under the ceiling, otherwise the
// international merchant of record. Deterministic for equal inputs.
func (r *PaymentRouter) SelectProcessor(country string, amount float64) domain.Processor {
	if !strings.EqualFold(strings.TrimSpace(country), r.cfg.RegionalCountry) {
		return domain.ProcessorPolar
	}
	if r.cfg.RegionalMaxAmount > 0 && amount > r.cfg.RegionalMaxAmount {
		return domain.ProcessorPolar
	}
	return domain.ProcessorMercadoPago
}

// ============================================================
// CreateUnifiedCheckout: POST /v1/billing/checkout
// ============================================================

func (r *PaymentRouter) CreateUnifiedCheckout(ctx context.Context, req *domain.CheckoutRequest) (*domain.CheckoutResponse, error) {
	ctx, span := routerTracer.Start(ctx, "PaymentRouter.CreateUnifiedCheckout")
	defer span.End()

	start := time.Now()
	defer func() {
		r.metrics.RecordRequestDuration("checkout", time.Since(start))
	}()

	plan, ok := domain.ParsePlan(req.PlanID)
	if !ok || !plan.IsPaid() {
		return nil, &domain.ErrValidation{Field: "planId", Message: "must be one of basic, professional, enterprise"}
	}
	def, _ := domain.LookupPlan(plan)

	freq := domain.FrequencyMonthly
	if req.BillingCycle != "" {
		if freq, ok = domain.ParseFrequency(req.BillingCycle); !ok {
			return nil, &domain.ErrValidation{Field: "billingCycle", Message: "must be monthly or annual"}
		}
	}

	email := domain.NormalizeEmail(req.PayerEmail)
	if email == "" || !strings.Contains(email, "@") {
		return nil, &domain.ErrValidation{Field: "payerEmail", Message: "a valid email is required"}
	}
	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if len(country) != 2 {
		return nil, &domain.ErrValidation{Field: "country", Message: "ISO 3166-1 alpha-2 code required"}
	}

	if req.TenantID != "" {
		if _, err := r.directory.GetByTenantID(ctx, req.TenantID); err != nil {
			return nil, err
		}
	}

	amount := def.Price(freq)
	processor := r.SelectProcessor(country, amount)
	span.SetAttributes(attribute.String("processor", string(processor)), attribute.String("plan", string(plan)))

	adapter, err := r.processors.Get(processor)
	if err != nil {
		return nil, err
	}

	ref := domain.ExternalReference{
		Plan:      plan,
		Frequency: freq,
		TenantID:  req.TenantID,
		Nonce:     strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	}.String()

	sub, err := r.store.CreateSubscription(ctx, &domain.Subscription{
		ID:                uuid.NewString(),
		ExternalReference: ref,
		Processor:         processor,
		TenantID:          req.TenantID,
		PlanID:            plan,
		PayerEmail:        email,
		PayerName:         strings.TrimSpace(req.PayerName),
		Country:           country,
		Status:            domain.SubscriptionPending,
		Amount:            amount,
		Currency:          def.Currency,
		Frequency:         freq,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	session, err := adapter.CreateCheckout(ctx, &domain.CheckoutParams{
		Plan:              def,
		Frequency:         freq,
		Amount:            amount,
		Currency:          def.Currency,
		PayerEmail:        email,
		PayerName:         sub.PayerName,
		ExternalReference: ref,
		SuccessURL:        r.cfg.SuccessURL,
	})
	if err != nil {
		r.abandonCheckout(ctx, sub.ID)
		return nil, err
	}

	if session.ProviderRef != "" {
		providerRef := session.ProviderRef
		if _, err := r.store.UpdateSubscription(ctx, sub.ID, &domain.SubscriptionPatch{ProviderSubscriptionID: &providerRef}); err != nil {
			// The notification still finds it by external reference.
			r.logger.Warn("could not link provider id to checkout",
				zap.String("subscription_id", sub.ID),
				zap.Error(err),
			)
		}
	}

	r.metrics.IncrCheckout(string(processor))
	r.logger.Info("checkout created",
		zap.String("subscription_id", sub.ID),
		zap.String("processor", string(processor)),
		zap.String("plan", string(plan)),
		zap.String("country", country),
		zap.Float64("amount", amount),
	)

	return &domain.CheckoutResponse{
		CheckoutURL:       session.CheckoutURL,
		Processor:         processor,
		ExternalReference: ref,
		SubscriptionID:    sub.ID,
	}, nil
}

func (r *PaymentRouter) abandonCheckout(ctx context.Context, id string) {
	cancelled := domain.SubscriptionCancelled
	reason := "checkout_failed"
	if _, err := r.store.UpdateSubscription(ctx, id, &domain.SubscriptionPatch{Status: &cancelled, CancelReason: &reason}); err != nil {
		r.logger.Warn("could not close failed checkout", zap.String("subscription_id", id), zap.Error(err))
	}
}

// ============================================================
// GetSubscription: GET /v1/billing/subscriptions/{processor}/{id}
// ============================================================

// GetSubscription returns the local record plus the live provider status.
// An unreachable provider yields status unknown rather than an error.
func (r *PaymentRouter) GetSubscription(ctx context.Context, processor domain.Processor, subscriptionID string) (*domain.SubscriptionView, error) {
	ctx, span := routerTracer.Start(ctx, "PaymentRouter.GetSubscription")
	defer span.End()

	sub, err := r.subscriptionFor(ctx, processor, subscriptionID)
	if err != nil {
		return nil, err
	}
	view := &domain.SubscriptionView{Subscription: sub, ProviderStatus: domain.StatusUnknown}
	if sub.ProviderSubscriptionID == "" {
		return view, nil
	}

	adapter, err := r.processors.Get(processor)
	if err != nil {
		return nil, err
	}
	status, err := adapter.GetSubscriptionStatus(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		r.metrics.IncrExternalError(string(processor))
		r.logger.Warn("provider status unavailable",
			zap.String("subscription_id", sub.ID),
			zap.String("processor", string(processor)),
			zap.Error(err),
		)
		return view, nil
	}
	view.ProviderStatus = status
	return view, nil
}

// ============================================================
// CancelSubscription: DELETE /v1/billing/subscriptions/{processor}/{id}
// ============================================================

// CancelSubscription cancels at the provider, then downgrades the tenant
// locally. When the local step keeps failing the subscription stays
// non-cancelled and ErrReconciliationPending is returned; the monitor's
// provider poll finishes the job.
func (r *PaymentRouter) CancelSubscription(ctx context.Context, processor domain.Processor, subscriptionID, by string) (*domain.Subscription, error) {
	ctx, span := routerTracer.Start(ctx, "PaymentRouter.CancelSubscription")
	defer span.End()
	span.SetAttributes(attribute.String("subscription.id", subscriptionID))

	sub, err := r.subscriptionFor(ctx, processor, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.SubscriptionCancelled {
		return sub, nil
	}

	if sub.ProviderSubscriptionID != "" {
		adapter, err := r.processors.Get(processor)
		if err != nil {
			return nil, err
		}
		res, err := adapter.Cancel(ctx, sub.ProviderSubscriptionID)
		if err != nil {
			r.metrics.IncrExternalError(string(processor))
			return nil, err
		}
		if !res.Success {
			return nil, &domain.ErrExternalService{
				Service: string(processor),
				Err:     fmt.Errorf("provider refused cancellation (status %s)", res.NormalizedReason),
			}
		}
	}

	var out *domain.Subscription
	err = resilience.RetryWithBackoff(ctx, r.cfg.LocalRetry, func() error {
		var lerr error
		out, lerr = r.reconciler.CancelLocally(ctx, sub.ID, SourceRouter)
		if domain.IsNotFound(lerr) {
			return resilience.Permanent(lerr)
		}
		return lerr
	})
	if err != nil {
		r.logger.Error("local cancellation pending",
			zap.String("subscription_id", sub.ID),
			zap.String("tenant_id", sub.TenantID),
			zap.Error(err),
		)
		return nil, &domain.ErrReconciliationPending{SubscriptionID: sub.ID, Err: err}
	}

	r.metrics.IncrLifecycle("cancel", SourceRouter)
	r.logger.Info("subscription cancelled",
		zap.String("subscription_id", sub.ID),
		zap.String("tenant_id", sub.TenantID),
		zap.String("by", by),
	)
	return out, nil
}

func (r *PaymentRouter) subscriptionFor(ctx context.Context, processor domain.Processor, id string) (*domain.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Processor != processor {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: id}
	}
	return sub, nil
}
