package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

var monitorTracer = otel.Tracer("service/monitor")

// MonitorConfig holds the sweep cadence and limits.
type MonitorConfig struct {
	PollInterval   time.Duration // subscription re-poll, default 1h
	ExpiryInterval time.Duration // expiry sweep, default 6h
	Concurrency    int           // parallel provider polls, default 4
	CallTimeout    time.Duration // per provider call, default 10s
}

func (c *MonitorConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Hour
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = 6 * time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// Monitor is the safety net for lost or out-of-order notifications: it
// suspends expired tenants and re-polls providers for tracked subscriptions.
type Monitor struct {
	store      port.Store
	usage      port.UsageCounter
	directory  *TenantDirectory
	reconciler *Reconciler
	processors Processors
	cfg        MonitorConfig
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	lastSweep *domain.SweepReport
}

// NewMonitor wires the monitor.
func NewMonitor(
	store port.Store,
	usage port.UsageCounter,
	directory *TenantDirectory,
	reconciler *Reconciler,
	processors Processors,
	cfg MonitorConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Monitor {
	cfg.defaults()
	return &Monitor{
		store:      store,
		usage:      usage,
		directory:  directory,
		reconciler: reconciler,
		processors: processors,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Start runs both sweeps on independent tickers until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx, "subscription_poll", m.cfg.PollInterval, m.PollSubscriptions)
	go m.loop(ctx, "expiry", m.cfg.ExpiryInterval, m.SweepExpired)
}

func (m *Monitor) loop(ctx context.Context, name string, every time.Duration, sweep func(context.Context) (*domain.SweepReport, error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	m.logger.Info("monitor loop started", zap.String("sweep", name), zap.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor loop stopped", zap.String("sweep", name))
			return
		case <-ticker.C:
			if _, err := sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
			}
		}
	}
}

// RunOnce runs the expiry sweep then the provider poll and returns the
// combined report. Used by the sweep command and the admin endpoint.
func (m *Monitor) RunOnce(ctx context.Context) (*domain.SweepReport, error) {
	ctx, span := monitorTracer.Start(ctx, "Monitor.RunOnce")
	defer span.End()

	report := &domain.SweepReport{}
	expired, err := m.SweepExpired(ctx)
	report.Merge(expired)
	if err != nil {
		return report, err
	}
	polled, err := m.PollSubscriptions(ctx)
	report.Merge(polled)
	return report, err
}

// ============================================================
// Expiry sweep
// ============================================================

// SweepExpired suspends active tenants whose paid period has lapsed.
func (m *Monitor) SweepExpired(ctx context.Context) (*domain.SweepReport, error) {
	ctx, span := monitorTracer.Start(ctx, "Monitor.SweepExpired")
	defer span.End()

	start := m.now()
	report := &domain.SweepReport{StartedAt: start.UTC()}
	defer func() {
		report.FinishedAt = m.now().UTC()
		m.metrics.RecordSweep("expiry", time.Since(start))
		m.remember(report)
	}()

	now := start.UTC()
	tenants, err := m.directory.ListActive(ctx, domain.TenantFilter{ExpiresBefore: &now})
	if err != nil {
		return report, fmt.Errorf("list expired tenants: %w", err)
	}

	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		suspended, err := m.reconciler.SuspendTenant(ctx, t.TenantID, domain.ReasonSubscriptionExpired, SourceExpiry)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", t.TenantID, err))
			m.logger.Warn("expiry suspension failed", zap.String("tenant_id", t.TenantID), zap.Error(err))
			continue
		}
		if suspended {
			report.ExpiredSuspended++
		}
	}

	m.logger.Info("expiry sweep finished",
		zap.Int("candidates", len(tenants)),
		zap.Int("suspended", report.ExpiredSuspended),
	)
	return report, nil
}

// ============================================================
// Provider poll
// ============================================================

// PollSubscriptions re-reads every tracked subscription from its provider
// with bounded concurrency. A provider error or timeout leaves the
// subscription untouched.
func (m *Monitor) PollSubscriptions(ctx context.Context) (*domain.SweepReport, error) {
	ctx, span := monitorTracer.Start(ctx, "Monitor.PollSubscriptions")
	defer span.End()

	start := m.now()
	report := &domain.SweepReport{StartedAt: start.UTC()}
	defer func() {
		report.FinishedAt = m.now().UTC()
		m.metrics.RecordSweep("subscription_poll", time.Since(start))
		m.remember(report)
	}()

	subs, err := m.store.ListSubscriptions(ctx, domain.SubscriptionFilter{
		Statuses: []domain.SubscriptionStatus{
			domain.SubscriptionAuthorized, domain.SubscriptionActive,
			domain.SubscriptionPaused, domain.SubscriptionPaymentFailed,
		},
	})
	if err != nil {
		return report, fmt.Errorf("list tracked subscriptions: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, sub := range subs {
		if sub.ProviderSubscriptionID == "" {
			continue
		}
		g.Go(func() error {
			t, err := m.poll(gctx, sub)

			mu.Lock()
			defer mu.Unlock()
			report.SubscriptionsPolled++
			switch {
			case err != nil:
				report.ProviderErrors++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sub.ID, err))
			case t == TransitionSuspended:
				report.Suspended++
			case t == TransitionRestored:
				report.Restored++
			}
			// One bad subscription must not stop the sweep.
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("subscription poll finished",
		zap.Int("polled", report.SubscriptionsPolled),
		zap.Int("suspended", report.Suspended),
		zap.Int("restored", report.Restored),
		zap.Int("provider_errors", report.ProviderErrors),
	)
	return report, ctx.Err()
}

func (m *Monitor) poll(ctx context.Context, sub *domain.Subscription) (Transition, error) {
	adapter, err := m.processors.Get(sub.Processor)
	if err != nil {
		return TransitionNone, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	status, err := adapter.GetSubscriptionStatus(callCtx, sub.ProviderSubscriptionID)
	cancel()
	if err != nil {
		m.metrics.IncrExternalError(string(sub.Processor))
		m.logger.Warn("provider poll failed, leaving subscription as is",
			zap.String("subscription_id", sub.ID),
			zap.String("processor", string(sub.Processor)),
			zap.Error(err),
		)
		return TransitionNone, err
	}
	return m.reconciler.ApplyProviderStatus(ctx, sub.ID, status, SourceMonitor)
}

// RecheckSubscription polls one subscription on demand.
func (m *Monitor) RecheckSubscription(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	ctx, span := monitorTracer.Start(ctx, "Monitor.RecheckSubscription")
	defer span.End()
	span.SetAttributes(attribute.String("subscription.id", subscriptionID))

	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.ProviderSubscriptionID == "" {
		return nil, &domain.ErrValidation{Field: "subscriptionId", Message: "subscription has no provider id yet"}
	}
	if _, err := m.poll(ctx, sub); err != nil {
		return nil, err
	}
	return m.store.GetSubscription(ctx, subscriptionID)
}

// ============================================================
// Stats
// ============================================================

// RefreshTenantStats recounts a tenant's resources into its advisory stats.
func (m *Monitor) RefreshTenantStats(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	ctx, span := monitorTracer.Start(ctx, "Monitor.RefreshTenantStats")
	defer span.End()

	stats := domain.TenantStats{}
	counts := []struct {
		r   domain.Resource
		dst *int
	}{
		{domain.ResourceUsers, &stats.Users},
		{domain.ResourceAssets, &stats.Assets},
		{domain.ResourceWorkOrders, &stats.WorkOrders},
	}
	for _, c := range counts {
		n, err := m.usage.Count(ctx, tenantID, c.r)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", c.r, err)
		}
		*c.dst = n
	}
	now := m.now().UTC()
	stats.RefreshedAt = &now

	return m.directory.Update(ctx, tenantID, &domain.TenantPatch{Stats: &stats, UpdatedBy: SourceMonitor})
}

// Stats aggregates tenant and subscription counts for the admin dashboard.
func (m *Monitor) Stats(ctx context.Context) (*domain.MonitoringStats, error) {
	ctx, span := monitorTracer.Start(ctx, "Monitor.Stats")
	defer span.End()

	tenants, err := m.directory.List(ctx, domain.TenantFilter{})
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	subs, err := m.store.ListSubscriptions(ctx, domain.SubscriptionFilter{})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	now := m.now().UTC()
	soon := now.Add(7 * 24 * time.Hour)
	out := &domain.MonitoringStats{
		TenantsByStatus:       map[domain.TenantStatus]int{},
		TenantsByPlan:         map[domain.Plan]int{},
		SubscriptionsByStatus: map[domain.SubscriptionStatus]int{},
		GeneratedAt:           now,
	}
	for _, t := range tenants {
		out.TenantsByStatus[t.Status]++
		out.TenantsByPlan[t.Plan]++
		if t.Status != domain.TenantActive || t.SubscriptionExpiresAt == nil {
			continue
		}
		switch exp := *t.SubscriptionExpiresAt; {
		case exp.Before(now):
			out.Expired++
		case exp.Before(soon):
			out.ExpiringWithin7Days++
		}
	}
	for _, s := range subs {
		out.SubscriptionsByStatus[s.Status]++
	}

	m.mu.Lock()
	if m.lastSweep != nil {
		c := *m.lastSweep
		c.Errors = append([]string(nil), m.lastSweep.Errors...)
		out.LastSweep = &c
	}
	m.mu.Unlock()
	return out, nil
}

func (m *Monitor) remember(r *domain.SweepReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	m.lastSweep = &c
}
