package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the billing service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	externalErrors    *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	webhookEvents     *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	lifecycleActions  *prometheus.CounterVec
	entitlementDenied *prometheus.CounterVec
	inconsistencies   prometheus.Counter
	checkouts         *prometheus.CounterVec
	sweepDuration     *prometheus.HistogramVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_request_duration_seconds",
				Help:    "Duration of requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_external_errors_total",
				Help: "Total errors from payment providers and backing services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		webhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Webhook notifications by processor, category and outcome.",
			},
			[]string{"processor", "category", "outcome"},
		),
		webhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_webhook_duration_seconds",
				Help:    "Time spent handling a webhook notification.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"processor"},
		),
		lifecycleActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_tenant_lifecycle_total",
				Help: "Tenant lifecycle transitions by action and source.",
			},
			[]string{"action", "source"},
		),
		entitlementDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_entitlement_denied_total",
				Help: "Requests refused by the entitlement gate, by code.",
			},
			[]string{"code"},
		),
		inconsistencies: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_internal_inconsistencies_total",
				Help: "Subscriptions pointing at missing tenants and similar anomalies.",
			},
		),
		checkouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_checkouts_total",
				Help: "Checkout sessions created, by processor.",
			},
			[]string{"processor"},
		),
		sweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_sweep_duration_seconds",
				Help:    "Duration of monitoring sweeps.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"sweep"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordWebhook counts one notification and observes its handling time.
func (m *Metrics) RecordWebhook(processor, category, outcome string, d time.Duration) {
	m.webhookEvents.WithLabelValues(processor, category, outcome).Inc()
	m.webhookDuration.WithLabelValues(processor).Observe(d.Seconds())
}

// IncrLifecycle counts a tenant transition (provisioned, plan_changed, suspended, restored).
func (m *Metrics) IncrLifecycle(action, source string) {
	m.lifecycleActions.WithLabelValues(action, source).Inc()
}

// IncrEntitlementDenied counts a gate refusal.
func (m *Metrics) IncrEntitlementDenied(code string) {
	m.entitlementDenied.WithLabelValues(code).Inc()
}

// IncrInconsistency counts an internal inconsistency.
func (m *Metrics) IncrInconsistency() {
	m.inconsistencies.Inc()
}

// IncrCheckout counts a created checkout.
func (m *Metrics) IncrCheckout(processor string) {
	m.checkouts.WithLabelValues(processor).Inc()
}

// RecordSweep observes a monitoring sweep.
func (m *Metrics) RecordSweep(sweep string, d time.Duration) {
	m.sweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

// WebhookCount returns the cumulative count for one label combination.
func (m *Metrics) WebhookCount(processor, category, outcome string) float64 {
	return getCounterValue(m.webhookEvents.WithLabelValues(processor, category, outcome))
}

// LifecycleCount returns the cumulative count for one action/source pair.
func (m *Metrics) LifecycleCount(action, source string) float64 {
	return getCounterValue(m.lifecycleActions.WithLabelValues(action, source))
}

// InconsistencyCount returns the cumulative inconsistency count.
func (m *Metrics) InconsistencyCount() float64 {
	return getCounterValue(m.inconsistencies)
}

// CacheHitRate returns hits/(hits+misses) for a cache label, 0 when unused.
func (m *Metrics) CacheHitRate(cache string) float64 {
	hits := getCounterValue(m.cacheHits.WithLabelValues(cache))
	misses := getCounterValue(m.cacheMisses.WithLabelValues(cache))
	if hits+misses == 0 {
		return 0
	}
	return hits / (hits + misses)
}

// getCounterValue extracts the current float64 value from a counter.
func getCounterValue(counter prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
