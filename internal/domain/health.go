package domain

import "time"

// ============================================================
// Health & monitoring API responses
// ============================================================

// HealthStatus is returned by GET /healthz and GET /readyz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	Error       string `json:"error,omitempty"`
	LastChecked string `json:"lastChecked"`
}

// SweepReport summarizes one monitoring pass.
type SweepReport struct {
	StartedAt           time.Time `json:"startedAt"`
	FinishedAt          time.Time `json:"finishedAt"`
	ExpiredSuspended    int       `json:"expiredSuspended"`
	SubscriptionsPolled int       `json:"subscriptionsPolled"`
	Suspended           int       `json:"suspended"`
	Restored            int       `json:"restored"`
	ProviderErrors      int       `json:"providerErrors"`
	Errors              []string  `json:"errors,omitempty"`
}

// Merge folds another report into r.
func (r *SweepReport) Merge(o *SweepReport) {
	if o == nil {
		return
	}
	if r.StartedAt.IsZero() || (!o.StartedAt.IsZero() && o.StartedAt.Before(r.StartedAt)) {
		r.StartedAt = o.StartedAt
	}
	if o.FinishedAt.After(r.FinishedAt) {
		r.FinishedAt = o.FinishedAt
	}
	r.ExpiredSuspended += o.ExpiredSuspended
	r.SubscriptionsPolled += o.SubscriptionsPolled
	r.Suspended += o.Suspended
	r.Restored += o.Restored
	r.ProviderErrors += o.ProviderErrors
	r.Errors = append(r.Errors, o.Errors...)
}

// MonitoringStats is returned by GET /v1/admin/monitoring/stats.
type MonitoringStats struct {
	TenantsByStatus       map[TenantStatus]int       `json:"tenantsByStatus"`
	TenantsByPlan         map[Plan]int               `json:"tenantsByPlan"`
	SubscriptionsByStatus map[SubscriptionStatus]int `json:"subscriptionsByStatus"`
	ExpiringWithin7Days   int                        `json:"expiringWithin7Days"`
	Expired               int                        `json:"expired"`
	LastSweep             *SweepReport               `json:"lastSweep,omitempty"`
	GeneratedAt           time.Time                  `json:"generatedAt"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
