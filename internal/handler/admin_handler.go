package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/service"
)

// ============================================================
// Admin (super_admin only)
// ============================================================

// POST /v1/admin/subscriptions/{id}/recheck
func recheckSubscriptionHandler(monitor *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/admin/subscriptions/{id}/recheck")
		defer span.End()

		sub, err := monitor.RecheckSubscription(ctx, chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

// POST /v1/admin/tenants/{tenantId}/stats/refresh
func refreshStatsHandler(monitor *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/admin/tenants/{tenantId}/stats/refresh")
		defer span.End()

		t, err := monitor.RefreshTenantStats(ctx, chi.URLParam(r, "tenantId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

type changeSubdomainRequest struct {
	Subdomain string `json:"subdomain"`
}

// PUT /v1/admin/tenants/{tenantId}/subdomain
func changeSubdomainHandler(dir *service.TenantDirectory, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/admin/tenants/{tenantId}/subdomain")
		defer span.End()

		var req changeSubdomainRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		by := "admin"
		if user := UserFromContext(ctx); user != nil {
			by = "admin:" + user.Email
		}
		t, err := dir.ChangeSubdomain(ctx, chi.URLParam(r, "tenantId"), req.Subdomain, by)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// GET /v1/admin/monitoring/stats
func monitoringStatsHandler(monitor *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/admin/monitoring/stats")
		defer span.End()

		stats, err := monitor.Stats(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// POST /v1/admin/monitoring/sweep
func sweepHandler(monitor *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/admin/monitoring/sweep")
		defer span.End()

		report, err := monitor.RunOnce(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
