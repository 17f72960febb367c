package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/service"
)

// ============================================================
// Tenant
// ============================================================

// GET /v1/tenant
func getTenantHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, TenantFromContext(r.Context()))
	}
}

// GET /v1/tenant/entitlement
//
// Reports the gate's verdict without enforcing it, so clients can render
// the remediation screen.
func entitlementHandler(entitle *service.EntitlementService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, entitle.Evaluate(TenantFromContext(r.Context())))
	}
}

// POST /v1/tenant/limits/{resource}/check
func limitCheckHandler(entitle *service.EntitlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/tenant/limits/{resource}/check")
		defer span.End()

		resource, ok := domain.ParseResource(chi.URLParam(r, "resource"))
		if !ok {
			writeError(w, http.StatusBadRequest, "resource must be one of users, assets, work_orders")
			return
		}

		check, err := entitle.CheckResourceLimit(ctx, TenantFromContext(ctx), resource)
		if err != nil && check == nil {
			handleServiceError(w, err, logger)
			return
		}
		status := http.StatusOK
		if !check.Allowed {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, check)
	}
}
