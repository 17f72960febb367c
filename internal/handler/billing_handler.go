package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/service"
)

// ============================================================
// Billing
// ============================================================

// GET /v1/billing/plans
func plansHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, domain.PurchasablePlans())
	}
}

// POST /v1/billing/checkout
//
// Open to anonymous buyers, who always check out for a new tenant. A
// logged-in caller checks out for their own tenant unless the body names
// another one they may act on.
func checkoutHandler(router *service.PaymentRouter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/billing/checkout")
		defer span.End()

		var req domain.CheckoutRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		user := UserFromContext(ctx)
		if user == nil && req.TenantID != "" {
			// Same answer whether or not the tenant exists.
			writeError(w, http.StatusUnauthorized, "sign in to change an existing tenant's plan")
			return
		}
		if user != nil {
			if req.TenantID == "" {
				req.TenantID = user.TenantID
			}
			if req.TenantID != user.TenantID && user.Role != domain.RoleSuperAdmin {
				writeError(w, http.StatusForbidden, "access to this tenant is not allowed")
				return
			}
		}

		resp, err := router.CreateUnifiedCheckout(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("processor", string(resp.Processor)))
		writeJSON(w, http.StatusCreated, resp)
	}
}

// GET /v1/billing/subscriptions/{processor}/{subscriptionId}
func getSubscriptionHandler(router *service.PaymentRouter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/billing/subscriptions/{processor}/{subscriptionId}")
		defer span.End()

		processor, ok := domain.ParseProcessor(chi.URLParam(r, "processor"))
		if !ok {
			writeError(w, http.StatusBadRequest, "unsupported processor")
			return
		}
		view, err := router.GetSubscription(ctx, processor, chi.URLParam(r, "subscriptionId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if !canSeeSubscription(UserFromContext(ctx), view.Subscription) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// DELETE /v1/billing/subscriptions/{processor}/{subscriptionId}
func cancelSubscriptionHandler(router *service.PaymentRouter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/billing/subscriptions/{processor}/{subscriptionId}")
		defer span.End()

		processor, ok := domain.ParseProcessor(chi.URLParam(r, "processor"))
		if !ok {
			writeError(w, http.StatusBadRequest, "unsupported processor")
			return
		}
		id := chi.URLParam(r, "subscriptionId")
		user := UserFromContext(ctx)

		view, err := router.GetSubscription(ctx, processor, id)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if !canSeeSubscription(user, view.Subscription) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		if user.Role == domain.RoleUser {
			writeError(w, http.StatusForbidden, "only tenant admins can cancel a subscription")
			return
		}

		sub, err := router.CancelSubscription(ctx, processor, id, user.ID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

func canSeeSubscription(user *domain.AdminUser, sub *domain.Subscription) bool {
	if user == nil {
		return false
	}
	return user.Role == domain.RoleSuperAdmin || (sub.TenantID != "" && sub.TenantID == user.TenantID)
}
