package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/service"
)

// ============================================================
// Auth & onboarding
// ============================================================

// POST /v1/auth/login
func loginHandler(authSvc *service.AuthService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/login")
		defer span.End()

		var req domain.LoginRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		resp, err := authSvc.Login(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// GET /v1/auth/me
func meHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, UserFromContext(r.Context()))
	}
}

// POST /v1/onboarding/trial
func trialSignupHandler(authSvc *service.AuthService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/onboarding/trial")
		defer span.End()

		var req domain.TrialSignupRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		resp, err := authSvc.RegisterTrial(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}
