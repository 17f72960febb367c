package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

// ============================================================
// Shared helper functions
// ============================================================

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// entitlementResponse is the refusal body clients use to redirect the user.
type entitlementResponse struct {
	Success    bool                   `json:"success"`
	Code       domain.EntitlementCode `json:"code"`
	Message    string                 `json:"message"`
	RedirectTo string                 `json:"redirectTo,omitempty"`
}

type pendingResponse struct {
	Status         string `json:"status"`
	SubscriptionID string `json:"subscriptionId"`
	Message        string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var pending *domain.ErrReconciliationPending
	var entitlement *domain.ErrEntitlement
	var notFound *domain.ErrNotFound
	var circuitOpen *domain.ErrCircuitOpen
	var external *domain.ErrExternalService
	var validation *domain.ErrValidation
	var limitExceeded *domain.ErrLimitExceeded
	var forbidden *domain.ErrForbidden
	var unauthorized *domain.ErrUnauthorized
	var conflict *domain.ErrConflict
	var versionConflict *domain.ErrVersionConflict

	switch {
	case errors.As(err, &pending):
		logger.Warn("reconciliation pending", zap.String("subscription_id", pending.SubscriptionID), zap.Error(pending.Err))
		writeJSON(w, http.StatusAccepted, pendingResponse{
			Status:         "reconciliation_pending",
			SubscriptionID: pending.SubscriptionID,
			Message:        "cancelled at the provider; local state will converge shortly",
		})
	case errors.As(err, &entitlement):
		writeJSON(w, http.StatusForbidden, entitlementResponse{
			Code:       entitlement.Code,
			Message:    entitlement.Message,
			RedirectTo: entitlement.RedirectTo,
		})
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &external):
		if external.Timeout {
			logger.Error("upstream timeout", zap.String("service", external.Service), zap.Error(err))
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		logger.Error("upstream failure", zap.String("service", external.Service), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &limitExceeded):
		logger.Warn("limit exceeded", zap.String("error", err.Error()))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &forbidden):
		logger.Warn("forbidden access", zap.String("error", err.Error()))
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &conflict), errors.As(err, &versionConflict):
		logger.Debug("conflict", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
