package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/service"
)

// ============================================================
// Provider notifications
// POST /webhooks/{processor}
// ============================================================

// webhookHandler always answers 200: a non-2xx makes providers retry for
// days, and every outcome (including rejection) is already in the ack.
func webhookHandler(rec *service.Reconciler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /webhooks/{processor}")
		defer span.End()

		name := strings.ToLower(chi.URLParam(r, "processor"))
		span.SetAttributes(attribute.String("processor", name))

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			logger.Warn("webhook body unreadable", zap.String("processor", name), zap.Error(err))
			writeJSON(w, http.StatusOK, domain.WebhookAck{Processed: false, Reason: "unreadable body"})
			return
		}

		ack := rec.HandleWebhook(ctx, domain.Processor(name), r.Header, body)
		writeJSON(w, http.StatusOK, ack)
	}
}
