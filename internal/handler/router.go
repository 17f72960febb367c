package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
	"github.com/boddenberg/cmms-billing-go/internal/service"
)

var tracer = otel.Tracer("handler")

// HealthCheck is a named dependency probed by /healthz.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Services bundles what the HTTP layer calls into.
type Services struct {
	Directory   *service.TenantDirectory
	Auth        *service.AuthService
	Entitlement *service.EntitlementService
	Payments    *service.PaymentRouter
	Reconciler  *service.Reconciler
	Monitor     *service.Monitor
	Health      []HealthCheck
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc.Health, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- Provider notifications ---
	r.Post("/webhooks/{processor}", webhookHandler(svc.Reconciler, logger))

	requireAuth := JWTAuthMiddleware(svc.Auth, logger)

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// =============================================
		// Auth & onboarding
		// =============================================
		r.Post("/auth/login", loginHandler(svc.Auth, logger))
		r.With(requireAuth).Get("/auth/me", meHandler())
		r.Post("/onboarding/trial", trialSignupHandler(svc.Auth, logger))

		// =============================================
		// Billing
		// =============================================
		r.Get("/billing/plans", plansHandler())
		r.With(OptionalJWTAuthMiddleware(svc.Auth, logger)).
			Post("/billing/checkout", checkoutHandler(svc.Payments, logger))
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/billing/subscriptions/{processor}/{subscriptionId}", getSubscriptionHandler(svc.Payments, logger))
			r.Delete("/billing/subscriptions/{processor}/{subscriptionId}", cancelSubscriptionHandler(svc.Payments, logger))
		})

		// =============================================
		// Tenant (resolved per request)
		// =============================================
		r.Route("/tenant", func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(TenantResolutionMiddleware(svc.Directory, logger))

			r.Get("/", getTenantHandler())
			r.Get("/entitlement", entitlementHandler(svc.Entitlement))
			r.With(EntitlementMiddleware(svc.Entitlement, logger)).
				Post("/limits/{resource}/check", limitCheckHandler(svc.Entitlement, logger))
		})

		// =============================================
		// Admin
		// =============================================
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(RequireRole(domain.RoleSuperAdmin))

			r.Post("/subscriptions/{id}/recheck", recheckSubscriptionHandler(svc.Monitor, logger))
			r.Post("/tenants/{tenantId}/stats/refresh", refreshStatsHandler(svc.Monitor, logger))
			r.Put("/tenants/{tenantId}/subdomain", changeSubdomainHandler(svc.Directory, logger))
			r.Get("/monitoring/stats", monitoringStatsHandler(svc.Monitor, logger))
			r.Post("/monitoring/sweep", sweepHandler(svc.Monitor, logger))
		})
	})

	return r
}

// ============================================================
// Operational
// ============================================================

func healthzHandler(checks []HealthCheck, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "billing-api", Status: "healthy", LastChecked: now},
		}

		overallStatus := "healthy"
		for _, c := range checks {
			start := time.Now()
			err := c.Ping(ctx)
			sh := domain.ServiceHealth{
				Name:        c.Name,
				Status:      "healthy",
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			}
			if err != nil {
				logger.Warn("health check failed", zap.String("dependency", c.Name), zap.Error(err))
				sh.Status = "degraded"
				sh.Error = err.Error()
				overallStatus = "degraded"
			}
			services = append(services, sh)
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
