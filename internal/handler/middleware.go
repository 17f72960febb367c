package handler

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/service"
)

type contextKey string

const (
	userKey   contextKey = "user"
	tenantKey contextKey = "tenant"
)

// TenantHeader selects a tenant explicitly. Super admins may name any tenant;
// everyone else may only name their own.
const TenantHeader = "X-Tenant-ID"

// JWTAuthMiddleware validates Bearer tokens and injects the user into context.
// The user is re-read from the store so a deleted account or a changed role
// takes effect before the token expires.
func JWTAuthMiddleware(authSvc *service.AuthService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("auth: missing token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "authentication token not provided")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.Warn("auth: invalid token format",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "invalid token format")
				return
			}

			claims, err := authSvc.ValidateAccessToken(parts[1])
			if err != nil {
				logger.Warn("auth: invalid or expired token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			user, err := authSvc.GetUser(r.Context(), claims.Subject)
			if domain.IsNotFound(err) {
				writeError(w, http.StatusUnauthorized, "account no longer exists")
				return
			}
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}

			ctx := context.WithValue(r.Context(), userKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalJWTAuthMiddleware authenticates when a token is sent and lets
// anonymous requests through. A bad token is still refused.
func OptionalJWTAuthMiddleware(authSvc *service.AuthService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		authed := JWTAuthMiddleware(authSvc, logger)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			authed.ServeHTTP(w, r)
		})
	}
}

// TenantResolutionMiddleware attaches the tenant a request acts on. The
// tenant comes from X-Tenant-ID or, failing that, from the user's stored
// tenant id. Unknown and cancelled tenants get the same 404 so ids cannot
// be probed. Suspended tenants are attached; the entitlement gate refuses
// them with a remediation hint.
func TenantResolutionMiddleware(directory *service.TenantDirectory, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())

			tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
			if tenantID == "" && user != nil {
				tenantID = user.TenantID
			}
			if tenantID == "" {
				writeError(w, http.StatusBadRequest, "no tenant: send "+TenantHeader+" or use an account attached to a tenant")
				return
			}

			if user != nil && user.Role != domain.RoleSuperAdmin && tenantID != user.TenantID {
				logger.Warn("tenant resolution: cross-tenant access refused",
					zap.String("user_id", user.ID),
					zap.String("user_tenant_id", user.TenantID),
					zap.String("tenant_id", tenantID),
				)
				writeError(w, http.StatusForbidden, "access to this tenant is not allowed")
				return
			}

			tenant, err := directory.GetByTenantID(r.Context(), tenantID)
			if domain.IsNotFound(err) || (err == nil && tenant.Status == domain.TenantCancelled) {
				writeError(w, http.StatusNotFound, "tenant not found")
				return
			}
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}

			ctx := context.WithValue(r.Context(), tenantKey, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// EntitlementMiddleware refuses requests whose tenant may not use paid features.
func EntitlementMiddleware(entitle *service.EntitlementService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := entitle.Gate(TenantFromContext(r.Context())); err != nil {
				handleServiceError(w, err, logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole lets through users holding one of roles.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user != nil {
				for _, role := range roles {
					if user.Role == role {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeError(w, http.StatusForbidden, "insufficient role")
		})
	}
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *domain.AdminUser {
	u, _ := ctx.Value(userKey).(*domain.AdminUser)
	return u
}

// TenantFromContext returns the resolved tenant, or nil.
func TenantFromContext(ctx context.Context) *domain.Tenant {
	t, _ := ctx.Value(tenantKey).(*domain.Tenant)
	return t
}
