// Package service holds the billing and entitlement use cases: tenant
// directory, payment routing, webhook reconciliation, monitoring and auth.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

var authTracer = otel.Tracer("service/auth")

const (
	bcryptCost        = 12
	minPasswordLen    = 8
	defaultTrialDays  = 14
	tokenIssuer       = "cmms-billing"
	accessTokenType   = "access"
	defaultAccessTTL  = 15 * time.Minute
	signupLockTimeout = time.Minute
)

// AuthService handles login, token validation and trial self-registration.
type AuthService struct {
	users     port.UserStore
	directory *TenantDirectory
	locker    port.Locker
	jwtSecret []byte
	accessTTL time.Duration
	trialDays int
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewAuthService creates a new auth service.
func NewAuthService(
	users port.UserStore,
	directory *TenantDirectory,
	locker port.Locker,
	jwtSecret string,
	accessTTL time.Duration,
	trialDays int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *AuthService {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if trialDays <= 0 {
		trialDays = defaultTrialDays
	}
	return &AuthService{
		users:     users,
		directory: directory,
		locker:    locker,
		jwtSecret: []byte(jwtSecret),
		accessTTL: accessTTL,
		trialDays: trialDays,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source for token stamps and trial expiry.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// ============================================================
// Login: POST /v1/auth/login
// ============================================================

func (s *AuthService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.Login")
	defer span.End()

	email := domain.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, &domain.ErrValidation{Field: "email", Message: "email and password are required"}
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if domain.IsNotFound(err) {
		s.logger.Warn("login: unknown email", zap.String("email", email))
		return nil, &domain.ErrUnauthorized{Message: "invalid credentials"}
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Warn("login: wrong password", zap.String("user_id", user.ID))
		return nil, &domain.ErrUnauthorized{Message: "invalid credentials"}
	}

	token, err := s.signAccessToken(user)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	s.logger.Info("user logged in",
		zap.String("user_id", user.ID),
		zap.String("tenant_id", user.TenantID),
	)
	return &domain.LoginResponse{
		AccessToken:        token,
		ExpiresIn:          int(s.accessTTL.Seconds()),
		UserID:             user.ID,
		TenantID:           user.TenantID,
		Role:               user.Role,
		MustChangePassword: user.MustChangePassword,
	}, nil
}

// ============================================================
// RegisterTrial: POST /v1/onboarding/trial
// ============================================================

// RegisterTrial creates a trial tenant and its first admin user.
func (s *AuthService) RegisterTrial(ctx context.Context, req *domain.TrialSignupRequest) (*domain.TrialSignupResponse, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.RegisterTrial")
	defer span.End()

	email := domain.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, &domain.ErrValidation{Field: "email", Message: "a valid email is required"}
	}
	if len(req.Password) < minPasswordLen {
		return nil, &domain.ErrValidation{Field: "password", Message: fmt.Sprintf("must be at least %d characters", minPasswordLen)}
	}
	span.SetAttributes(attribute.String("email", email))

	unlock, err := s.locker.Lock(ctx, "provision:"+email, signupLockTimeout)
	if err != nil {
		return nil, fmt.Errorf("lock signup: %w", err)
	}
	defer unlock()

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil, &domain.ErrConflict{Resource: "user", Message: "email already registered"}
	} else if !domain.IsNotFound(err) {
		return nil, fmt.Errorf("check existing user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	org := strings.TrimSpace(req.OrganizationName)
	base := org
	if base == "" {
		base = email
	}
	subdomain, err := s.directory.AllocateSubdomain(ctx, base)
	if err != nil {
		return nil, err
	}
	if org == "" {
		org = subdomain
	}

	expires := s.now().UTC().AddDate(0, 0, s.trialDays)
	t := &domain.Tenant{
		Subdomain:             subdomain,
		Name:                  org,
		OwnerEmail:            email,
		Country:               strings.ToUpper(strings.TrimSpace(req.Country)),
		Plan:                  domain.PlanTrial,
		Status:                domain.TenantActive,
		SubscriptionExpiresAt: &expires,
	}
	t.ApplyLimits(domain.PlanTrial)
	tenant, err := s.directory.Create(ctx, t, SourceOnboarding)
	if err != nil {
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, &domain.AdminUser{
		ID:           uuid.NewString(),
		TenantID:     tenant.TenantID,
		Email:        email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: string(hash),
		Role:         domain.RoleAdmin,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		cancelled := domain.TenantCancelled
		if _, uerr := s.directory.Update(ctx, tenant.TenantID, &domain.TenantPatch{Status: &cancelled, UpdatedBy: SourceOnboarding}); uerr != nil {
			s.logger.Warn("could not cancel orphaned trial tenant", zap.String("tenant_id", tenant.TenantID), zap.Error(uerr))
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.metrics.IncrLifecycle("trial", SourceOnboarding)
	s.logger.Info("trial tenant registered",
		zap.String("tenant_id", tenant.TenantID),
		zap.String("subdomain", tenant.Subdomain),
		zap.String("user_id", user.ID),
	)
	return &domain.TrialSignupResponse{
		TenantID:  tenant.TenantID,
		Subdomain: tenant.Subdomain,
		UserID:    user.ID,
		Plan:      tenant.Plan,
		ExpiresAt: expires,
	}, nil
}

// ============================================================
// ValidateAccessToken: used by middleware
// ============================================================

// JWTClaims represents the custom claims in access tokens. The subject is
// the user id; the tenant id is informational only, resolution always
// re-reads it from the user store.
type JWTClaims struct {
	TenantID string      `json:"tid,omitempty"`
	Role     domain.Role `json:"role"`
	Type     string      `json:"type"`
	jwt.RegisteredClaims
}

func (s *AuthService) ValidateAccessToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	if claims.Type != accessTokenType || claims.Subject == "" {
		return nil, &domain.ErrUnauthorized{Message: "invalid token type"}
	}
	if _, ok := domain.ParseRole(string(claims.Role)); !ok {
		return nil, &domain.ErrUnauthorized{Message: "invalid token role"}
	}
	return claims, nil
}

// GetUser loads the user behind a validated token.
func (s *AuthService) GetUser(ctx context.Context, userID string) (*domain.AdminUser, error) {
	return s.users.GetUserByID(ctx, userID)
}

func (s *AuthService) signAccessToken(u *domain.AdminUser) (string, error) {
	now := s.now()
	claims := JWTClaims{
		TenantID: u.TenantID,
		Role:     u.Role,
		Type:     accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
