package domain

import (
	"strings"
	"time"
)

// ============================================================
// Admin users and auth API types
// ============================================================

// Role is the closed set of user roles.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return Role(s), true
	}
	return "", false
}

// AdminUser is a login belonging to a tenant. The temporary password is
// handed to the mailer once and never stored in clear.
type AdminUser struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenantId"`
	Email              string    `json:"email"`
	Name               string    `json:"name,omitempty"`
	PasswordHash       string    `json:"-"`
	Role               Role      `json:"role"`
	MustChangePassword bool      `json:"mustChangePassword"`
	CreatedAt          time.Time `json:"createdAt"`
}

// NormalizeEmail lowercases and trims an address for lookups and uniqueness.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// LoginRequest is the body for POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the body for 200 from POST /v1/auth/login.
type LoginResponse struct {
	AccessToken        string `json:"accessToken"`
	ExpiresIn          int    `json:"expiresIn"`
	UserID             string `json:"userId"`
	TenantID           string `json:"tenantId"`
	Role               Role   `json:"role"`
	MustChangePassword bool   `json:"mustChangePassword"`
}

// TrialSignupRequest is the body for POST /v1/onboarding/trial.
type TrialSignupRequest struct {
	OrganizationName string `json:"organizationName"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	Password         string `json:"password"`
	Country          string `json:"country"`
}

// TrialSignupResponse is the body for 201 from POST /v1/onboarding/trial.
type TrialSignupResponse struct {
	TenantID  string    `json:"tenantId"`
	Subdomain string    `json:"subdomain"`
	UserID    string    `json:"userId"`
	Plan      Plan      `json:"plan"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// WelcomeMessage is what the mailer receives after provisioning.
type WelcomeMessage struct {
	Email             string
	Name              string
	TenantName        string
	Subdomain         string
	Plan              Plan
	TemporaryPassword string
	LoginURL          string
}
