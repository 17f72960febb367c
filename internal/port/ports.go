// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

// TenantStore persists tenants.
//
// Every store returns *domain.ErrNotFound for missing records and
// *domain.ErrConflict for a duplicate tenant id or subdomain. UpdateTenant
// bumps Version, stamps UpdatedAt, and fails with *domain.ErrVersionConflict
// when patch.ExpectedVersion is set and no longer matches.
type TenantStore interface {
	GetTenantByID(ctx context.Context, tenantID string) (*domain.Tenant, error)
	GetTenantBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error)
	CreateTenant(ctx context.Context, t *domain.Tenant) (*domain.Tenant, error)
	UpdateTenant(ctx context.Context, tenantID string, patch *domain.TenantPatch) (*domain.Tenant, error)
	ListTenants(ctx context.Context, filter domain.TenantFilter) ([]*domain.Tenant, error)
}

// SubscriptionStore persists subscriptions. ExternalReference is unique.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s *domain.Subscription) (*domain.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	FindSubscriptionByProviderID(ctx context.Context, processor domain.Processor, providerID string) (*domain.Subscription, error)
	FindSubscriptionByExternalReference(ctx context.Context, ref string) (*domain.Subscription, error)
	FindLatestSubscriptionByEmail(ctx context.Context, email string) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, patch *domain.SubscriptionPatch) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context, filter domain.SubscriptionFilter) ([]*domain.Subscription, error)
}

// UserStore persists admin users. Email is unique; CreateUser returns
// *domain.ErrConflict on a duplicate.
type UserStore interface {
	CreateUser(ctx context.Context, u *domain.AdminUser) (*domain.AdminUser, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.AdminUser, error)
	GetUserByID(ctx context.Context, id string) (*domain.AdminUser, error)
	CountUsersByTenant(ctx context.Context, tenantID string) (int, error)
}

// WebhookEventStore is the received-notification ledger.
type WebhookEventStore interface {
	GetWebhookEvent(ctx context.Context, processor domain.Processor, eventID string) (*domain.WebhookEvent, error)
	SaveWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) error
}

// Store bundles every persistence port. Implemented by memstore, sqlstore and supabase.
type Store interface {
	TenantStore
	SubscriptionStore
	UserStore
	WebhookEventStore
	Ping(ctx context.Context) error
}

// UsageCounter reports live resource counts for limit checks. The CMMS
// resource tables live outside this service.
type UsageCounter interface {
	Count(ctx context.Context, tenantID string, r domain.Resource) (int, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	Set(ctx context.Context, key string, value T)
	Delete(ctx context.Context, key string)
}

// Locker serializes work on a key across goroutines (and processes, for Redis).
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Mailer delivers transactional email.
type Mailer interface {
	SendWelcome(ctx context.Context, msg *domain.WelcomeMessage) error
}

// PaymentProcessor is a payment provider adapter. Every failure is returned as
// *domain.ErrExternalService.
type PaymentProcessor interface {
	Processor() domain.Processor
	CreateCheckout(ctx context.Context, params *domain.CheckoutParams) (*domain.CheckoutSession, error)
	GetSubscriptionStatus(ctx context.Context, providerRef string) (domain.NormalizedStatus, error)
	Cancel(ctx context.Context, providerRef string) (*domain.CancelResult, error)
	ParseWebhook(ctx context.Context, headers http.Header, body []byte) (*domain.PaymentEvent, error)
}
