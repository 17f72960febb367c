// Package memstore is an in-memory implementation of port.Store used for
// local development (STORE_DRIVER=memory) and service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

// Store keeps every record in maps guarded by one RWMutex. Records are cloned
// on the way in and out so callers never share memory with the store.
type Store struct {
	mu            sync.RWMutex
	tenants       map[string]*domain.Tenant // tenantID -> tenant
	subdomains    map[string]string         // subdomain -> tenantID
	subscriptions map[string]*domain.Subscription
	extRefs       map[string]string // externalReference -> subscription id
	users         map[string]*domain.AdminUser
	emails        map[string]string // email -> user id
	webhooks      map[string]*domain.WebhookEvent
	usage         map[string]map[domain.Resource]int

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tenants:       map[string]*domain.Tenant{},
		subdomains:    map[string]string{},
		subscriptions: map[string]*domain.Subscription{},
		extRefs:       map[string]string{},
		users:         map[string]*domain.AdminUser{},
		emails:        map[string]string{},
		webhooks:      map[string]*domain.WebhookEvent{},
		usage:         map[string]map[domain.Resource]int{},
		now:           time.Now,
	}
}

// WithClock overrides the time source used for audit stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ---------- tenants ----------

func (s *Store) GetTenantByID(_ context.Context, tenantID string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "tenant", ID: tenantID}
	}
	return t.Clone(), nil
}

func (s *Store) GetTenantBySubdomain(_ context.Context, subdomain string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.subdomains[subdomain]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "tenant", ID: subdomain}
	}
	return s.tenants[id].Clone(), nil
}

func (s *Store) CreateTenant(_ context.Context, t *domain.Tenant) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[t.TenantID]; ok {
		return nil, &domain.ErrConflict{Resource: "tenant", Message: "tenant id already exists"}
	}
	if _, ok := s.subdomains[t.Subdomain]; ok {
		return nil, &domain.ErrConflict{Resource: "tenant", Message: "subdomain already taken: " + t.Subdomain}
	}

	c := t.Clone()
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version = 1
	s.tenants[c.TenantID] = c
	s.subdomains[c.Subdomain] = c.TenantID
	return c.Clone(), nil
}

func (s *Store) UpdateTenant(_ context.Context, tenantID string, patch *domain.TenantPatch) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "tenant", ID: tenantID}
	}
	if patch.ExpectedVersion != 0 && patch.ExpectedVersion != t.Version {
		return nil, &domain.ErrVersionConflict{Resource: "tenant", ID: tenantID, Expected: patch.ExpectedVersion}
	}

	c := t.Clone()
	patch.Apply(c)
	if c.Subdomain != t.Subdomain {
		if _, taken := s.subdomains[c.Subdomain]; taken {
			return nil, &domain.ErrConflict{Resource: "tenant", Message: "subdomain already taken: " + c.Subdomain}
		}
		delete(s.subdomains, t.Subdomain)
		s.subdomains[c.Subdomain] = tenantID
	}
	c.Version++
	c.UpdatedAt = s.now().UTC()
	c.UpdatedBy = patch.UpdatedBy
	s.tenants[tenantID] = c
	return c.Clone(), nil
}

func (s *Store) ListTenants(_ context.Context, filter domain.TenantFilter) ([]*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ---------- subscriptions ----------

func (s *Store) CreateSubscription(_ context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := sub.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.extRefs[c.ExternalReference]; ok {
		return nil, &domain.ErrConflict{Resource: "subscription", Message: "external reference already exists"}
	}
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.subscriptions[c.ID] = c
	s.extRefs[c.ExternalReference] = c.ID
	return c.Clone(), nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: id}
	}
	return sub.Clone(), nil
}

func (s *Store) FindSubscriptionByProviderID(_ context.Context, processor domain.Processor, providerID string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.Processor == processor && sub.ProviderSubscriptionID != "" && sub.ProviderSubscriptionID == providerID {
			return sub.Clone(), nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "subscription", ID: providerID}
}

func (s *Store) FindSubscriptionByExternalReference(_ context.Context, ref string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.extRefs[ref]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: ref}
	}
	return s.subscriptions[id].Clone(), nil
}

func (s *Store) FindLatestSubscriptionByEmail(_ context.Context, email string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = domain.NormalizeEmail(email)
	var latest *domain.Subscription
	for _, sub := range s.subscriptions {
		if domain.NormalizeEmail(sub.PayerEmail) != email {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: email}
	}
	return latest.Clone(), nil
}

func (s *Store) UpdateSubscription(_ context.Context, id string, patch *domain.SubscriptionPatch) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: id}
	}
	c := sub.Clone()
	patch.Apply(c)
	c.UpdatedAt = s.now().UTC()
	s.subscriptions[id] = c
	return c.Clone(), nil
}

func (s *Store) ListSubscriptions(_ context.Context, filter domain.SubscriptionFilter) ([]*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Subscription, 0)
	for _, sub := range s.subscriptions {
		if filter.Matches(sub) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ---------- users ----------

func (s *Store) CreateUser(_ context.Context, u *domain.AdminUser) (*domain.AdminUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *u
	c.Email = domain.NormalizeEmail(c.Email)
	if _, ok := s.emails[c.Email]; ok {
		return nil, &domain.ErrConflict{Resource: "user", Message: "email already registered"}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.users[c.ID] = &c
	s.emails[c.Email] = c.ID
	out := c
	return &out, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.AdminUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[domain.NormalizeEmail(email)]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: email}
	}
	u := *s.users[id]
	return &u, nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.AdminUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: id}
	}
	c := *u
	return &c, nil
}

func (s *Store) CountUsersByTenant(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, u := range s.users {
		if u.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// ---------- webhook ledger ----------

func webhookKey(p domain.Processor, id string) string {
	return string(p) + ":" + id
}

func (s *Store) GetWebhookEvent(_ context.Context, processor domain.Processor, eventID string) (*domain.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.webhooks[webhookKey(processor, eventID)]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "webhook_event", ID: eventID}
	}
	c := *ev
	return &c, nil
}

func (s *Store) SaveWebhookEvent(_ context.Context, ev *domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *ev
	s.webhooks[webhookKey(ev.Processor, ev.EventID)] = &c
	return nil
}

// ---------- usage ----------

// SetUsage records a resource count for a tenant. Users are counted from the
// user table and ignore this.
func (s *Store) SetUsage(tenantID string, r domain.Resource, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.usage[tenantID] == nil {
		s.usage[tenantID] = map[domain.Resource]int{}
	}
	s.usage[tenantID][r] = n
}

// Count implements port.UsageCounter.
func (s *Store) Count(ctx context.Context, tenantID string, r domain.Resource) (int, error) {
	if r == domain.ResourceUsers {
		return s.CountUsersByTenant(ctx, tenantID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[tenantID][r], nil
}
