package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

var directoryTracer = otel.Tracer("service/tenant_directory")

const (
	tenantCacheName    = "tenant"
	tenantLockTTL      = 30 * time.Second
	maxMutateAttempts  = 5
	maxSubdomainProbes = 50
)

// ErrNoChange is returned by a Mutate callback that decided nothing needs writing.
var ErrNoChange = errors.New("no change")

// TenantDirectory is the single read/write path for tenants. Reads by id are
// cache-first; every write invalidates the cached entry.
type TenantDirectory struct {
	store   port.TenantStore
	cache   port.Cache[*domain.Tenant]
	locker  port.Locker
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewTenantDirectory wires the directory.
func NewTenantDirectory(store port.TenantStore, cache port.Cache[*domain.Tenant], locker port.Locker, metrics *observability.Metrics, logger *zap.Logger) *TenantDirectory {
	return &TenantDirectory{
		store:   store,
		cache:   cache,
		locker:  locker,
		metrics: metrics,
		logger:  logger,
	}
}

// NewTenantID returns a fresh opaque tenant id.
func NewTenantID() string {
	return "t_" + strings.ToLower(ulid.Make().String())
}

func tenantKey(id string) string { return "tenant:" + id }

// GetByTenantID returns the tenant, serving from cache when possible.
// Concurrent misses for the same id share one store read.
func (d *TenantDirectory) GetByTenantID(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	ctx, span := directoryTracer.Start(ctx, "TenantDirectory.GetByTenantID")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	if t, ok := d.cache.Get(ctx, tenantKey(tenantID)); ok && t != nil {
		d.metrics.IncrCacheHit(tenantCacheName)
		return t.Clone(), nil
	}
	d.metrics.IncrCacheMiss(tenantCacheName)

	v, err, _ := d.group.Do(tenantID, func() (any, error) {
		t, err := d.store.GetTenantByID(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		d.cache.Set(ctx, tenantKey(tenantID), t.Clone())
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Tenant).Clone(), nil
}

// GetBySubdomain reads through to the store.
func (d *TenantDirectory) GetBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	ctx, span := directoryTracer.Start(ctx, "TenantDirectory.GetBySubdomain")
	defer span.End()

	return d.store.GetTenantBySubdomain(ctx, strings.ToLower(subdomain))
}

// Create inserts a tenant. A missing TenantID is generated; the subdomain
// must already be a valid, unused DNS label.
func (d *TenantDirectory) Create(ctx context.Context, t *domain.Tenant, by string) (*domain.Tenant, error) {
	ctx, span := directoryTracer.Start(ctx, "TenantDirectory.Create")
	defer span.End()

	if !domain.ValidSubdomain(t.Subdomain) {
		return nil, &domain.ErrValidation{Field: "subdomain", Message: "must be a lowercase DNS label"}
	}
	c := t.Clone()
	if c.TenantID == "" {
		c.TenantID = NewTenantID()
	}
	if c.Status == "" {
		c.Status = domain.TenantActive
	}
	c.UpdatedBy = by

	created, err := d.store.CreateTenant(ctx, c)
	if err != nil {
		return nil, err
	}
	d.cache.Delete(ctx, tenantKey(created.TenantID))

	d.logger.Info("tenant created",
		zap.String("tenant_id", created.TenantID),
		zap.String("subdomain", created.Subdomain),
		zap.String("plan", string(created.Plan)),
		zap.String("by", by),
	)
	return created, nil
}

// Update applies a patch. Omitted fields are untouched.
func (d *TenantDirectory) Update(ctx context.Context, tenantID string, patch *domain.TenantPatch) (*domain.Tenant, error) {
	ctx, span := directoryTracer.Start(ctx, "TenantDirectory.Update")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	if patch.IsEmpty() {
		return d.store.GetTenantByID(ctx, tenantID)
	}
	updated, err := d.store.UpdateTenant(ctx, tenantID, patch)
	d.cache.Delete(ctx, tenantKey(tenantID))
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListActive lists active tenants matching the rest of the filter.
func (d *TenantDirectory) ListActive(ctx context.Context, filter domain.TenantFilter) ([]*domain.Tenant, error) {
	ctx, span := directoryTracer.Start(ctx, "TenantDirectory.ListActive")
	defer span.End()

	filter.Status = domain.TenantActive
	return d.store.ListTenants(ctx, filter)
}

// ChangeSubdomain moves a tenant to a new subdomain. The old one is released
// immediately; a subdomain held by another tenant is a conflict.
func (d *TenantDirectory) ChangeSubdomain(ctx context.Context, tenantID, subdomain, by string) (*domain.Tenant, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if !domain.ValidSubdomain(subdomain) {
		return nil, &domain.ErrValidation{Field: "subdomain", Message: "must be a lowercase DNS label"}
	}
	t, err := d.Mutate(ctx, tenantID, by, func(t *domain.Tenant) error {
		if t.Subdomain == subdomain {
			return ErrNoChange
		}
		t.Subdomain = subdomain
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("tenant subdomain changed",
		zap.String("tenant_id", tenantID),
		zap.String("subdomain", subdomain),
		zap.String("by", by),
	)
	return t, nil
}

// List lists tenants with an arbitrary filter.
func (d *TenantDirectory) List(ctx context.Context, filter domain.TenantFilter) ([]*domain.Tenant, error) {
	return d.store.ListTenants(ctx, filter)
}

// Mutate is the write path for plan, status and expiry changes. Under the
// per-tenant lock it reads the current record from the store, lets fn edit a
// copy and writes the difference conditioned on the version it read. A lost
// race (another process without the lock, or an expired lock) is retried.
// fn may return ErrNoChange to skip the write.
func (d *TenantDirectory) Mutate(ctx context.Context, tenantID, by string, fn func(t *domain.Tenant) error) (*domain.Tenant, error) {
	ctx, span := directoryTracer.Start(ctx, "TenantDirectory.Mutate")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID), attribute.String("by", by))

	unlock, err := d.locker.Lock(ctx, tenantKey(tenantID), tenantLockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock tenant %s: %w", tenantID, err)
	}
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		current, err := d.store.GetTenantByID(ctx, tenantID)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current, nil
			}
			return nil, err
		}

		patch := domain.Diff(current, next)
		if patch.IsEmpty() {
			return current, nil
		}
		patch.ExpectedVersion = current.Version
		patch.UpdatedBy = by

		updated, err := d.store.UpdateTenant(ctx, tenantID, patch)
		d.cache.Delete(ctx, tenantKey(tenantID))
		if err == nil {
			return updated, nil
		}

		var vc *domain.ErrVersionConflict
		if !errors.As(err, &vc) {
			return nil, err
		}
		lastErr = err
		d.logger.Debug("tenant mutation lost version race, retrying",
			zap.String("tenant_id", tenantID),
			zap.Int64("expected_version", current.Version),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, lastErr
}

// AllocateSubdomain derives a free subdomain from base (an organization name
// or email), appending -2, -3, … on collision.
func (d *TenantDirectory) AllocateSubdomain(ctx context.Context, base string) (string, error) {
	ctx, span := directoryTracer.Start(ctx, "TenantDirectory.AllocateSubdomain")
	defer span.End()

	slug := domain.Slugify(base)
	for i := 1; i <= maxSubdomainProbes; i++ {
		candidate := slug
		if i > 1 {
			candidate = fmt.Sprintf("%s-%d", slug, i)
		}
		_, err := d.store.GetTenantBySubdomain(ctx, candidate)
		if domain.IsNotFound(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", &domain.ErrConflict{Resource: "tenant", Message: "no free subdomain for " + slug}
}
