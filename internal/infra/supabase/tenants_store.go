package supabase

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

// maxUnconditionalAttempts bounds the read-then-compare loop used when the
// caller did not pin a version.
const maxUnconditionalAttempts = 3

func (c *Client) GetTenantByID(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	return c.getTenant(ctx, "GetTenantByID", "tenant_id", tenantID)
}

func (c *Client) GetTenantBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	return c.getTenant(ctx, "GetTenantBySubdomain", "subdomain", subdomain)
}

func (c *Client) getTenant(ctx context.Context, op, column, value string) (*domain.Tenant, error) {
	var row *tenantRow
	err := c.execute(ctx, op, func() error {
		var err error
		row, err = fetchOne[tenantRow](ctx, c, "tenants", "tenant", value, url.Values{"select": {"*"}, column: eq(value)})
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (c *Client) CreateTenant(ctx context.Context, t *domain.Tenant) (*domain.Tenant, error) {
	tc := t.Clone()
	now := c.now().UTC()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now
	}
	tc.UpdatedAt = now
	tc.Version = 1

	var created *domain.Tenant
	err := c.execute(ctx, "CreateTenant", func() error {
		body, err := c.doPost(ctx, "tenants", nil, newTenantRow(tc), "")
		if err != nil {
			return err
		}
		rows, err := decodeRows[tenantRow](body)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			created = tc
			return nil
		}
		created = rows[0].toDomain()
		return nil
	})
	if err != nil {
		var cf *domain.ErrConflict
		if errors.As(err, &cf) {
			return nil, &domain.ErrConflict{Resource: "tenant", Message: "tenant id or subdomain already exists: " + tc.Subdomain}
		}
		return nil, err
	}
	c.logger.Info("supabase: tenant created", zap.String("tenant_id", created.TenantID), zap.String("subdomain", created.Subdomain))
	return created, nil
}

// UpdateTenant issues a PATCH filtered on tenant_id and version. PostgREST
// cannot increment in place, so the new version is computed client side; an
// empty answer means another writer got there first.
func (c *Client) UpdateTenant(ctx context.Context, tenantID string, patch *domain.TenantPatch) (*domain.Tenant, error) {
	if patch.ExpectedVersion != 0 {
		return c.patchTenant(ctx, tenantID, patch, patch.ExpectedVersion)
	}
	var lastErr error
	for attempt := 0; attempt < maxUnconditionalAttempts; attempt++ {
		current, err := c.GetTenantByID(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		t, err := c.patchTenant(ctx, tenantID, patch, current.Version)
		var vc *domain.ErrVersionConflict
		if errors.As(err, &vc) {
			lastErr = err
			continue
		}
		return t, err
	}
	return nil, lastErr
}

func (c *Client) patchTenant(ctx context.Context, tenantID string, patch *domain.TenantPatch, version int64) (*domain.Tenant, error) {
	payload := patch.Columns()
	payload["version"] = version + 1
	payload["updated_at"] = c.now().UTC()
	payload["updated_by"] = patch.UpdatedBy

	q := url.Values{
		"tenant_id": eq(tenantID),
		"version":   eq(strconv.FormatInt(version, 10)),
	}

	var updated *domain.Tenant
	err := c.execute(ctx, "UpdateTenant", func() error {
		body, err := c.doPatch(ctx, "tenants", q, payload)
		if err != nil {
			return err
		}
		rows, err := decodeRows[tenantRow](body)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			updated = rows[0].toDomain()
		}
		return nil
	})
	if err != nil {
		var cf *domain.ErrConflict
		if patch.Subdomain != nil && errors.As(err, &cf) {
			return nil, &domain.ErrConflict{Resource: "tenant", Message: "subdomain already taken: " + *patch.Subdomain}
		}
		return nil, err
	}
	if updated != nil {
		return updated, nil
	}

	// Nothing matched: either the row is gone or the version moved.
	if _, err := c.GetTenantByID(ctx, tenantID); err != nil {
		return nil, err
	}
	return nil, &domain.ErrVersionConflict{Resource: "tenant", ID: tenantID, Expected: version}
}

func (c *Client) ListTenants(ctx context.Context, filter domain.TenantFilter) ([]*domain.Tenant, error) {
	q := url.Values{"select": {"*"}, "order": {"tenant_id.asc"}}
	if filter.Status != "" {
		q.Set("status", "eq."+string(filter.Status))
	}
	if filter.Plan != "" {
		q.Set("plan", "eq."+string(filter.Plan))
	}
	if filter.ExpiresBefore != nil {
		q.Set("subscription_expires_at", "lt."+filter.ExpiresBefore.UTC().Format(timeLayout))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var rows []tenantRow
	err := c.execute(ctx, "ListTenants", func() error {
		body, err := c.doGet(ctx, "tenants", q)
		if err != nil {
			return err
		}
		rows, err = decodeRows[tenantRow](body)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Tenant, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
