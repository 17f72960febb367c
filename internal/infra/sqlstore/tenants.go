package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

const tenantColumns = `tenant_id, subdomain, name, owner_email, country, plan, status,
	max_users, max_assets, max_work_orders,
	subscription_expires_at, subscription_amount, subscription_frequency,
	previous_plan, suspended_at, suspension_reason,
	stats_users, stats_assets, stats_work_orders, stats_refreshed_at,
	version, created_at, updated_at, updated_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (*domain.Tenant, error) {
	var (
		t                             domain.Tenant
		plan, status, freq, prev      string
		expires, suspended, refreshed sql.NullInt64
		createdAt, updatedAt          int64
	)
	if err := row.Scan(
		&t.TenantID, &t.Subdomain, &t.Name, &t.OwnerEmail, &t.Country, &plan, &status,
		&t.MaxUsers, &t.MaxAssets, &t.MaxWorkOrders,
		&expires, &t.SubscriptionAmount, &freq,
		&prev, &suspended, &t.SuspensionReason,
		&t.Stats.Users, &t.Stats.Assets, &t.Stats.WorkOrders, &refreshed,
		&t.Version, &createdAt, &updatedAt, &t.UpdatedBy,
	); err != nil {
		return nil, err
	}
	t.Plan = domain.Plan(plan)
	t.Status = domain.TenantStatus(status)
	t.SubscriptionFrequency = domain.Frequency(freq)
	t.PreviousPlan = domain.Plan(prev)
	t.SubscriptionExpiresAt = fromNullMillis(expires)
	t.SuspendedAt = fromNullMillis(suspended)
	t.Stats.RefreshedAt = fromNullMillis(refreshed)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func (s *Store) GetTenantByID(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = ?`), tenantID)
	t, err := scanTenant(row)
	if err != nil {
		return nil, mapErr(err, "tenant", tenantID)
	}
	return t, nil
}

func (s *Store) GetTenantBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tenantColumns+` FROM tenants WHERE subdomain = ?`), subdomain)
	t, err := scanTenant(row)
	if err != nil {
		return nil, mapErr(err, "tenant", subdomain)
	}
	return t, nil
}

func (s *Store) CreateTenant(ctx context.Context, t *domain.Tenant) (*domain.Tenant, error) {
	c := t.Clone()
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version = 1

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO tenants (`+tenantColumns+`) VALUES (`+placeholders(24)+`)`),
		c.TenantID, c.Subdomain, c.Name, c.OwnerEmail, c.Country, string(c.Plan), string(c.Status),
		c.MaxUsers, c.MaxAssets, c.MaxWorkOrders,
		nullableMillis(c.SubscriptionExpiresAt), c.SubscriptionAmount, string(c.SubscriptionFrequency),
		string(c.PreviousPlan), nullableMillis(c.SuspendedAt), c.SuspensionReason,
		c.Stats.Users, c.Stats.Assets, c.Stats.WorkOrders, nullableMillis(c.Stats.RefreshedAt),
		c.Version, millis(c.CreatedAt), millis(c.UpdatedAt), c.UpdatedBy,
	)
	if err != nil {
		if s.isUniqueViolation(err) {
			return nil, &domain.ErrConflict{Resource: "tenant", Message: "tenant id or subdomain already exists: " + c.Subdomain}
		}
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	return c, nil
}

// UpdateTenant applies the patch in one statement. With ExpectedVersion set
// the WHERE clause also matches the version, so a concurrent writer makes it
// affect zero rows.
func (s *Store) UpdateTenant(ctx context.Context, tenantID string, patch *domain.TenantPatch) (*domain.Tenant, error) {
	set, args := setClause(patch.Columns())
	if set != "" {
		set += ", "
	}
	set += "version = version + 1, updated_at = ?, updated_by = ?"
	args = append(args, millis(s.now()), patch.UpdatedBy)

	query := `UPDATE tenants SET ` + set + ` WHERE tenant_id = ?`
	args = append(args, tenantID)
	if patch.ExpectedVersion != 0 {
		query += ` AND version = ?`
		args = append(args, patch.ExpectedVersion)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update tenant: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		if patch.Subdomain != nil && s.isUniqueViolation(err) {
			return nil, &domain.ErrConflict{Resource: "tenant", Message: "subdomain already taken: " + *patch.Subdomain}
		}
		return nil, fmt.Errorf("update tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update tenant: %w", err)
	}

	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = ?`), tenantID)
	t, err := scanTenant(row)
	if err != nil {
		return nil, mapErr(err, "tenant", tenantID)
	}
	if affected == 0 {
		return nil, &domain.ErrVersionConflict{Resource: "tenant", ID: tenantID, Expected: patch.ExpectedVersion}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update tenant: %w", err)
	}
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context, filter domain.TenantFilter) ([]*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Plan != "" {
		query += ` AND plan = ?`
		args = append(args, string(filter.Plan))
	}
	if filter.ExpiresBefore != nil {
		query += ` AND subscription_expires_at IS NOT NULL AND subscription_expires_at < ?`
		args = append(args, millis(*filter.ExpiresBefore))
	}
	query += ` ORDER BY tenant_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
