package supabase

import (
	"context"
	"errors"
	"net/url"

	"github.com/google/uuid"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

func (c *Client) CreateUser(ctx context.Context, u *domain.AdminUser) (*domain.AdminUser, error) {
	uc := *u
	uc.Email = domain.NormalizeEmail(uc.Email)
	if uc.ID == "" {
		uc.ID = uuid.NewString()
	}
	if uc.CreatedAt.IsZero() {
		uc.CreatedAt = c.now().UTC()
	}

	row := userRow{
		ID:                 uc.ID,
		TenantID:           uc.TenantID,
		Email:              uc.Email,
		Name:               uc.Name,
		PasswordHash:       uc.PasswordHash,
		Role:               string(uc.Role),
		MustChangePassword: uc.MustChangePassword,
		CreatedAt:          uc.CreatedAt,
	}
	err := c.execute(ctx, "CreateUser", func() error {
		_, err := c.doPost(ctx, "admin_users", nil, row, "return=minimal")
		return err
	})
	if err != nil {
		var cf *domain.ErrConflict
		if errors.As(err, &cf) {
			return nil, &domain.ErrConflict{Resource: "user", Message: "email already registered"}
		}
		return nil, err
	}
	return &uc, nil
}

func (c *Client) getUser(ctx context.Context, op, column, value string) (*domain.AdminUser, error) {
	var row *userRow
	err := c.execute(ctx, op, func() error {
		var err error
		row, err = fetchOne[userRow](ctx, c, "admin_users", "user", value, url.Values{"select": {"*"}, column: eq(value)})
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (c *Client) GetUserByEmail(ctx context.Context, email string) (*domain.AdminUser, error) {
	return c.getUser(ctx, "GetUserByEmail", "email", domain.NormalizeEmail(email))
}

func (c *Client) GetUserByID(ctx context.Context, id string) (*domain.AdminUser, error) {
	return c.getUser(ctx, "GetUserByID", "id", id)
}

func (c *Client) CountUsersByTenant(ctx context.Context, tenantID string) (int, error) {
	return c.countRows(ctx, "admin_users", tenantID)
}

// Count implements port.UsageCounter against the CMMS resource tables.
func (c *Client) Count(ctx context.Context, tenantID string, r domain.Resource) (int, error) {
	switch r {
	case domain.ResourceUsers:
		return c.CountUsersByTenant(ctx, tenantID)
	case domain.ResourceAssets:
		return c.countRows(ctx, "assets", tenantID)
	case domain.ResourceWorkOrders:
		return c.countRows(ctx, "work_orders", tenantID)
	}
	return 0, &domain.ErrValidation{Field: "resource", Message: "unknown resource " + string(r)}
}

// countRows selects only the id column and counts the answer.
func (c *Client) countRows(ctx context.Context, table, tenantID string) (int, error) {
	var n int
	err := c.execute(ctx, "Count."+table, func() error {
		body, err := c.doGet(ctx, table, url.Values{"select": {"id"}, "tenant_id": eq(tenantID)})
		if err != nil {
			return err
		}
		rows, err := decodeRows[struct {
			ID string `json:"id"`
		}](body)
		n = len(rows)
		return err
	})
	return n, err
}
