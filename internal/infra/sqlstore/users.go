package sqlstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

const userColumns = `id, tenant_id, email, name, password_hash, role, must_change_password, created_at`

func scanUser(row scanner) (*domain.AdminUser, error) {
	var (
		u         domain.AdminUser
		role      string
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.MustChangePassword, &createdAt); err != nil {
		return nil, err
	}
	u.Role = domain.Role(role)
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *domain.AdminUser) (*domain.AdminUser, error) {
	c := *u
	c.Email = domain.NormalizeEmail(c.Email)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO admin_users (`+userColumns+`) VALUES (`+placeholders(8)+`)`),
		c.ID, c.TenantID, c.Email, c.Name, c.PasswordHash, string(c.Role), c.MustChangePassword, millis(c.CreatedAt),
	)
	if err != nil {
		if s.isUniqueViolation(err) {
			return nil, &domain.ErrConflict{Resource: "user", Message: "email already registered"}
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &c, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.AdminUser, error) {
	email = domain.NormalizeEmail(email)
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM admin_users WHERE email = ?`), email)
	u, err := scanUser(row)
	if err != nil {
		return nil, mapErr(err, "user", email)
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.AdminUser, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM admin_users WHERE id = ?`), id)
	u, err := scanUser(row)
	if err != nil {
		return nil, mapErr(err, "user", id)
	}
	return u, nil
}

func (s *Store) CountUsersByTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM admin_users WHERE tenant_id = ?`), tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}
