package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

const (
	temporaryPasswordLen     = 12
	temporaryPasswordCharset = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"
	maxProvisionAttempts     = 3
)

// provision creates tenant + admin user for a payer with no account yet.
// Serialized per payer email so two notifications for the same checkout
// cannot create two tenants. The tenant starts suspended and holds no
// entitlement until activate grants the plan; if the admin user cannot be
// created the tenant is cancelled so a retry starts clean.
func (r *Reconciler) provision(ctx context.Context, sub *domain.Subscription, plan domain.Plan) (string, bool, error) {
	ctx, span := reconcilerTracer.Start(ctx, "Reconciler.provision")
	defer span.End()

	email := domain.NormalizeEmail(sub.PayerEmail)
	if email == "" {
		return "", false, &domain.ErrValidation{Field: "payerEmail", Message: "cannot provision a tenant without a payer email"}
	}

	unlock, err := r.locker.Lock(ctx, "provision:"+email, provisioningLock)
	if err != nil {
		return "", false, fmt.Errorf("lock provisioning: %w", err)
	}
	defer unlock()

	if u, err := r.store.GetUserByEmail(ctx, email); err == nil {
		return u.TenantID, false, nil
	} else if !domain.IsNotFound(err) {
		return "", false, fmt.Errorf("find payer user: %w", err)
	}

	base := sub.PayerName
	if base == "" {
		base = email
	}
	now := r.now().UTC()
	var tenant *domain.Tenant
	for attempt := 0; attempt < maxProvisionAttempts && tenant == nil; attempt++ {
		subdomain, err := r.directory.AllocateSubdomain(ctx, base)
		if err != nil {
			return "", false, err
		}
		name := sub.PayerName
		if name == "" {
			name = subdomain
		}
		t := &domain.Tenant{
			TenantID:         NewTenantID(),
			Subdomain:        subdomain,
			Name:             name,
			OwnerEmail:       email,
			Country:          sub.Country,
			Plan:             domain.PlanSuspended,
			PreviousPlan:     plan,
			Status:           domain.TenantSuspended,
			SuspendedAt:      &now,
			SuspensionReason: domain.ReasonProvisioning,
		}
		t.ApplyLimits(domain.PlanSuspended)
		tenant, err = r.directory.Create(ctx, t, SourceWebhook)
		if domain.IsConflict(err) {
			// Lost the subdomain to a concurrent signup; probe again.
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("create tenant: %w", err)
		}
	}
	if tenant == nil {
		return "", false, &domain.ErrConflict{Resource: "tenant", Message: "could not allocate a subdomain for " + email}
	}

	tmp, err := generateTemporaryPassword()
	if err != nil {
		r.abandonTenant(ctx, tenant.TenantID)
		return "", false, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(tmp), bcryptCost)
	if err != nil {
		r.abandonTenant(ctx, tenant.TenantID)
		return "", false, fmt.Errorf("hash password: %w", err)
	}

	_, err = r.store.CreateUser(ctx, &domain.AdminUser{
		ID:                 uuid.NewString(),
		TenantID:           tenant.TenantID,
		Email:              email,
		Name:               sub.PayerName,
		PasswordHash:       string(hash),
		Role:               domain.RoleAdmin,
		MustChangePassword: true,
		CreatedAt:          now,
	})
	if domain.IsConflict(err) {
		// Another process provisioned the same email between our read and insert.
		r.abandonTenant(ctx, tenant.TenantID)
		existing, gerr := r.store.GetUserByEmail(ctx, email)
		if gerr != nil {
			return "", false, gerr
		}
		return existing.TenantID, false, nil
	}
	if err != nil {
		r.abandonTenant(ctx, tenant.TenantID)
		return "", false, fmt.Errorf("create admin user: %w", err)
	}

	msg := &domain.WelcomeMessage{
		Email:             email,
		Name:              sub.PayerName,
		TenantName:        tenant.Name,
		Subdomain:         tenant.Subdomain,
		Plan:              plan,
		TemporaryPassword: tmp,
		LoginURL:          r.loginURL,
	}
	if err := r.mailer.SendWelcome(ctx, msg); err != nil {
		r.logger.Error("welcome email failed",
			zap.String("tenant_id", tenant.TenantID),
			zap.String("email", email),
			zap.Error(err),
		)
	}

	r.logger.Info("tenant provisioned",
		zap.String("tenant_id", tenant.TenantID),
		zap.String("subdomain", tenant.Subdomain),
		zap.String("email", email),
		zap.String("plan", string(plan)),
	)
	return tenant.TenantID, true, nil
}

func (r *Reconciler) abandonTenant(ctx context.Context, tenantID string) {
	cancelled := domain.TenantCancelled
	if _, err := r.directory.Update(ctx, tenantID, &domain.TenantPatch{Status: &cancelled, UpdatedBy: SourceWebhook}); err != nil {
		r.logger.Warn("could not cancel orphaned tenant", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	r.logger.Warn("orphaned tenant cancelled", zap.String("tenant_id", tenantID))
}

func generateTemporaryPassword() (string, error) {
	b := make([]byte, temporaryPasswordLen)
	n := big.NewInt(int64(len(temporaryPasswordCharset)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b[i] = temporaryPasswordCharset[idx.Int64()]
	}
	return string(b), nil
}
