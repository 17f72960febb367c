package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

const subscriptionColumns = `id, external_reference, processor, provider_subscription_id, tenant_id,
	plan_id, payer_email, payer_name, country, status, amount, currency, frequency,
	synthesized, cancel_reason, last_event_id, last_event_at,
	created_at, updated_at, activated_at, suspended_at, cancelled_at`

func scanSubscription(row scanner) (*domain.Subscription, error) {
	var (
		sub                                        domain.Subscription
		processor, plan, status, freq              string
		lastEvent, activated, suspended, cancelled sql.NullInt64
		createdAt, updatedAt                       int64
	)
	if err := row.Scan(
		&sub.ID, &sub.ExternalReference, &processor, &sub.ProviderSubscriptionID, &sub.TenantID,
		&plan, &sub.PayerEmail, &sub.PayerName, &sub.Country, &status, &sub.Amount, &sub.Currency, &freq,
		&sub.Synthesized, &sub.CancelReason, &sub.LastEventID, &lastEvent,
		&createdAt, &updatedAt, &activated, &suspended, &cancelled,
	); err != nil {
		return nil, err
	}
	sub.Processor = domain.Processor(processor)
	sub.PlanID = domain.Plan(plan)
	sub.Status = domain.SubscriptionStatus(status)
	sub.Frequency = domain.Frequency(freq)
	sub.LastEventAt = fromNullMillis(lastEvent)
	sub.CreatedAt = fromMillis(createdAt)
	sub.UpdatedAt = fromMillis(updatedAt)
	sub.ActivatedAt = fromNullMillis(activated)
	sub.SuspendedAt = fromNullMillis(suspended)
	sub.CancelledAt = fromNullMillis(cancelled)
	return &sub, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	c := sub.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.PayerEmail = domain.NormalizeEmail(c.PayerEmail)

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (`+placeholders(22)+`)`),
		c.ID, c.ExternalReference, string(c.Processor), c.ProviderSubscriptionID, c.TenantID,
		string(c.PlanID), c.PayerEmail, c.PayerName, c.Country, string(c.Status), c.Amount, c.Currency, string(c.Frequency),
		c.Synthesized, c.CancelReason, c.LastEventID, nullableMillis(c.LastEventAt),
		millis(c.CreatedAt), millis(c.UpdatedAt), nullableMillis(c.ActivatedAt), nullableMillis(c.SuspendedAt), nullableMillis(c.CancelledAt),
	)
	if err != nil {
		if s.isUniqueViolation(err) {
			return nil, &domain.ErrConflict{Resource: "subscription", Message: "external reference already exists"}
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return c, nil
}

func (s *Store) getSubscriptionWhere(ctx context.Context, where, id string, args ...any) (*domain.Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where), args...)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, mapErr(err, "subscription", id)
	}
	return sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.getSubscriptionWhere(ctx, `id = ?`, id, id)
}

func (s *Store) FindSubscriptionByProviderID(ctx context.Context, processor domain.Processor, providerID string) (*domain.Subscription, error) {
	if providerID == "" {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: providerID}
	}
	return s.getSubscriptionWhere(ctx, `processor = ? AND provider_subscription_id = ?`, providerID, string(processor), providerID)
}

func (s *Store) FindSubscriptionByExternalReference(ctx context.Context, ref string) (*domain.Subscription, error) {
	return s.getSubscriptionWhere(ctx, `external_reference = ?`, ref, ref)
}

func (s *Store) FindLatestSubscriptionByEmail(ctx context.Context, email string) (*domain.Subscription, error) {
	email = domain.NormalizeEmail(email)
	return s.getSubscriptionWhere(ctx, `payer_email = ? ORDER BY created_at DESC, id DESC LIMIT 1`, email, email)
}

func (s *Store) UpdateSubscription(ctx context.Context, id string, patch *domain.SubscriptionPatch) (*domain.Subscription, error) {
	set, args := setClause(patch.Columns())
	if set != "" {
		set += ", "
	}
	set += "updated_at = ?"
	args = append(args, millis(s.now()), id)

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE subscriptions SET `+set+` WHERE id = ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: id}
	}
	return s.GetSubscription(ctx, id)
}

func (s *Store) ListSubscriptions(ctx context.Context, filter domain.SubscriptionFilter) ([]*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE 1 = 1`
	var args []any
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
