package supabase

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

func (c *Client) CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	sc := sub.Clone()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := c.now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	sc.PayerEmail = domain.NormalizeEmail(sc.PayerEmail)

	created := sc
	err := c.execute(ctx, "CreateSubscription", func() error {
		body, err := c.doPost(ctx, "subscriptions", nil, newSubscriptionRow(sc), "")
		if err != nil {
			return err
		}
		rows, err := decodeRows[subscriptionRow](body)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			created = rows[0].toDomain()
		}
		return nil
	})
	if err != nil {
		var cf *domain.ErrConflict
		if errors.As(err, &cf) {
			return nil, &domain.ErrConflict{Resource: "subscription", Message: "external reference already exists"}
		}
		return nil, err
	}
	return created, nil
}

func (c *Client) findSubscription(ctx context.Context, op, id string, q url.Values) (*domain.Subscription, error) {
	var row *subscriptionRow
	err := c.execute(ctx, op, func() error {
		var err error
		row, err = fetchOne[subscriptionRow](ctx, c, "subscriptions", "subscription", id, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	return c.findSubscription(ctx, "GetSubscription", id, url.Values{"select": {"*"}, "id": eq(id)})
}

func (c *Client) FindSubscriptionByProviderID(ctx context.Context, processor domain.Processor, providerID string) (*domain.Subscription, error) {
	if providerID == "" {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: providerID}
	}
	return c.findSubscription(ctx, "FindSubscriptionByProviderID", providerID, url.Values{
		"select":                   {"*"},
		"processor":                eq(string(processor)),
		"provider_subscription_id": eq(providerID),
	})
}

func (c *Client) FindSubscriptionByExternalReference(ctx context.Context, ref string) (*domain.Subscription, error) {
	return c.findSubscription(ctx, "FindSubscriptionByExternalReference", ref, url.Values{
		"select":             {"*"},
		"external_reference": eq(ref),
	})
}

func (c *Client) FindLatestSubscriptionByEmail(ctx context.Context, email string) (*domain.Subscription, error) {
	email = domain.NormalizeEmail(email)
	return c.findSubscription(ctx, "FindLatestSubscriptionByEmail", email, url.Values{
		"select":      {"*"},
		"payer_email": eq(email),
		"order":       {"created_at.desc,id.desc"},
	})
}

func (c *Client) UpdateSubscription(ctx context.Context, id string, patch *domain.SubscriptionPatch) (*domain.Subscription, error) {
	payload := patch.Columns()
	payload["updated_at"] = c.now().UTC()

	var updated *domain.Subscription
	err := c.execute(ctx, "UpdateSubscription", func() error {
		body, err := c.doPatch(ctx, "subscriptions", url.Values{"id": eq(id)}, payload)
		if err != nil {
			return err
		}
		rows, err := decodeRows[subscriptionRow](body)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			updated = rows[0].toDomain()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, &domain.ErrNotFound{Resource: "subscription", ID: id}
	}
	return updated, nil
}

func (c *Client) ListSubscriptions(ctx context.Context, filter domain.SubscriptionFilter) ([]*domain.Subscription, error) {
	q := url.Values{"select": {"*"}, "order": {"created_at.asc,id.asc"}}
	if filter.TenantID != "" {
		q.Set("tenant_id", "eq."+filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		q.Set("status", "in.("+strings.Join(statuses, ",")+")")
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var rows []subscriptionRow
	err := c.execute(ctx, "ListSubscriptions", func() error {
		body, err := c.doGet(ctx, "subscriptions", q)
		if err != nil {
			return err
		}
		rows, err = decodeRows[subscriptionRow](body)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Subscription, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
