package supabase

import (
	"context"
	"net/url"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

func (c *Client) GetWebhookEvent(ctx context.Context, processor domain.Processor, eventID string) (*domain.WebhookEvent, error) {
	var row *webhookRow
	err := c.execute(ctx, "GetWebhookEvent", func() error {
		var err error
		row, err = fetchOne[webhookRow](ctx, c, "webhook_events", "webhook_event", eventID, url.Values{
			"select":    {"*"},
			"processor": eq(string(processor)),
			"event_id":  eq(eventID),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// SaveWebhookEvent upserts on (processor, event_id).
func (c *Client) SaveWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	row := webhookRow{
		Processor:   string(ev.Processor),
		EventID:     ev.EventID,
		Category:    string(ev.Category),
		ProviderRef: ev.ProviderRef,
		ReceivedAt:  ev.ReceivedAt,
		ProcessedAt: ev.ProcessedAt,
		Outcome:     ev.Outcome,
		Error:       ev.Error,
	}
	q := url.Values{"on_conflict": {"processor,event_id"}}
	return c.execute(ctx, "SaveWebhookEvent", func() error {
		_, err := c.doPost(ctx, "webhook_events", q, row, "resolution=merge-duplicates,return=minimal")
		return err
	})
}
