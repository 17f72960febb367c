package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

func (s *Store) GetWebhookEvent(ctx context.Context, processor domain.Processor, eventID string) (*domain.WebhookEvent, error) {
	var (
		ev             domain.WebhookEvent
		proc, category string
		receivedAt     int64
		processedAt    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT processor, event_id, category, provider_ref, received_at, processed_at, outcome, error
		FROM webhook_events WHERE processor = ? AND event_id = ?`), string(processor), eventID).
		Scan(&proc, &ev.EventID, &category, &ev.ProviderRef, &receivedAt, &processedAt, &ev.Outcome, &ev.Error)
	if err != nil {
		return nil, mapErr(err, "webhook_event", eventID)
	}
	ev.Processor = domain.Processor(proc)
	ev.Category = domain.EventCategory(category)
	ev.ReceivedAt = fromMillis(receivedAt)
	ev.ProcessedAt = fromNullMillis(processedAt)
	return &ev, nil
}

// SaveWebhookEvent upserts on (processor, event_id). received_at keeps the
// first delivery time.
func (s *Store) SaveWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO webhook_events
		(processor, event_id, category, provider_ref, received_at, processed_at, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (processor, event_id) DO UPDATE SET
			category = excluded.category,
			provider_ref = excluded.provider_ref,
			processed_at = excluded.processed_at,
			outcome = excluded.outcome,
			error = excluded.error`),
		string(ev.Processor), ev.EventID, string(ev.Category), ev.ProviderRef,
		millis(ev.ReceivedAt), nullableMillis(ev.ProcessedAt), ev.Outcome, ev.Error,
	)
	if err != nil {
		return fmt.Errorf("save webhook event: %w", err)
	}
	return nil
}

// Count implements port.UsageCounter against the CMMS resource tables.
func (s *Store) Count(ctx context.Context, tenantID string, r domain.Resource) (int, error) {
	var table string
	switch r {
	case domain.ResourceUsers:
		return s.CountUsersByTenant(ctx, tenantID)
	case domain.ResourceAssets:
		table = "assets"
	case domain.ResourceWorkOrders:
		table = "work_orders"
	default:
		return 0, &domain.ErrValidation{Field: "resource", Message: "unknown resource " + string(r)}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM `+table+` WHERE tenant_id = ?`), tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
