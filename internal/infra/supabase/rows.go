package supabase

import (
	"time"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

// Row types mirror the PostgREST JSON for each table. Timestamps travel
// as RFC 3339 strings (timestamptz columns).

type tenantRow struct {
	TenantID              string     `json:"tenant_id"`
	Subdomain             string     `json:"subdomain"`
	Name                  string     `json:"name"`
	OwnerEmail            string     `json:"owner_email"`
	Country               string     `json:"country"`
	Plan                  string     `json:"plan"`
	Status                string     `json:"status"`
	MaxUsers              int        `json:"max_users"`
	MaxAssets             int        `json:"max_assets"`
	MaxWorkOrders         int        `json:"max_work_orders"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at"`
	SubscriptionAmount    float64    `json:"subscription_amount"`
	SubscriptionFrequency string     `json:"subscription_frequency"`
	PreviousPlan          string     `json:"previous_plan"`
	SuspendedAt           *time.Time `json:"suspended_at"`
	SuspensionReason      string     `json:"suspension_reason"`
	StatsUsers            int        `json:"stats_users"`
	StatsAssets           int        `json:"stats_assets"`
	StatsWorkOrders       int        `json:"stats_work_orders"`
	StatsRefreshedAt      *time.Time `json:"stats_refreshed_at"`
	Version               int64      `json:"version"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	UpdatedBy             string     `json:"updated_by"`
}

func newTenantRow(t *domain.Tenant) tenantRow {
	return tenantRow{
		TenantID:              t.TenantID,
		Subdomain:             t.Subdomain,
		Name:                  t.Name,
		OwnerEmail:            t.OwnerEmail,
		Country:               t.Country,
		Plan:                  string(t.Plan),
		Status:                string(t.Status),
		MaxUsers:              t.MaxUsers,
		MaxAssets:             t.MaxAssets,
		MaxWorkOrders:         t.MaxWorkOrders,
		SubscriptionExpiresAt: t.SubscriptionExpiresAt,
		SubscriptionAmount:    t.SubscriptionAmount,
		SubscriptionFrequency: string(t.SubscriptionFrequency),
		PreviousPlan:          string(t.PreviousPlan),
		SuspendedAt:           t.SuspendedAt,
		SuspensionReason:      t.SuspensionReason,
		StatsUsers:            t.Stats.Users,
		StatsAssets:           t.Stats.Assets,
		StatsWorkOrders:       t.Stats.WorkOrders,
		StatsRefreshedAt:      t.Stats.RefreshedAt,
		Version:               t.Version,
		CreatedAt:             t.CreatedAt,
		UpdatedAt:             t.UpdatedAt,
		UpdatedBy:             t.UpdatedBy,
	}
}

func (r *tenantRow) toDomain() *domain.Tenant {
	return &domain.Tenant{
		TenantID:              r.TenantID,
		Subdomain:             r.Subdomain,
		Name:                  r.Name,
		OwnerEmail:            r.OwnerEmail,
		Country:               r.Country,
		Plan:                  domain.Plan(r.Plan),
		Status:                domain.TenantStatus(r.Status),
		MaxUsers:              r.MaxUsers,
		MaxAssets:             r.MaxAssets,
		MaxWorkOrders:         r.MaxWorkOrders,
		SubscriptionExpiresAt: r.SubscriptionExpiresAt,
		SubscriptionAmount:    r.SubscriptionAmount,
		SubscriptionFrequency: domain.Frequency(r.SubscriptionFrequency),
		PreviousPlan:          domain.Plan(r.PreviousPlan),
		SuspendedAt:           r.SuspendedAt,
		SuspensionReason:      r.SuspensionReason,
		Stats: domain.TenantStats{
			Users:       r.StatsUsers,
			Assets:      r.StatsAssets,
			WorkOrders:  r.StatsWorkOrders,
			RefreshedAt: r.StatsRefreshedAt,
		},
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		UpdatedBy: r.UpdatedBy,
	}
}

type subscriptionRow struct {
	ID                     string     `json:"id"`
	ExternalReference      string     `json:"external_reference"`
	Processor              string     `json:"processor"`
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	TenantID               string     `json:"tenant_id"`
	PlanID                 string     `json:"plan_id"`
	PayerEmail             string     `json:"payer_email"`
	PayerName              string     `json:"payer_name"`
	Country                string     `json:"country"`
	Status                 string     `json:"status"`
	Amount                 float64    `json:"amount"`
	Currency               string     `json:"currency"`
	Frequency              string     `json:"frequency"`
	Synthesized            bool       `json:"synthesized"`
	CancelReason           string     `json:"cancel_reason"`
	LastEventID            string     `json:"last_event_id"`
	LastEventAt            *time.Time `json:"last_event_at"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	ActivatedAt            *time.Time `json:"activated_at"`
	SuspendedAt            *time.Time `json:"suspended_at"`
	CancelledAt            *time.Time `json:"cancelled_at"`
}

func newSubscriptionRow(s *domain.Subscription) subscriptionRow {
	return subscriptionRow{
		ID:                     s.ID,
		ExternalReference:      s.ExternalReference,
		Processor:              string(s.Processor),
		ProviderSubscriptionID: s.ProviderSubscriptionID,
		TenantID:               s.TenantID,
		PlanID:                 string(s.PlanID),
		PayerEmail:             s.PayerEmail,
		PayerName:              s.PayerName,
		Country:                s.Country,
		Status:                 string(s.Status),
		Amount:                 s.Amount,
		Currency:               s.Currency,
		Frequency:              string(s.Frequency),
		Synthesized:            s.Synthesized,
		CancelReason:           s.CancelReason,
		LastEventID:            s.LastEventID,
		LastEventAt:            s.LastEventAt,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
		ActivatedAt:            s.ActivatedAt,
		SuspendedAt:            s.SuspendedAt,
		CancelledAt:            s.CancelledAt,
	}
}

func (r *subscriptionRow) toDomain() *domain.Subscription {
	return &domain.Subscription{
		ID:                     r.ID,
		ExternalReference:      r.ExternalReference,
		Processor:              domain.Processor(r.Processor),
		ProviderSubscriptionID: r.ProviderSubscriptionID,
		TenantID:               r.TenantID,
		PlanID:                 domain.Plan(r.PlanID),
		PayerEmail:             r.PayerEmail,
		PayerName:              r.PayerName,
		Country:                r.Country,
		Status:                 domain.SubscriptionStatus(r.Status),
		Amount:                 r.Amount,
		Currency:               r.Currency,
		Frequency:              domain.Frequency(r.Frequency),
		Synthesized:            r.Synthesized,
		CancelReason:           r.CancelReason,
		LastEventID:            r.LastEventID,
		LastEventAt:            r.LastEventAt,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		ActivatedAt:            r.ActivatedAt,
		SuspendedAt:            r.SuspendedAt,
		CancelledAt:            r.CancelledAt,
	}
}

type userRow struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	PasswordHash       string    `json:"password_hash"`
	Role               string    `json:"role"`
	MustChangePassword bool      `json:"must_change_password"`
	CreatedAt          time.Time `json:"created_at"`
}

func (r *userRow) toDomain() *domain.AdminUser {
	return &domain.AdminUser{
		ID:                 r.ID,
		TenantID:           r.TenantID,
		Email:              r.Email,
		Name:               r.Name,
		PasswordHash:       r.PasswordHash,
		Role:               domain.Role(r.Role),
		MustChangePassword: r.MustChangePassword,
		CreatedAt:          r.CreatedAt,
	}
}

type webhookRow struct {
	Processor   string     `json:"processor"`
	EventID     string     `json:"event_id"`
	Category    string     `json:"category"`
	ProviderRef string     `json:"provider_ref"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	Outcome     string     `json:"outcome"`
	Error       string     `json:"error"`
}

func (r *webhookRow) toDomain() *domain.WebhookEvent {
	return &domain.WebhookEvent{
		Processor:   domain.Processor(r.Processor),
		EventID:     r.EventID,
		Category:    domain.EventCategory(r.Category),
		ProviderRef: r.ProviderRef,
		ReceivedAt:  r.ReceivedAt,
		ProcessedAt: r.ProcessedAt,
		Outcome:     r.Outcome,
		Error:       r.Error,
	}
}
