package domain

import (
	"fmt"
	"strings"
	"time"
)

// Processor identifies a payment processor. Adapters are looked up by this key.
type Processor string

const (
	ProcessorMercadoPago Processor = "mercadopago"
	ProcessorPolar       Processor = "polar"
)

// ParseProcessor validates a processor name from a URL or payload.
func ParseProcessor(s string) (Processor, bool) {
	switch Processor(strings.ToLower(strings.TrimSpace(s))) {
	case ProcessorMercadoPago:
		return ProcessorMercadoPago, true
	case ProcessorPolar:
		return ProcessorPolar, true
	}
	return "", false
}

// SubscriptionStatus is the locally tracked state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionPending       SubscriptionStatus = "pending"
	SubscriptionAuthorized    SubscriptionStatus = "authorized"
	SubscriptionActive        SubscriptionStatus = "active"
	SubscriptionPaused        SubscriptionStatus = "paused"
	SubscriptionPaymentFailed SubscriptionStatus = "payment_failed"
	SubscriptionCancelled     SubscriptionStatus = "cancelled"
)

// Tracked reports whether the monitor should keep polling the provider.
func (s SubscriptionStatus) Tracked() bool {
	switch s {
	case SubscriptionAuthorized, SubscriptionActive, SubscriptionPaused, SubscriptionPaymentFailed:
		return true
	}
	return false
}

// NormalizedStatus is a provider status mapped to the common vocabulary.
type NormalizedStatus string

const (
	StatusPending       NormalizedStatus = "pending"
	StatusAuthorized    NormalizedStatus = "authorized"
	StatusPaused        NormalizedStatus = "paused"
	StatusCancelled     NormalizedStatus = "cancelled"
	StatusPaymentFailed NormalizedStatus = "payment_failed"
	StatusUnknown       NormalizedStatus = "unknown"
)

// CancelReasonSuperseded marks a subscription replaced by a newer one for the same tenant.
const CancelReasonSuperseded = "superseded"

// Subscription links a provider-side recurring payment to a tenant.
type Subscription struct {
	ID                     string             `json:"id"`
	ExternalReference      string             `json:"externalReference"`
	Processor              Processor          `json:"processor"`
	ProviderSubscriptionID string             `json:"providerSubscriptionId,omitempty"`
	TenantID               string             `json:"tenantId,omitempty"`
	PlanID                 Plan               `json:"planId"`
	PayerEmail             string             `json:"payerEmail"`
	PayerName              string             `json:"payerName,omitempty"`
	Country                string             `json:"country,omitempty"`
	Status                 SubscriptionStatus `json:"status"`
	Amount                 float64            `json:"amount"`
	Currency               string             `json:"currency"`
	Frequency              Frequency          `json:"frequency"`
	Synthesized            bool               `json:"synthesized,omitempty"`
	CancelReason           string             `json:"cancelReason,omitempty"`
	LastEventID            string             `json:"lastEventId,omitempty"`
	LastEventAt            *time.Time         `json:"lastEventAt,omitempty"`
	CreatedAt              time.Time          `json:"createdAt"`
	UpdatedAt              time.Time          `json:"updatedAt"`
	ActivatedAt            *time.Time         `json:"activatedAt,omitempty"`
	SuspendedAt            *time.Time         `json:"suspendedAt,omitempty"`
	CancelledAt            *time.Time         `json:"cancelledAt,omitempty"`
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.LastEventAt = cloneTime(s.LastEventAt)
	c.ActivatedAt = cloneTime(s.ActivatedAt)
	c.SuspendedAt = cloneTime(s.SuspendedAt)
	c.CancelledAt = cloneTime(s.CancelledAt)
	return &c
}

// SubscriptionPatch is a partial update of a subscription.
type SubscriptionPatch struct {
	ProviderSubscriptionID *string
	TenantID               *string
	PlanID                 *Plan
	Status                 *SubscriptionStatus
	Amount                 *float64
	Frequency              *Frequency
	CancelReason           *string
	LastEventID            *string
	LastEventAt            *time.Time
	ActivatedAt            *time.Time
	SuspendedAt            *time.Time
	CancelledAt            *time.Time
}

// Apply merges the patch into s.
func (p *SubscriptionPatch) Apply(s *Subscription) {
	if p.ProviderSubscriptionID != nil {
		s.ProviderSubscriptionID = *p.ProviderSubscriptionID
	}
	if p.TenantID != nil {
		s.TenantID = *p.TenantID
	}
	if p.PlanID != nil {
		s.PlanID = *p.PlanID
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Amount != nil {
		s.Amount = *p.Amount
	}
	if p.Frequency != nil {
		s.Frequency = *p.Frequency
	}
	if p.CancelReason != nil {
		s.CancelReason = *p.CancelReason
	}
	if p.LastEventID != nil {
		s.LastEventID = *p.LastEventID
	}
	if p.LastEventAt != nil {
		s.LastEventAt = cloneTime(p.LastEventAt)
	}
	if p.ActivatedAt != nil {
		s.ActivatedAt = cloneTime(p.ActivatedAt)
	}
	if p.SuspendedAt != nil {
		s.SuspendedAt = cloneTime(p.SuspendedAt)
	}
	if p.CancelledAt != nil {
		s.CancelledAt = cloneTime(p.CancelledAt)
	}
}

// SubscriptionFilter narrows ListSubscriptions.
type SubscriptionFilter struct {
	Statuses []SubscriptionStatus
	TenantID string
	Limit    int
}

// Matches reports whether s passes the filter.
func (f SubscriptionFilter) Matches(s *Subscription) bool {
	if f.TenantID != "" && s.TenantID != f.TenantID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// --- External reference ---

const externalRefPrefix = "cmms"

// ExternalReference is the structured correlation key sent to providers and
// echoed back in notifications.
type ExternalReference struct {
	Plan      Plan
	Frequency Frequency
	TenantID  string
	Nonce     string
}

// String renders "cmms|<plan>|<cycle>|<tenantId or new>|<nonce>".
func (r ExternalReference) String() string {
	tenant := r.TenantID
	if tenant == "" {
		tenant = "new"
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", externalRefPrefix, r.Plan, r.Frequency, tenant, r.Nonce)
}

// ParseExternalReference decodes a reference produced by String.
// Anything else (including references created outside this service) returns ok=false.
func ParseExternalReference(s string) (ExternalReference, bool) {
	parts := strings.Split(s, "|")
	if len(parts) != 5 || parts[0] != externalRefPrefix {
		return ExternalReference{}, false
	}
	plan, ok := ParsePlan(parts[1])
	if !ok {
		return ExternalReference{}, false
	}
	freq, ok := ParseFrequency(parts[2])
	if !ok {
		return ExternalReference{}, false
	}
	ref := ExternalReference{Plan: plan, Frequency: freq, Nonce: parts[4]}
	if parts[3] != "new" {
		ref.TenantID = parts[3]
	}
	return ref, true
}

// PeriodEnd returns the end of one billing period starting at from.
func PeriodEnd(from time.Time, f Frequency) time.Time {
	if f == FrequencyAnnual {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}
