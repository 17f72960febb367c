package domain

import "time"

// EventCategory classifies a normalized payment notification.
type EventCategory string

const (
	EventPaymentConfirmed      EventCategory = "payment_confirmed"
	EventSubscriptionCreated   EventCategory = "subscription_created"
	EventSubscriptionUpdated   EventCategory = "subscription_updated"
	EventSubscriptionCancelled EventCategory = "subscription_cancelled"
	EventPaymentFailed         EventCategory = "payment_failed"
	EventIgnored               EventCategory = "ignored"
)

// PaymentEvent is a provider notification after signature verification and
// normalization. Adapters fill what the provider sends; empty fields are unknown.
type PaymentEvent struct {
	Processor         Processor        `json:"processor"`
	EventID           string           `json:"eventId"`
	Category          EventCategory    `json:"category"`
	ProviderRef       string           `json:"providerRef,omitempty"`
	ExternalReference string           `json:"externalReference,omitempty"`
	PayerEmail        string           `json:"payerEmail,omitempty"`
	PayerName         string           `json:"payerName,omitempty"`
	PlanID            Plan             `json:"planId,omitempty"`
	Frequency         Frequency        `json:"frequency,omitempty"`
	Amount            float64          `json:"amount,omitempty"`
	Currency          string           `json:"currency,omitempty"`
	Status            NormalizedStatus `json:"status,omitempty"`
	OccurredAt        time.Time        `json:"occurredAt"`
	NextBillingAt     *time.Time       `json:"nextBillingAt,omitempty"`
	IgnoreReason      string           `json:"ignoreReason,omitempty"`
}

// Successful reports whether the event grants entitlement.
func (e *PaymentEvent) Successful() bool {
	switch e.Category {
	case EventPaymentConfirmed:
		return true
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return e.Status == StatusAuthorized
	}
	return false
}

// CheckoutParams is what the router hands an adapter.
type CheckoutParams struct {
	Plan              PlanDefinition
	Frequency         Frequency
	Amount            float64
	Currency          string
	PayerEmail        string
	PayerName         string
	ExternalReference string
	SuccessURL        string
}

// CheckoutSession is the provider's answer to CreateCheckout. ProviderRef is
// set only when the checkout id is also the subscription id the provider
// will use in notifications.
type CheckoutSession struct {
	CheckoutURL string `json:"checkoutUrl"`
	CheckoutID  string `json:"checkoutId"`
	ProviderRef string `json:"providerRef,omitempty"`
}

// CancelResult is the provider's answer to Cancel.
type CancelResult struct {
	Success          bool             `json:"success"`
	NormalizedReason NormalizedStatus `json:"normalizedReason"`
}

// CheckoutRequest is the unified checkout input.
type CheckoutRequest struct {
	PlanID       string `json:"planId"`
	PayerEmail   string `json:"payerEmail"`
	PayerName    string `json:"payerName"`
	BillingCycle string `json:"billingCycle"`
	Country      string `json:"country"`
	TenantID     string `json:"tenantId,omitempty"`
}

// CheckoutResponse is the unified checkout output.
type CheckoutResponse struct {
	CheckoutURL       string    `json:"checkoutUrl"`
	Processor         Processor `json:"processor"`
	ExternalReference string    `json:"externalReference"`
	SubscriptionID    string    `json:"subscriptionId"`
}

// SubscriptionView is a local record plus the live provider status.
type SubscriptionView struct {
	Subscription   *Subscription    `json:"subscription"`
	ProviderStatus NormalizedStatus `json:"providerStatus"`
}

// --- Webhook ledger ---

// Webhook outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// WebhookEvent records a received provider notification.
type WebhookEvent struct {
	Processor   Processor     `json:"processor"`
	EventID     string        `json:"eventId"`
	Category    EventCategory `json:"category"`
	ProviderRef string        `json:"providerRef,omitempty"`
	ReceivedAt  time.Time     `json:"receivedAt"`
	ProcessedAt *time.Time    `json:"processedAt,omitempty"`
	Outcome     string        `json:"outcome"`
	Error       string        `json:"error,omitempty"`
}

// Done reports whether a re-delivery of this event can be short-circuited.
func (w *WebhookEvent) Done() bool {
	return w.ProcessedAt != nil && w.Outcome != OutcomeFailed
}

// WebhookAck is the body returned to the provider. The HTTP status is always 200.
type WebhookAck struct {
	Processed bool   `json:"processed"`
	Reason    string `json:"reason,omitempty"`
}
