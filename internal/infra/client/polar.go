package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/resilience"
)

// webhookTolerance bounds the age of a signed Polar delivery.
const webhookTolerance = 5 * time.Minute

// PolarConfig configures the international adapter.
type PolarConfig struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string
	// Products maps ProductKey(plan, frequency) to a Polar product id.
	Products map[string]string
	Timeout  time.Duration
}

// ProductKey is the lookup key into PolarConfig.Products.
func ProductKey(p domain.Plan, f domain.Frequency) string {
	return string(p) + ":" + string(f)
}

// PolarClient talks to the Polar checkouts and subscriptions APIs.
type PolarClient struct {
	provider
	polarCfg PolarConfig
	now      func() time.Time
}

// NewPolarClient creates the international adapter.
func NewPolarClient(cfg PolarConfig, cb *gobreaker.CircuitBreaker, rcfg resilience.Config, logger *zap.Logger) *PolarClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.polar.sh"
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook signature verification disabled", zap.String("processor", "polar"))
	}
	return &PolarClient{
		provider: newProvider(domain.ProcessorPolar, cfg.BaseURL, cfg.AccessToken, cfg.Timeout, cb, rcfg, logger),
		polarCfg: cfg,
		now:      time.Now,
	}
}

// WithClock overrides the clock used for signature tolerance.
func (c *PolarClient) WithClock(now func() time.Time) *PolarClient {
	c.now = now
	return c
}

func (c *PolarClient) Processor() domain.Processor { return domain.ProcessorPolar }

type polarCheckoutRequest struct {
	Products      []string          `json:"products"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	CustomerName  string            `json:"customer_name,omitempty"`
	SuccessURL    string            `json:"success_url,omitempty"`
	Metadata      map[string]string `json:"metadata"`
}

type polarCheckout struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type polarCustomer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type polarSubscription struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	RecurringInterval string            `json:"recurring_interval"`
	CurrentPeriodEnd  *time.Time        `json:"current_period_end"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Customer          polarCustomer     `json:"customer"`
	Metadata          map[string]string `json:"metadata"`
}

type polarOrder struct {
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscription_id"`
	BillingReason  string            `json:"billing_reason"`
	TotalAmount    int64             `json:"total_amount"`
	Currency       string            `json:"currency"`
	Customer       polarCustomer     `json:"customer"`
	Metadata       map[string]string `json:"metadata"`
}

// CreateCheckout opens a checkout session for the catalog product.
func (c *PolarClient) CreateCheckout(ctx context.Context, params *domain.CheckoutParams) (*domain.CheckoutSession, error) {
	product, ok := c.polarCfg.Products[ProductKey(params.Plan.ID, params.Frequency)]
	if !ok {
		return nil, &domain.ErrValidation{Field: "planId", Message: "no polar product configured for " + ProductKey(params.Plan.ID, params.Frequency)}
	}
	body := polarCheckoutRequest{
		Products:      []string{product},
		CustomerEmail: params.PayerEmail,
		CustomerName:  params.PayerName,
		SuccessURL:    params.SuccessURL,
		Metadata: map[string]string{
			"external_reference": params.ExternalReference,
			"plan":               string(params.Plan.ID),
			"frequency":          string(params.Frequency),
		},
	}

	var out polarCheckout
	err := c.call(ctx, "CreateCheckout", func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(body).SetResult(&out).Post("/v1/checkouts/")
	})
	if err != nil {
		return nil, err
	}
	return &domain.CheckoutSession{CheckoutURL: out.URL, CheckoutID: out.ID}, nil
}

func (c *PolarClient) GetSubscriptionStatus(ctx context.Context, providerRef string) (domain.NormalizedStatus, error) {
	var out polarSubscription
	err := c.call(ctx, "GetSubscription", func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&out).SetPathParam("id", providerRef).Get("/v1/subscriptions/{id}")
	})
	if err != nil {
		return domain.StatusUnknown, err
	}
	return polarStatus(out.Status), nil
}

// Cancel revokes the subscription immediately.
func (c *PolarClient) Cancel(ctx context.Context, providerRef string) (*domain.CancelResult, error) {
	err := c.call(ctx, "Cancel", func(req *resty.Request) (*resty.Response, error) {
		return req.SetPathParam("id", providerRef).Delete("/v1/subscriptions/{id}")
	})
	if err != nil {
		return &domain.CancelResult{Success: false, NormalizedReason: domain.StatusUnknown}, err
	}
	return &domain.CancelResult{Success: true, NormalizedReason: domain.StatusCancelled}, nil
}

func polarStatus(s string) domain.NormalizedStatus {
	switch s {
	case "active", "trialing":
		return domain.StatusAuthorized
	case "incomplete":
		return domain.StatusPending
	case "past_due", "unpaid":
		return domain.StatusPaymentFailed
	case "canceled", "incomplete_expired":
		return domain.StatusCancelled
	}
	return domain.StatusUnknown
}

func polarFrequency(interval string) domain.Frequency {
	switch interval {
	case "year":
		return domain.FrequencyAnnual
	case "month":
		return domain.FrequencyMonthly
	}
	return ""
}

type polarEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseWebhook verifies the Standard Webhooks signature and normalizes the
// event. Polar payloads are self-contained, so no API call is made.
func (c *PolarClient) ParseWebhook(_ context.Context, headers http.Header, body []byte) (*domain.PaymentEvent, error) {
	if err := verifyStandardWebhook(c.polarCfg.WebhookSecret, headers, body, c.now()); err != nil {
		return nil, err
	}
	var env polarEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &domain.ErrValidation{Field: "body", Message: "invalid polar event: " + err.Error()}
	}

	ev := &domain.PaymentEvent{
		Processor:  domain.ProcessorPolar,
		EventID:    headers.Get("webhook-id"),
		OccurredAt: c.now().UTC(),
	}
	if ts, err := strconv.ParseInt(headers.Get("webhook-timestamp"), 10, 64); err == nil {
		ev.OccurredAt = time.Unix(ts, 0).UTC()
	}

	switch {
	case strings.HasPrefix(env.Type, "subscription."):
		var sub polarSubscription
		if err := json.Unmarshal(env.Data, &sub); err != nil {
			return nil, &domain.ErrValidation{Field: "data", Message: "invalid subscription payload: " + err.Error()}
		}
		c.subscriptionEvent(ev, env.Type, &sub)
	case env.Type == "order.paid":
		var order polarOrder
		if err := json.Unmarshal(env.Data, &order); err != nil {
			return nil, &domain.ErrValidation{Field: "data", Message: "invalid order payload: " + err.Error()}
		}
		ev.Category = domain.EventPaymentConfirmed
		ev.Status = domain.StatusAuthorized
		ev.ProviderRef = order.SubscriptionID
		ev.ExternalReference = order.Metadata["external_reference"]
		ev.PayerEmail = order.Customer.Email
		ev.PayerName = order.Customer.Name
		ev.Amount = float64(order.TotalAmount) / 100
		ev.Currency = strings.ToUpper(order.Currency)
		applyMetadata(ev, order.Metadata)
		if order.SubscriptionID == "" {
			ev.Category = domain.EventIgnored
			ev.IgnoreReason = "one-off order"
		}
	default:
		ev.Category = domain.EventIgnored
		ev.IgnoreReason = "unhandled event type " + env.Type
	}
	if ev.EventID == "" {
		ev.EventID = env.Type + ":" + ev.ProviderRef
	}
	return ev, nil
}

func (c *PolarClient) subscriptionEvent(ev *domain.PaymentEvent, typ string, sub *polarSubscription) {
	ev.ProviderRef = sub.ID
	ev.ExternalReference = sub.Metadata["external_reference"]
	ev.PayerEmail = sub.Customer.Email
	ev.PayerName = sub.Customer.Name
	ev.Amount = float64(sub.Amount) / 100
	ev.Currency = strings.ToUpper(sub.Currency)
	ev.Frequency = polarFrequency(sub.RecurringInterval)
	ev.NextBillingAt = sub.CurrentPeriodEnd
	ev.Status = polarStatus(sub.Status)
	applyMetadata(ev, sub.Metadata)

	switch typ {
	case "subscription.revoked":
		ev.Category = domain.EventSubscriptionCancelled
		ev.Status = domain.StatusCancelled
		return
	case "subscription.canceled":
		// Canceled keeps access until the period ends; revoked follows.
		if ev.Status == domain.StatusAuthorized {
			ev.Category = domain.EventIgnored
			ev.IgnoreReason = "cancellation scheduled at period end"
			return
		}
	}

	switch ev.Status {
	case domain.StatusCancelled:
		ev.Category = domain.EventSubscriptionCancelled
	case domain.StatusPaymentFailed:
		ev.Category = domain.EventPaymentFailed
	case domain.StatusAuthorized:
		ev.Category = domain.EventSubscriptionUpdated
		if typ == "subscription.created" {
			ev.Category = domain.EventSubscriptionCreated
		}
	default:
		ev.Category = domain.EventIgnored
		ev.IgnoreReason = "subscription status " + sub.Status
	}
}

func applyMetadata(ev *domain.PaymentEvent, md map[string]string) {
	if p, ok := domain.ParsePlan(md["plan"]); ok && p != domain.PlanNone {
		ev.PlanID = p
	}
	if f, ok := domain.ParseFrequency(md["frequency"]); ok && ev.Frequency == "" {
		ev.Frequency = f
	}
	fillFromReference(ev)
}

// polarKey returns the HMAC key: "whsec_" secrets are base64, others raw.
func polarKey(secret string) []byte {
	if rest, ok := strings.CutPrefix(secret, "whsec_"); ok {
		if key, err := base64.StdEncoding.DecodeString(rest); err == nil {
			return key
		}
	}
	return []byte(secret)
}

// verifyStandardWebhook checks webhook-signature ("v1,<base64>" entries,
// space separated) over "<id>.<timestamp>.<body>". An empty secret disables
// verification.
func verifyStandardWebhook(secret string, headers http.Header, body []byte, now time.Time) error {
	if secret == "" {
		return nil
	}
	id := headers.Get("webhook-id")
	tsRaw := headers.Get("webhook-timestamp")
	sigs := headers.Get("webhook-signature")
	if id == "" || tsRaw == "" || sigs == "" {
		return &domain.ErrValidation{Field: "webhook-signature", Message: "missing signature headers"}
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return &domain.ErrValidation{Field: "webhook-timestamp", Message: "invalid timestamp"}
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return &domain.ErrValidation{Field: "webhook-timestamp", Message: "timestamp outside tolerance"}
	}

	expected := signStandard(polarKey(secret), id, tsRaw, body)
	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err == nil && hmac.Equal(expected, got) {
			return nil
		}
	}
	return &domain.ErrValidation{Field: "webhook-signature", Message: "signature mismatch"}
}

func signStandard(key []byte, id, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + ts + "."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignPolar produces Standard Webhooks headers for body; used by tests and
// local tooling.
func SignPolar(secret, id string, ts time.Time, body []byte) http.Header {
	t := strconv.FormatInt(ts.Unix(), 10)
	h := http.Header{}
	h.Set("webhook-id", id)
	h.Set("webhook-timestamp", t)
	h.Set("webhook-signature", "v1,"+base64.StdEncoding.EncodeToString(signStandard(polarKey(secret), id, t, body)))
	return h
}
