package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
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

// MercadoPagoConfig configures the regional adapter.
type MercadoPagoConfig struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string
	// Currency is what the preapproval is charged in; USD catalog prices are
	// multiplied by USDRate when it differs from USD.
	Currency string
	USDRate  float64
	Timeout  time.Duration
}

// MercadoPagoClient talks to the MercadoPago preapproval and payments APIs.
type MercadoPagoClient struct {
	provider
	mpCfg MercadoPagoConfig
}

// NewMercadoPagoClient creates the regional adapter.
func NewMercadoPagoClient(cfg MercadoPagoConfig, cb *gobreaker.CircuitBreaker, rcfg resilience.Config, logger *zap.Logger) *MercadoPagoClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mercadopago.com"
	}
	if cfg.Currency == "" {
		cfg.Currency = "ARS"
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook signature verification disabled", zap.String("processor", "mercadopago"))
	}
	return &MercadoPagoClient{
		provider: newProvider(domain.ProcessorMercadoPago, cfg.BaseURL, cfg.AccessToken, cfg.Timeout, cb, rcfg, logger),
		mpCfg:    cfg,
	}
}

func (c *MercadoPagoClient) Processor() domain.Processor { return domain.ProcessorMercadoPago }

type mpAutoRecurring struct {
	Frequency         int     `json:"frequency"`
	FrequencyType     string  `json:"frequency_type"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
}

type mpPreapproval struct {
	ID                string          `json:"id,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	ExternalReference string          `json:"external_reference,omitempty"`
	PayerEmail        string          `json:"payer_email,omitempty"`
	BackURL           string          `json:"back_url,omitempty"`
	Status            string          `json:"status,omitempty"`
	InitPoint         string          `json:"init_point,omitempty"`
	NextPaymentDate   *time.Time      `json:"next_payment_date,omitempty"`
	AutoRecurring     mpAutoRecurring `json:"auto_recurring"`
}

type mpPayment struct {
	ID                int64   `json:"id"`
	Status            string  `json:"status"`
	StatusDetail      string  `json:"status_detail"`
	ExternalReference string  `json:"external_reference"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
	Payer             struct {
		Email     string `json:"email"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"payer"`
	Metadata struct {
		PreapprovalID string `json:"preapproval_id"`
	} `json:"metadata"`
}

type mpAuthorizedPayment struct {
	ID                int64   `json:"id"`
	PreapprovalID     string  `json:"preapproval_id"`
	ExternalReference string  `json:"external_reference"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
	Payment           struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"payment"`
}

// CreateCheckout creates a pending preapproval and returns its init_point.
func (c *MercadoPagoClient) CreateCheckout(ctx context.Context, params *domain.CheckoutParams) (*domain.CheckoutSession, error) {
	amount, currency := params.Amount, params.Currency
	if !strings.EqualFold(currency, c.mpCfg.Currency) && c.mpCfg.USDRate > 0 {
		amount = math.Round(amount*c.mpCfg.USDRate*100) / 100
		currency = c.mpCfg.Currency
	}
	months := 1
	if params.Frequency == domain.FrequencyAnnual {
		months = 12
	}
	body := mpPreapproval{
		Reason:            fmt.Sprintf("CMMS %s (%s)", params.Plan.Name, params.Frequency),
		ExternalReference: params.ExternalReference,
		PayerEmail:        params.PayerEmail,
		BackURL:           params.SuccessURL,
		Status:            "pending",
		AutoRecurring: mpAutoRecurring{
			Frequency:         months,
			FrequencyType:     "months",
			TransactionAmount: amount,
			CurrencyID:        currency,
		},
	}

	var out mpPreapproval
	err := c.call(ctx, "CreateCheckout", func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(body).SetResult(&out).Post("/preapproval")
	})
	if err != nil {
		return nil, err
	}
	if out.ID == "" || out.InitPoint == "" {
		return nil, &domain.ErrExternalService{Service: string(c.name), Err: fmt.Errorf("preapproval answer without id or init_point")}
	}
	return &domain.CheckoutSession{CheckoutURL: out.InitPoint, CheckoutID: out.ID, ProviderRef: out.ID}, nil
}

func (c *MercadoPagoClient) getPreapproval(ctx context.Context, id string) (*mpPreapproval, error) {
	var out mpPreapproval
	err := c.call(ctx, "GetPreapproval", func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&out).SetPathParam("id", id).Get("/preapproval/{id}")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *MercadoPagoClient) GetSubscriptionStatus(ctx context.Context, providerRef string) (domain.NormalizedStatus, error) {
	pa, err := c.getPreapproval(ctx, providerRef)
	if err != nil {
		return domain.StatusUnknown, err
	}
	return mpStatus(pa.Status), nil
}

// Cancel sets the preapproval status to cancelled.
func (c *MercadoPagoClient) Cancel(ctx context.Context, providerRef string) (*domain.CancelResult, error) {
	var out mpPreapproval
	err := c.call(ctx, "Cancel", func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(map[string]string{"status": "cancelled"}).
			SetResult(&out).
			SetPathParam("id", providerRef).
			Put("/preapproval/{id}")
	})
	if err != nil {
		return &domain.CancelResult{Success: false, NormalizedReason: domain.StatusUnknown}, err
	}
	return &domain.CancelResult{Success: true, NormalizedReason: domain.StatusCancelled}, nil
}

// mpStatus maps preapproval statuses. MercadoPago has no failed-payment
// status on the preapproval itself.
func mpStatus(s string) domain.NormalizedStatus {
	switch strings.ToLower(s) {
	case "pending":
		return domain.StatusPending
	case "authorized":
		return domain.StatusAuthorized
	case "paused":
		return domain.StatusPaused
	case "cancelled", "canceled", "finished":
		return domain.StatusCancelled
	}
	return domain.StatusUnknown
}

// mpNotification is the webhook envelope.
type mpNotification struct {
	ID          flexID    `json:"id"`
	Type        string    `json:"type"`
	Action      string    `json:"action"`
	DateCreated time.Time `json:"date_created"`
	Data        struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

// flexID accepts ids sent either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*f = flexID(s)
	return nil
}

// ParseWebhook verifies x-signature and fetches the referenced resource, as
// MercadoPago notifications only carry an id.
func (c *MercadoPagoClient) ParseWebhook(ctx context.Context, headers http.Header, body []byte) (*domain.PaymentEvent, error) {
	var n mpNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, &domain.ErrValidation{Field: "body", Message: "invalid mercadopago notification: " + err.Error()}
	}
	dataID := string(n.Data.ID)
	if dataID == "" {
		return nil, &domain.ErrValidation{Field: "data.id", Message: "missing resource id"}
	}
	if err := verifyMercadoPagoSignature(c.mpCfg.WebhookSecret, headers, dataID); err != nil {
		return nil, err
	}

	ev := &domain.PaymentEvent{
		Processor:  domain.ProcessorMercadoPago,
		EventID:    string(n.ID),
		OccurredAt: n.DateCreated,
	}
	if ev.EventID == "" {
		ev.EventID = n.Type + ":" + n.Action + ":" + dataID
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	switch n.Type {
	case "payment":
		return c.paymentEvent(ctx, ev, dataID)
	case "subscription_preapproval", "preapproval":
		return c.preapprovalEvent(ctx, ev, dataID, n.Action)
	case "subscription_authorized_payment":
		return c.authorizedPaymentEvent(ctx, ev, dataID)
	}
	ev.Category = domain.EventIgnored
	ev.IgnoreReason = "unhandled notification type " + n.Type
	return ev, nil
}

func (c *MercadoPagoClient) paymentEvent(ctx context.Context, ev *domain.PaymentEvent, id string) (*domain.PaymentEvent, error) {
	var p mpPayment
	err := c.call(ctx, "GetPayment", func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&p).SetPathParam("id", id).Get("/v1/payments/{id}")
	})
	if err != nil {
		return nil, err
	}
	ev.ProviderRef = p.Metadata.PreapprovalID
	ev.ExternalReference = p.ExternalReference
	ev.PayerEmail = p.Payer.Email
	ev.PayerName = strings.TrimSpace(p.Payer.FirstName + " " + p.Payer.LastName)
	ev.Amount = p.TransactionAmount
	ev.Currency = p.CurrencyID
	fillFromReference(ev)

	switch p.Status {
	case "approved":
		ev.Category = domain.EventPaymentConfirmed
		ev.Status = domain.StatusAuthorized
	case "rejected", "cancelled", "refunded", "charged_back":
		ev.Category = domain.EventPaymentFailed
		ev.Status = domain.StatusPaymentFailed
	default:
		ev.Category = domain.EventIgnored
		ev.IgnoreReason = "payment status " + p.Status
	}
	return ev, nil
}

func (c *MercadoPagoClient) preapprovalEvent(ctx context.Context, ev *domain.PaymentEvent, id, action string) (*domain.PaymentEvent, error) {
	pa, err := c.getPreapproval(ctx, id)
	if err != nil {
		return nil, err
	}
	ev.ProviderRef = pa.ID
	if ev.ProviderRef == "" {
		ev.ProviderRef = id
	}
	ev.ExternalReference = pa.ExternalReference
	ev.PayerEmail = pa.PayerEmail
	ev.Amount = pa.AutoRecurring.TransactionAmount
	ev.Currency = pa.AutoRecurring.CurrencyID
	ev.NextBillingAt = pa.NextPaymentDate
	if pa.AutoRecurring.Frequency == 12 {
		ev.Frequency = domain.FrequencyAnnual
	} else if pa.AutoRecurring.Frequency > 0 {
		ev.Frequency = domain.FrequencyMonthly
	}
	fillFromReference(ev)

	ev.Status = mpStatus(pa.Status)
	switch ev.Status {
	case domain.StatusCancelled:
		ev.Category = domain.EventSubscriptionCancelled
	case domain.StatusUnknown, domain.StatusPending:
		ev.Category = domain.EventIgnored
		ev.IgnoreReason = "preapproval status " + pa.Status
	default:
		ev.Category = domain.EventSubscriptionUpdated
		if strings.HasSuffix(action, "created") {
			ev.Category = domain.EventSubscriptionCreated
		}
	}
	return ev, nil
}

func (c *MercadoPagoClient) authorizedPaymentEvent(ctx context.Context, ev *domain.PaymentEvent, id string) (*domain.PaymentEvent, error) {
	var ap mpAuthorizedPayment
	err := c.call(ctx, "GetAuthorizedPayment", func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&ap).SetPathParam("id", id).Get("/authorized_payments/{id}")
	})
	if err != nil {
		return nil, err
	}
	ev.ProviderRef = ap.PreapprovalID
	ev.ExternalReference = ap.ExternalReference
	ev.Amount = ap.TransactionAmount
	ev.Currency = ap.CurrencyID
	fillFromReference(ev)

	switch ap.Payment.Status {
	case "approved":
		ev.Category = domain.EventPaymentConfirmed
		ev.Status = domain.StatusAuthorized
	case "rejected":
		ev.Category = domain.EventPaymentFailed
		ev.Status = domain.StatusPaymentFailed
	default:
		ev.Category = domain.EventIgnored
		ev.IgnoreReason = "authorized payment status " + ap.Payment.Status
	}
	return ev, nil
}

// verifyMercadoPagoSignature checks x-signature ("ts=...,v1=<hex>") against
// HMAC-SHA256 of "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
// An empty secret disables verification.
func verifyMercadoPagoSignature(secret string, headers http.Header, dataID string) error {
	if secret == "" {
		return nil
	}
	sig := headers.Get("x-signature")
	if sig == "" {
		return &domain.ErrValidation{Field: "x-signature", Message: "missing signature"}
	}
	var ts, v1 string
	for _, part := range strings.Split(sig, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return &domain.ErrValidation{Field: "x-signature", Message: "malformed signature"}
	}

	manifest := "id:" + strings.ToLower(dataID) + ";"
	if rid := headers.Get("x-request-id"); rid != "" {
		manifest += "request-id:" + rid + ";"
	}
	manifest += "ts:" + ts + ";"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(v1)
	if err != nil || !hmac.Equal(expected, got) {
		return &domain.ErrValidation{Field: "x-signature", Message: "signature mismatch"}
	}
	return nil
}

// SignMercadoPago produces an x-signature value; used by tests and local tooling.
func SignMercadoPago(secret, dataID, requestID string, ts time.Time) string {
	t := strconv.FormatInt(ts.UnixMilli(), 10)
	manifest := "id:" + strings.ToLower(dataID) + ";"
	if requestID != "" {
		manifest += "request-id:" + requestID + ";"
	}
	manifest += "ts:" + t + ";"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return "ts=" + t + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

// fillFromReference copies plan and cycle hints from a structured external
// reference when the provider did not send them.
func fillFromReference(ev *domain.PaymentEvent) {
	ref, ok := domain.ParseExternalReference(ev.ExternalReference)
	if !ok {
		return
	}
	if ev.PlanID == "" {
		ev.PlanID = ref.Plan
	}
	if ev.Frequency == "" {
		ev.Frequency = ref.Frequency
	}
}
