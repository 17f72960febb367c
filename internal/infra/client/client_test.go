package client_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/client"
	"github.com/boddenberg/cmms-billing-go/internal/infra/resilience"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

var (
	_ port.PaymentProcessor = (*client.MercadoPagoClient)(nil)
	_ port.PaymentProcessor = (*client.PolarClient)(nil)
)

func testResilience() resilience.Config {
	return resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxConcurrency: 4}
}

func newMercadoPago(t *testing.T, secret string, h http.HandlerFunc) *client.MercadoPagoClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return client.NewMercadoPagoClient(client.MercadoPagoConfig{
		BaseURL:       srv.URL,
		AccessToken:   "mp-token",
		WebhookSecret: secret,
		Currency:      "ARS",
		USDRate:       1000,
		Timeout:       time.Second,
	}, resilience.NewCircuitBreaker("mercadopago-test", zap.NewNop()), testResilience(), zap.NewNop())
}

func newPolar(t *testing.T, secret string, now time.Time, h http.HandlerFunc) *client.PolarClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return client.NewPolarClient(client.PolarConfig{
		BaseURL:       srv.URL,
		AccessToken:   "polar-token",
		WebhookSecret: secret,
		Products:      map[string]string{client.ProductKey(domain.PlanProfessional, domain.FrequencyMonthly): "prod_pro_m"},
		Timeout:       time.Second,
	}, resilience.NewCircuitBreaker("polar-test", zap.NewNop()), testResilience(), zap.NewNop()).
		WithClock(func() time.Time { return now })
}

func checkoutParams(t *testing.T, plan domain.Plan) *domain.CheckoutParams {
	t.Helper()
	def, ok := domain.LookupPlan(plan)
	require.True(t, ok)
	return &domain.CheckoutParams{
		Plan:              def,
		Frequency:         domain.FrequencyMonthly,
		Amount:            def.MonthlyPrice,
		Currency:          "USD",
		PayerEmail:        "owner@plant.example",
		PayerName:         "Owner",
		ExternalReference: "cmms|professional|monthly|new|n1",
		SuccessURL:        "https://app.example/billing/success",
	}
}

// --- MercadoPago ---

func TestMercadoPago_CreateCheckout(t *testing.T) {
	mp := newMercadoPago(t, "", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/preapproval", r.URL.Path)
		assert.Equal(t, "Bearer mp-token", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cmms|professional|monthly|new|n1", body["external_reference"])
		ar := body["auto_recurring"].(map[string]any)
		assert.Equal(t, "ARS", ar["currency_id"])
		assert.EqualValues(t, 149000, ar["transaction_amount"])
		assert.EqualValues(t, 1, ar["frequency"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"pre_1","init_point":"https://mp.example/checkout/pre_1"}`)
	})

	sess, err := mp.CreateCheckout(context.Background(), checkoutParams(t, domain.PlanProfessional))
	require.NoError(t, err)
	assert.Equal(t, "pre_1", sess.ProviderRef)
	assert.Equal(t, "https://mp.example/checkout/pre_1", sess.CheckoutURL)
}

func TestMercadoPago_StatusMapping(t *testing.T) {
	cases := map[string]domain.NormalizedStatus{
		"pending":    domain.StatusPending,
		"authorized": domain.StatusAuthorized,
		"paused":     domain.StatusPaused,
		"cancelled":  domain.StatusCancelled,
		"weird":      domain.StatusUnknown,
	}
	for native, want := range cases {
		t.Run(native, func(t *testing.T) {
			mp := newMercadoPago(t, "", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/preapproval/pre_1", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]string{"id": "pre_1", "status": native})
			})
			got, err := mp.GetSubscriptionStatus(context.Background(), "pre_1")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestMercadoPago_ServerErrorRetriedAndWrapped(t *testing.T) {
	var calls int32
	mp := newMercadoPago(t, "", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	status, err := mp.GetSubscriptionStatus(context.Background(), "pre_1")
	assert.Equal(t, domain.StatusUnknown, status)
	var ext *domain.ErrExternalService
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "mercadopago", ext.Service)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, http.StatusServiceUnavailable, client.StatusCode(err))
}

func TestMercadoPago_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	mp := newMercadoPago(t, "", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})

	res, err := mp.Cancel(context.Background(), "pre_missing")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMercadoPago_TimeoutIsMarked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	mp := client.NewMercadoPagoClient(client.MercadoPagoConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond},
		resilience.NewCircuitBreaker("mp-timeout", nil), resilience.Config{MaxConcurrency: 1}, zap.NewNop())

	_, err := mp.GetSubscriptionStatus(context.Background(), "pre_1")
	var ext *domain.ErrExternalService
	require.ErrorAs(t, err, &ext)
	assert.True(t, ext.Timeout)
}

func TestMercadoPago_ParseWebhookPayment(t *testing.T) {
	const secret = "mp-secret"
	mp := newMercadoPago(t, secret, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/987", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": 987, "status": "approved",
			"external_reference": "cmms|basic|annual|t_01|n2",
			"transaction_amount": 490000, "currency_id": "ARS",
			"payer": {"email": "Owner@Plant.example", "first_name": "Ana", "last_name": "Diaz"},
			"metadata": {"preapproval_id": "pre_9"}
		}`)
	})

	body := []byte(`{"id": 555, "type": "payment", "action": "payment.created", "date_created": "2026-05-01T10:00:00Z", "data": {"id": "987"}}`)
	headers := http.Header{}
	headers.Set("x-request-id", "req-1")
	headers.Set("x-signature", client.SignMercadoPago(secret, "987", "req-1", time.Now()))

	ev, err := mp.ParseWebhook(context.Background(), headers, body)
	require.NoError(t, err)
	assert.Equal(t, "555", ev.EventID)
	assert.Equal(t, domain.EventPaymentConfirmed, ev.Category)
	assert.Equal(t, "pre_9", ev.ProviderRef)
	assert.Equal(t, domain.PlanBasic, ev.PlanID)
	assert.Equal(t, domain.FrequencyAnnual, ev.Frequency)
	assert.Equal(t, "Ana Diaz", ev.PayerName)
	assert.True(t, ev.Successful())
}

func TestMercadoPago_ParseWebhookRejectsBadSignature(t *testing.T) {
	mp := newMercadoPago(t, "mp-secret", func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called for an unsigned notification")
	})

	body := []byte(`{"id": 1, "type": "payment", "data": {"id": 987}}`)
	headers := http.Header{}
	headers.Set("x-signature", client.SignMercadoPago("other-secret", "987", "", time.Now()))

	_, err := mp.ParseWebhook(context.Background(), headers, body)
	var ve *domain.ErrValidation
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "x-signature", ve.Field)
}

func TestMercadoPago_ParseWebhookPreapprovalCancelled(t *testing.T) {
	mp := newMercadoPago(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"pre_1","status":"cancelled","payer_email":"a@b.c","auto_recurring":{"frequency":1,"transaction_amount":49,"currency_id":"ARS"}}`)
	})

	ev, err := mp.ParseWebhook(context.Background(), http.Header{}, []byte(`{"id":"n1","type":"subscription_preapproval","action":"updated","data":{"id":"pre_1"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventSubscriptionCancelled, ev.Category)
	assert.Equal(t, domain.FrequencyMonthly, ev.Frequency)
	assert.False(t, ev.Successful())
}

func TestMercadoPago_UnknownTypeIgnored(t *testing.T) {
	mp := newMercadoPago(t, "", func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected provider call")
	})
	ev, err := mp.ParseWebhook(context.Background(), http.Header{}, []byte(`{"id":"n1","type":"plan","data":{"id":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventIgnored, ev.Category)
}

// --- Polar ---

func TestPolar_CreateCheckout(t *testing.T) {
	p := newPolar(t, "", time.Now(), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkouts/", r.URL.Path)
		assert.Equal(t, "Bearer polar-token", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"prod_pro_m"}, body["products"])
		md := body["metadata"].(map[string]any)
		assert.Equal(t, "cmms|professional|monthly|new|n1", md["external_reference"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"co_1","url":"https://polar.example/co_1"}`)
	})

	sess, err := p.CreateCheckout(context.Background(), checkoutParams(t, domain.PlanProfessional))
	require.NoError(t, err)
	assert.Equal(t, "co_1", sess.CheckoutID)
	assert.Empty(t, sess.ProviderRef, "polar subscription id arrives with the webhook")
	assert.Equal(t, "https://polar.example/co_1", sess.CheckoutURL)
}

func TestPolar_CreateCheckoutUnknownProduct(t *testing.T) {
	p := newPolar(t, "", time.Now(), func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected provider call")
	})
	_, err := p.CreateCheckout(context.Background(), checkoutParams(t, domain.PlanEnterprise))
	var ve *domain.ErrValidation
	assert.ErrorAs(t, err, &ve)
}

func TestPolar_CancelRevokes(t *testing.T) {
	p := newPolar(t, "", time.Now(), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"sub_1","status":"canceled"}`)
	})
	res, err := p.Cancel(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.StatusCancelled, res.NormalizedReason)
}

func polarEvent(t *testing.T, typ, status string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"type": typ,
		"data": map[string]any{
			"id":                 "sub_1",
			"status":             status,
			"amount":             14900,
			"currency":           "usd",
			"recurring_interval": "month",
			"customer":           map[string]string{"email": "owner@plant.example", "name": "Owner"},
			"metadata":           map[string]string{"external_reference": "cmms|professional|monthly|new|n1", "plan": "professional"},
		},
	})
	require.NoError(t, err)
	return b
}

func TestPolar_ParseWebhookCategories(t *testing.T) {
	const secret = "polar-secret"
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := newPolar(t, secret, now, func(w http.ResponseWriter, r *http.Request) {
		t.Error("polar webhooks are self-contained")
	})

	cases := []struct {
		typ, status string
		want        domain.EventCategory
	}{
		{"subscription.created", "active", domain.EventSubscriptionCreated},
		{"subscription.active", "active", domain.EventSubscriptionUpdated},
		{"subscription.updated", "past_due", domain.EventPaymentFailed},
		{"subscription.canceled", "active", domain.EventIgnored},
		{"subscription.revoked", "canceled", domain.EventSubscriptionCancelled},
		{"subscription.updated", "incomplete", domain.EventIgnored},
	}
	for _, tc := range cases {
		t.Run(tc.typ+"/"+tc.status, func(t *testing.T) {
			body := polarEvent(t, tc.typ, tc.status)
			ev, err := p.ParseWebhook(context.Background(), client.SignPolar(secret, "msg_1", now, body), body)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Category)
			assert.Equal(t, "msg_1", ev.EventID)
			assert.Equal(t, "sub_1", ev.ProviderRef)
			assert.Equal(t, domain.PlanProfessional, ev.PlanID)
			assert.InDelta(t, 149.0, ev.Amount, 0.001)
			assert.Equal(t, "USD", ev.Currency)
		})
	}
}

func TestPolar_ParseWebhookOrderPaid(t *testing.T) {
	p := newPolar(t, "", time.Now(), nil)
	body := []byte(`{"type":"order.paid","data":{"id":"ord_1","subscription_id":"sub_1","total_amount":4900,"currency":"usd",
		"customer":{"email":"a@b.c"},"metadata":{"external_reference":"cmms|basic|monthly|t_1|n"}}}`)
	ev, err := p.ParseWebhook(context.Background(), http.Header{"Webhook-Id": {"msg_2"}}, body)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPaymentConfirmed, ev.Category)
	assert.Equal(t, domain.PlanBasic, ev.PlanID)
	assert.True(t, ev.Successful())
}

func TestPolar_SignatureChecks(t *testing.T) {
	const secret = "whsec_c2VjcmV0LWtleQ=="
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := newPolar(t, secret, now, nil)
	body := polarEvent(t, "subscription.active", "active")

	_, err := p.ParseWebhook(context.Background(), client.SignPolar(secret, "msg_1", now.Add(-time.Minute), body), body)
	assert.NoError(t, err)

	_, err = p.ParseWebhook(context.Background(), client.SignPolar(secret, "msg_1", now.Add(-10*time.Minute), body), body)
	var ve *domain.ErrValidation
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "webhook-timestamp", ve.Field)

	_, err = p.ParseWebhook(context.Background(), client.SignPolar("whsec_b3RoZXI=", "msg_1", now, body), body)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "webhook-signature", ve.Field)
}
