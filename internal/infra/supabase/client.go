// Package supabase implements port.Store on Supabase (PostgREST).
// Every call goes through the circuit breaker and retry policy; domain
// errors (not found, conflict) are returned as-is, everything else is
// wrapped in *domain.ErrExternalService.
package supabase

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/resilience"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

var tracer = otel.Tracer("supabase")

const serviceName = "supabase"

var (
	_ port.Store        = (*Client)(nil)
	_ port.UsageCounter = (*Client)(nil)
)

// Client wraps HTTP calls to Supabase PostgREST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	cb             *gobreaker.CircuitBreaker
	cfg            resilience.Config
	logger         *zap.Logger
	now            func() time.Time
}

// NewClient creates a Supabase client.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceRoleKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		serviceRoleKey: serviceRoleKey,
		cb:             cb,
		cfg:            cfg,
		logger:         logger,
		now:            time.Now,
	}
}

// WithClock overrides the clock used for audit timestamps.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// execute runs fn under the breaker and retry policy and normalizes errors.
// fn marks non-retryable failures with resilience.Permanent.
func (c *Client) execute(ctx context.Context, op string, fn func() error) error {
	ctx, span := tracer.Start(ctx, "Supabase."+op)
	defer span.End()

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, fn)
	})
	if err == nil {
		return nil
	}
	span.SetAttributes(attribute.String("error", err.Error()))

	var (
		nf *domain.ErrNotFound
		cf *domain.ErrConflict
		vc *domain.ErrVersionConflict
	)
	switch {
	case errors.As(err, &nf):
		return nf
	case errors.As(err, &cf):
		return cf
	case errors.As(err, &vc):
		return vc
	case resilience.IsBreakerOpen(err):
		return &domain.ErrExternalService{Service: serviceName, Err: &domain.ErrCircuitOpen{Service: serviceName}}
	}
	return &domain.ErrExternalService{
		Service: serviceName,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// Ping checks PostgREST reachability (used for readiness probes).
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{"select": {"tenant_id"}, "limit": {"1"}}
	return c.execute(ctx, "Ping", func() error {
		_, err := c.doGet(ctx, "tenants", q)
		return err
	})
}

// eq renders a PostgREST equality filter value.
func eq(v string) []string {
	return []string{"eq." + v}
}
