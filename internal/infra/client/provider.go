// Package client holds the payment processor adapters. Each adapter
// implements port.PaymentProcessor and hides the provider's vocabulary and
// error types: every failure leaves as *domain.ErrExternalService.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/infra/resilience"
)

var tracer = otel.Tracer("client")

// defaultTimeout applies when the adapter config leaves Timeout unset.
const defaultTimeout = 10 * time.Second

// StatusError is a non-2xx provider answer.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Body)
}

// provider carries the plumbing shared by both adapters: one resty client,
// one breaker, the retry policy and a bulkhead.
type provider struct {
	name   domain.Processor
	http   *resty.Client
	cb     *gobreaker.CircuitBreaker
	cfg    resilience.Config
	bulk   *resilience.Bulkhead
	logger *zap.Logger
}

func newProvider(name domain.Processor, baseURL, token string, timeout time.Duration, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) provider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return provider{
		name:   name,
		http:   hc,
		cb:     cb,
		cfg:    cfg,
		bulk:   resilience.NewBulkhead(cfg.MaxConcurrency),
		logger: logger.With(zap.String("processor", string(name))),
	}
}

// call runs one provider request through bulkhead, breaker and retry.
// Transport errors, 429 and 5xx are retried; other 4xx are not.
func (p *provider) call(ctx context.Context, op string, do func(req *resty.Request) (*resty.Response, error)) error {
	ctx, span := tracer.Start(ctx, string(p.name)+"."+op)
	defer span.End()

	if err := p.bulk.Acquire(ctx); err != nil {
		return p.wrap(span, op, err)
	}
	defer p.bulk.Release()

	_, err := p.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, p.cfg, func() error {
			resp, err := do(p.http.R().SetContext(ctx))
			if err != nil {
				return err
			}
			return classify(resp)
		})
	})
	if err != nil {
		return p.wrap(span, op, err)
	}
	return nil
}

func classify(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 429 || code >= 500:
		return &StatusError{Status: code, Body: truncate(resp.String(), 512)}
	default:
		return resilience.Permanent(&StatusError{Status: code, Body: truncate(resp.String(), 512)})
	}
}

func (p *provider) wrap(span trace.Span, op string, err error) error {
	span.SetAttributes(attribute.String("error", err.Error()))
	ext := &domain.ErrExternalService{Service: string(p.name), Err: err, Timeout: isTimeout(err)}
	if resilience.IsBreakerOpen(err) {
		ext.Err = &domain.ErrCircuitOpen{Service: string(p.name)}
	}
	p.logger.Warn("provider call failed",
		zap.String("op", op),
		zap.Bool("timeout", ext.Timeout),
		zap.Error(err),
	)
	return ext
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// StatusCode extracts the provider HTTP status from an adapter error, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
