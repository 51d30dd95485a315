package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/clinicpay/internal/gateway/domain"
	"github.com/smallbiznis/clinicpay/internal/observability/metrics"
	"github.com/smallbiznis/clinicpay/internal/observability/tracing"
)

// RetryPolicy bounds retries of transient gateway failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout applies to each attempt, not the whole call.
	Timeout time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// RetryingClient wraps an adapter and retries transient errors with
// exponential backoff. Rejections are returned on the first attempt.
type RetryingClient struct {
	next     domain.Client
	provider string
	policy   RetryPolicy
	metrics  *metrics.Metrics
	log      *zap.Logger
	tracer   trace.Tracer
}

func NewRetryingClient(next domain.Client, provider string, policy RetryPolicy, m *metrics.Metrics, log *zap.Logger) *RetryingClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryingClient{
		next:     next,
		provider: provider,
		policy:   policy.normalized(),
		metrics:  m,
		log:      log.Named("gateway.client"),
		tracer:   otel.Tracer("clinicpay/gateway"),
	}
}

func (c *RetryingClient) Provider() string {
	return c.provider
}

func (c *RetryingClient) CreateCheckout(ctx context.Context, in domain.CreateCheckoutInput) (domain.CheckoutSession, error) {
	return do(ctx, c, "create_checkout", func(ctx context.Context) (domain.CheckoutSession, error) {
		return c.next.CreateCheckout(ctx, in)
	})
}

func (c *RetryingClient) GetCheckoutStatus(ctx context.Context, checkoutID string) (domain.CheckoutStatus, error) {
	return do(ctx, c, "get_checkout_status", func(ctx context.Context) (domain.CheckoutStatus, error) {
		return c.next.GetCheckoutStatus(ctx, checkoutID)
	})
}

func (c *RetryingClient) CancelCheckout(ctx context.Context, checkoutID string) error {
	_, err := do(ctx, c, "cancel_checkout", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.next.CancelCheckout(ctx, checkoutID)
	})
	return err
}

func do[T any](ctx context.Context, c *RetryingClient, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := c.tracer.Start(ctx, "gateway."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", c.provider))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.MaxInterval = c.policy.MaxInterval
	b.MaxElapsedTime = 0

	var (
		result   T
		attempts int
		start    = time.Now()
	)
	operation := func() error {
		attempts++
		attemptCtx := ctx
		if c.policy.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
			defer cancel()
		}
		out, err := fn(attemptCtx)
		if err == nil {
			result = out
			return nil
		}
		if !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("gateway call failed, retrying",
			zap.String("provider", c.provider),
			zap.String("operation", op),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)

	span.SetAttributes(attribute.Int("gateway.attempts", attempts))
	outcome := "ok"
	if err != nil {
		err = normalizeError(op, err)
		outcome = "transient"
		if errors.Is(err, domain.ErrRejected) {
			outcome = "rejected"
		}
		if safeErr := tracing.SafeError(err); safeErr != nil {
			span.RecordError(safeErr)
		}
		span.SetStatus(codes.Error, outcome)
	}
	c.metrics.RecordGatewayCall(ctx, op, outcome, attempts, time.Since(start))
	return result, err
}

// normalizeError makes sure callers only ever see the transient/rejected
// taxonomy, including for context cancellation between attempts.
func normalizeError(op string, err error) error {
	if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrRejected) {
		return err
	}
	return domain.Transient(op, 0, err)
}
