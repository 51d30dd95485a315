package ratelimit

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
)

const (
	keyCheckout = "clinicpay:ratelimit:checkout:"
	keyStatus   = "clinicpay:ratelimit:status:"
)

// Limiter throttles customers opening checkouts and polling request status.
// A nil or disabled Limiter allows everything.
type Limiter struct {
	bucket Bucket
	cfg    config.RateLimitConfig
}

// NewLimiter prefers the shared Redis bucket. Without Redis it falls back to
// per-process buckets when LocalFallback is set.
func NewLimiter(redisBucket *TokenBucket, clk clock.Clock, cfg config.Config, log *zap.Logger) *Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	if redisBucket != nil {
		return &Limiter{bucket: redisBucket, cfg: cfg.RateLimit}
	}
	if !cfg.RateLimit.LocalFallback {
		return nil
	}
	if log != nil {
		log.Info("rate limits enforced per process")
	}
	return &Limiter{bucket: NewLocalBucket(clk), cfg: cfg.RateLimit}
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowCheckout limits how often one payment request may open a checkout.
func (l *Limiter) AllowCheckout(ctx context.Context, requestID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, keyCheckout+strings.TrimSpace(requestID), l.cfg.CheckoutRate, l.cfg.CheckoutBurst)
}

// AllowStatus limits status reads per client address.
func (l *Limiter) AllowStatus(ctx context.Context, client string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, keyStatus+strings.TrimSpace(client), l.cfg.StatusRate, l.cfg.StatusBurst)
}
