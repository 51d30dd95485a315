package server

import (
	"context"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/clinicpay/internal/observability/logger"
	"github.com/smallbiznis/clinicpay/internal/ratelimit"
)

// CheckoutRateLimit bounds how often one request may open a checkout.
func (s *Server) CheckoutRateLimit() gin.HandlerFunc {
	return s.rateLimit("checkout", func(ctx context.Context, c *gin.Context) (*ratelimit.Result, error) {
		return s.limiter.AllowCheckout(ctx, c.Param("id"))
	})
}

// StatusRateLimit bounds status polling per client address.
func (s *Server) StatusRateLimit() gin.HandlerFunc {
	return s.rateLimit("status", func(ctx context.Context, c *gin.Context) (*ratelimit.Result, error) {
		return s.limiter.AllowStatus(ctx, c.ClientIP())
	})
}

// rateLimit fails open: a Redis outage must not block customers from paying.
func (s *Server) rateLimit(scope string, allow func(context.Context, *gin.Context) (*ratelimit.Result, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := allow(ctx, c)
		if err != nil {
			logger.FromContext(ctx).Warn("rate limit check failed", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			if res.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			}
			logger.FromContext(ctx).Info("rate limit exceeded",
				zap.String("scope", scope),
				zap.String("route", c.FullPath()),
			)
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
