package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	obscontext "github.com/smallbiznis/clinicpay/internal/observability/context"
)

const requestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug           bool
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware puts request id, client IP and user agent on the request
// context and writes one http_request line per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFor(c)

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		ctx = obscontext.WithIPAddress(ctx, c.ClientIP())
		ctx = obscontext.WithUserAgent(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := strings.TrimSpace(c.FullPath())
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		fields = append(fields, paramFields(c.Params)...)

		if lastErr := c.Errors.Last(); lastErr != nil {
			errorType, errorCode := "internal", ""
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(lastErr.Err)
			}
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", errorCode))
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		log := FromContext(c.Request.Context())
		if ce := log.Check(requestLevel(route, status), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFor(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(requestIDHeader, requestID)
	return requestID
}

// paramFields names route params after what they identify, so log queries
// can join webhook lines with payment request lines.
func paramFields(params gin.Params) []zap.Field {
	fields := make([]zap.Field, 0, len(params))
	for _, p := range params {
		value := strings.TrimSpace(p.Value)
		if value == "" {
			continue
		}
		switch p.Key {
		case "provider":
			fields = append(fields, zap.String("provider", value))
		case "id":
			fields = append(fields, zap.String("resource_id", value))
		default:
			fields = append(fields, zap.String("param_"+p.Key, value))
		}
	}
	return fields
}

func requestLevel(route string, status int) zapcore.Level {
	switch {
	case route == "/metrics", route == "/health", strings.HasSuffix(route, "/events"):
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case strings.HasPrefix(route, "/webhooks/") && status >= http.StatusBadRequest:
		// Gateways redeliver rejected webhooks; a bad signature is a warning.
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
