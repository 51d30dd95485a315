package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	gormlogger "gorm.io/gorm/logger"

	"github.com/smallbiznis/clinicpay/internal/config"
)

func TestLoadConfigDefaultsServiceName(t *testing.T) {
	cfg := LoadConfig(config.Config{Environment: " production ", AppVersion: "1.2.0"})
	assert.Equal(t, "clinicpay", cfg.ServiceName)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "1.2.0", cfg.Version)
}

func TestDebug(t *testing.T) {
	assert.True(t, Config{Environment: "local"}.Debug())
	assert.True(t, Config{Environment: "production", Telemetry: config.TelemetryConfig{LogLevel: "debug"}}.Debug())
	assert.False(t, Config{Environment: "production", Telemetry: config.TelemetryConfig{LogLevel: "info"}}.Debug())
}

func TestSplitConfig(t *testing.T) {
	out := splitConfig(Config{
		ServiceName: "clinicpay",
		Environment: "production",
		Version:     "1.2.0",
		Telemetry: config.TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			Tracing:      true,
			OTLPEndpoint: "otel:4317",
			OTLPProtocol: "grpc",
			TraceRatio:   0.5,
			SQLLogLevel:  "error",
			SlowQuery:    time.Second,
		},
	})

	assert.False(t, out.Logger.Debug)
	assert.Equal(t, "1.2.0", out.Logger.Version)
	assert.Equal(t, gormlogger.Error, out.Gorm.Level)
	assert.Equal(t, time.Second, out.Gorm.SlowThreshold)
	assert.True(t, out.Gorm.IgnoreRecordNotFound)
	assert.True(t, out.Tracing.Enabled)
	assert.Equal(t, 0.5, out.Tracing.SamplingRatio)
	assert.Equal(t, "otel:4317", out.Metrics.ExporterEndpoint)
}
