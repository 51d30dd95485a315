package observability

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"

	"github.com/smallbiznis/clinicpay/internal/observability/logger"
	"github.com/smallbiznis/clinicpay/internal/observability/metrics"
	"github.com/smallbiznis/clinicpay/internal/observability/tracing"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		splitConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.SchedulerWithConfig,
	),
	// Nothing depends on the tracer provider directly; it installs itself
	// as the global one.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

type componentConfigs struct {
	fx.Out

	Logger  logger.Config
	Gorm    logger.GormLoggerConfig
	Tracing tracing.Config
	Metrics metrics.Config
}

func splitConfig(cfg Config) componentConfigs {
	t := cfg.Telemetry

	gormCfg := logger.DefaultGormLoggerConfig()
	gormCfg.Level = logger.ParseGormLevel(t.SQLLogLevel, gormCfg.Level)
	if t.SlowQuery > 0 {
		gormCfg.SlowThreshold = t.SlowQuery
	}
	// Lookups by checkout reference miss routinely on unmatched webhooks.
	gormCfg.IgnoreRecordNotFound = true

	return componentConfigs{
		Logger: logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               t.LogLevel,
			Format:              t.LogFormat,
			Debug:               cfg.Debug(),
			IncludeCaller:       true,
			IncludeStackOnError: cfg.Debug(),
		},
		Gorm: gormCfg,
		Tracing: tracing.Config{
			Enabled:          t.Tracing,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: t.OTLPEndpoint,
			ExporterProtocol: t.OTLPProtocol,
			SamplingRatio:    t.TraceRatio,
		},
		Metrics: metrics.Config{
			Enabled:          t.Tracing,
			ExporterEndpoint: t.OTLPEndpoint,
			ExporterProtocol: t.OTLPProtocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		},
	}
}
