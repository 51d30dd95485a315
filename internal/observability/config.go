package observability

import (
	"strings"

	"github.com/smallbiznis/clinicpay/internal/config"
)

// Config is the part of the service configuration that logs, traces and
// meters are built from.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Telemetry   config.TelemetryConfig
}

func LoadConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "clinicpay"
	}
	return Config{
		ServiceName: name,
		Environment: strings.TrimSpace(cfg.Environment),
		Version:     strings.TrimSpace(cfg.AppVersion),
		Telemetry:   cfg.Telemetry,
	}
}

// Debug turns on gin debug mode and stack traces in request logs.
func (c Config) Debug() bool {
	return c.Telemetry.LogLevel == "debug" || config.IsDevelopmentEnv(c.Environment)
}
