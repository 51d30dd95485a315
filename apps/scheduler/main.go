package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/clinicpay/internal/audit"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	"github.com/smallbiznis/clinicpay/internal/eventlog"
	"github.com/smallbiznis/clinicpay/internal/fanout"
	"github.com/smallbiznis/clinicpay/internal/gateway"
	"github.com/smallbiznis/clinicpay/internal/metricspush"
	"github.com/smallbiznis/clinicpay/internal/observability"
	"github.com/smallbiznis/clinicpay/internal/payment"
	"github.com/smallbiznis/clinicpay/internal/paymentrequest"
	"github.com/smallbiznis/clinicpay/internal/providers"
	"github.com/smallbiznis/clinicpay/internal/ratelimit"
	"github.com/smallbiznis/clinicpay/internal/reconcile"
	"github.com/smallbiznis/clinicpay/internal/scheduler"
	"github.com/smallbiznis/clinicpay/internal/secrets"
	"github.com/smallbiznis/clinicpay/internal/statuscheck"
	"github.com/smallbiznis/clinicpay/internal/webhook"
	"github.com/smallbiznis/clinicpay/pkg/db"
)

// Standalone worker: no HTTP surface and no migrations. Several replicas may
// run side by side; status checks are claimed with leases. Metrics leave the
// process through metricspush since nothing scrapes it.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		providers.Module,

		gateway.Module,
		paymentrequest.Module,
		payment.Module,
		statuscheck.Module,
		eventlog.Module,
		audit.Module,
		fanout.Module,
		reconcile.Module,
		webhook.Module,

		fx.Decorate(func(cfg config.Config) (config.Config, error) {
			cfg.Scheduler.Enabled = true
			return secrets.Decorate(cfg)
		}),
		scheduler.Module,
		metricspush.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
