package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/clinicpay/internal/audit"
	"github.com/smallbiznis/clinicpay/internal/authorization"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	"github.com/smallbiznis/clinicpay/internal/eventlog"
	"github.com/smallbiznis/clinicpay/internal/fanout"
	"github.com/smallbiznis/clinicpay/internal/gateway"
	"github.com/smallbiznis/clinicpay/internal/migration"
	"github.com/smallbiznis/clinicpay/internal/observability"
	"github.com/smallbiznis/clinicpay/internal/payment"
	"github.com/smallbiznis/clinicpay/internal/paymentrequest"
	"github.com/smallbiznis/clinicpay/internal/providers"
	"github.com/smallbiznis/clinicpay/internal/ratelimit"
	"github.com/smallbiznis/clinicpay/internal/reconcile"
	"github.com/smallbiznis/clinicpay/internal/scheduler"
	"github.com/smallbiznis/clinicpay/internal/secrets"
	"github.com/smallbiznis/clinicpay/internal/server"
	"github.com/smallbiznis/clinicpay/internal/statuscheck"
	"github.com/smallbiznis/clinicpay/internal/webhook"
	"github.com/smallbiznis/clinicpay/pkg/db"
)

// The monolith serves the HTTP surface and, when SCHEDULER_ENABLED is set,
// runs the reconciliation jobs in the same process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		fx.Decorate(secrets.Decorate),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		providers.Module,

		// Reconciliation
		gateway.Module,
		paymentrequest.Module,
		payment.Module,
		statuscheck.Module,
		eventlog.Module,
		audit.Module,
		fanout.Module,
		reconcile.Module,
		webhook.Module,

		scheduler.Module,
		authorization.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
