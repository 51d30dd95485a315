package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/smallbiznis/clinicpay/internal/audit"
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
	"github.com/smallbiznis/clinicpay/internal/statuscheck"
	"github.com/smallbiznis/clinicpay/internal/webhook"
	"github.com/smallbiznis/clinicpay/pkg/db"
)

var Version = "dev"

const startTimeout = 30 * time.Second

// Operator tooling: schema migration, one-off sweeps and the failure
// ledger, against the same configuration as the services.
func main() {
	rootCmd := &cobra.Command{
		Use:           "clinicpay-ops",
		Short:         "Operator commands for the clinicpay reconciliation engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(failuresCmd())
	rootCmd.AddCommand(requestCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

// baseModules is what every command needs to reach the database.
func baseModules() []fx.Option {
	return []fx.Option{
		fx.NopLogger,
		config.Module,
		fx.Decorate(func(cfg config.Config) (config.Config, error) {
			cfg.Scheduler.Enabled = false
			return secrets.Decorate(cfg)
		}),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	}
}

// engineModules adds everything the scheduler jobs reach.
func engineModules() []fx.Option {
	return append(baseModules(),
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
		scheduler.Module,
	)
}

// withApp starts an fx app built from options, runs fn and stops the app.
func withApp(ctx context.Context, options []fx.Option, fn func(context.Context) error) (err error) {
	app := fx.New(options...)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		if stopErr := app.Stop(stopCtx); stopErr != nil && err == nil {
			err = fmt.Errorf("stop: %w", stopErr)
		}
	}()

	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := withApp(cmd.Context(), append(baseModules(), migration.Module), nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
