package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/smallbiznis/clinicpay/internal/audit"
	"github.com/smallbiznis/clinicpay/internal/eventlog"
	eventlogdomain "github.com/smallbiznis/clinicpay/internal/eventlog/domain"
	obscontext "github.com/smallbiznis/clinicpay/internal/observability/context"
	prservice "github.com/smallbiznis/clinicpay/internal/paymentrequest/service"
	"github.com/smallbiznis/clinicpay/internal/scheduler"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
)

func sweepCmd() *cobra.Command {
	var jobs []string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the reconciliation jobs once and exit",
		Long: `Run every scheduler job once, or only the ones named with --job.

Jobs: poll_status_checks, retry_unmatched, resume_checkouts,
sync_cancellations, expire_requests, deliver_status_events.

Safe to run next to live schedulers; status checks are leased.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched *scheduler.Scheduler
			options := append(engineModules(),
				fx.Decorate(func(cfg scheduler.Config) scheduler.Config {
					if len(jobs) > 0 {
						cfg.EnabledJobs = jobs
					}
					return cfg
				}),
				fx.Populate(&sched),
			)
			return withApp(cmd.Context(), options, func(ctx context.Context) error {
				ctx = obscontext.WithActor(ctx, obscontext.ActorSystem, "clinicpay-ops")
				if err := sched.RunOnce(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sweep finished")
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&jobs, "job", nil, "limit the sweep to these jobs")
	return cmd
}

func failuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect and resolve processing failures",
	}
	cmd.AddCommand(listFailuresCmd())
	cmd.AddCommand(resolveFailureCmd())
	return cmd
}

func ledgerModules() []fx.Option {
	return append(baseModules(), audit.Module, eventlog.Module)
}

func listFailuresCmd() *cobra.Command {
	var (
		kind      string
		all       bool
		pageSize  int
		pageToken string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processing failures, unresolved only by default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var events eventlogdomain.Service
			options := append(ledgerModules(), fx.Populate(&events))
			return withApp(cmd.Context(), options, func(ctx context.Context) error {
				req := eventlogdomain.ListFailuresRequest{
					Pagination: pagination.Pagination{PageSize: pageSize, PageToken: pageToken},
					Kind:       strings.TrimSpace(kind),
				}
				if !all {
					unresolved := false
					req.Resolved = &unresolved
				}
				resp, err := events.ListFailures(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by failure kind, e.g. unmatched_reference")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved failures")
	cmd.Flags().IntVar(&pageSize, "page-size", pagination.DefaultPageSize, "entries per page")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "token from a previous page")
	return cmd
}

func resolveFailureCmd() *cobra.Command {
	var (
		note     string
		operator string
	)
	cmd := &cobra.Command{
		Use:   "resolve <failure-id>",
		Short: "Mark a processing failure as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var events eventlogdomain.Service
			options := append(ledgerModules(), fx.Populate(&events))
			return withApp(cmd.Context(), options, func(ctx context.Context) error {
				ctx = obscontext.WithActor(ctx, obscontext.ActorAdmin, operator)
				failure, err := events.Resolve(ctx, id, strings.TrimSpace(note))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), failure)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "what was done about it")
	cmd.Flags().StringVar(&operator, "operator", "cli", "name recorded in the audit trail")
	return cmd
}

func requestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request <payment-request-id>",
		Short: "Show a payment request with its checkouts, payments and status checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var svc *prservice.Service
			options := append(engineModules(), fx.Populate(&svc))
			return withApp(cmd.Context(), options, func(ctx context.Context) error {
				detail, err := svc.Detail(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), detail)
			})
		},
	}
}
