package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"airtimebridge/internal/reconciliation"
)

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep now",
		Long: `Run one reconciliation sweep: query overdue payments, retry or resume
disbursements, expire stale transactions and pull the float balance.
The sweep lease is honoured, so a running server's sweep is never doubled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				svc, ledger, err := rt.service(ctx)
				if err != nil {
					return err
				}
				res, err := reconciliation.NewScheduler(rt.Config.Reconciliation, ledger, svc, rt.Logger).RunSweep(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if res.Skipped {
					fmt.Fprintln(out, "sweep skipped: lease held by another process")
					return nil
				}
				fmt.Fprintf(out, "sweep finished in %s\n", res.Duration)
				fmt.Fprintf(out, "  reconciled %d (resolved %d)\n", res.Reconciled, res.Resolved)
				fmt.Fprintf(out, "  retried %d, resumed %d, stuck %d, escalated %d\n",
					res.Retried, res.Resumed, res.Stuck, res.Escalated)
				fmt.Fprintf(out, "  expired %d, stale %d, errors %d\n", res.Expired, res.Stale, res.Errors)
				if res.Float != nil {
					fmt.Fprintf(out, "  float %s (%s)\n", res.Float.Balance, res.Float.Level)
				}
				return nil
			})
		},
	}
}
