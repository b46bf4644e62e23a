package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"airtimebridge/internal/common/money"
)

func (a *app) floatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "float",
		Short: "Inspect and top up the aggregator float ledger",
	}
	cmd.AddCommand(a.floatCreditCmd())
	cmd.AddCommand(a.floatHistoryCmd())
	return cmd
}

func (a *app) floatCreditCmd() *cobra.Command {
	var reference, description string

	cmd := &cobra.Command{
		Use:   "credit <amount>",
		Short: "Record a float top-up in major units, e.g. 25000 or 25,000.50",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				amount, err := money.ParseMajor(args[0], rt.Config.Purchase.Currency)
				if err != nil {
					return err
				}
				svc, _, err := rt.service(ctx)
				if err != nil {
					return err
				}
				entry, err := svc.RecordFloatCredit(ctx, amount, description, reference)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "credited %s; float balance %s (entry %s)\n",
					entry.Amount, entry.BalanceAfter, entry.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reference, "reference", "r", "", "Top-up reference, e.g. the bank transfer id")
	cmd.Flags().StringVarP(&description, "description", "d", "float top-up", "Ledger description")
	return cmd
}

func (a *app) floatHistoryCmd() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent float ledger entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				_, ledger, err := rt.service(ctx)
				if err != nil {
					return err
				}
				entries, err := ledger.ListFloatEntries(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}

				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "no float entries")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tTYPE\tAMOUNT\tBEFORE\tAFTER\tREFERENCE\tAT")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
						e.Seq, e.Type, e.Amount.MajorString(), e.BalanceBefore.MajorString(),
						e.BalanceAfter.MajorString(), valueOr(e.Reference, "-"),
						e.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}
