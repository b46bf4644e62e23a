package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"airtimebridge/internal/purchase"
)

func (a *app) statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <transaction-id>",
		Short: "Show a transaction with its disbursement attempts and state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				svc, _, err := rt.service(ctx)
				if err != nil {
					return err
				}
				detail, err := svc.Describe(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), detail)
				}
				printDetail(cmd.OutOrStdout(), detail)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func printDetail(out io.Writer, d *purchase.TransactionDetail) {
	txn := d.Transaction
	fmt.Fprintf(out, "Transaction %s\n", txn.ID)
	fmt.Fprintf(out, "  State:     %s\n", txn.State)
	fmt.Fprintf(out, "  User:      %s\n", txn.UserID)
	fmt.Fprintf(out, "  Phone:     %s\n", txn.Phone)
	fmt.Fprintf(out, "  Amount:    %s\n", txn.Amount)
	fmt.Fprintf(out, "  Checkout:  %s\n", valueOr(txn.CheckoutReference, "-"))
	fmt.Fprintf(out, "  Receipt:   %s\n", valueOr(txn.ReceiptReference, "-"))
	fmt.Fprintf(out, "  Attempts:  %d\n", txn.AttemptCount)
	if txn.FailureReason != "" {
		fmt.Fprintf(out, "  Failure:   %s\n", txn.FailureReason)
	}
	fmt.Fprintf(out, "  Created:   %s\n", txn.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  Updated:   %s\n", txn.UpdatedAt.Format(time.RFC3339))

	fmt.Fprintln(out, "\nHistory:")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, c := range d.History {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
			c.At.Format(time.RFC3339), valueOr(string(c.From), "-"), c.To, c.Note)
	}
	tw.Flush()

	if len(d.Attempts) == 0 {
		return
	}
	fmt.Fprintln(out, "\nDisbursement attempts:")
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, at := range d.Attempts {
		fmt.Fprintf(tw, "  #%d\t%s\t%s\t%s\t%s\n",
			at.AttemptNumber, at.Outcome, valueOr(at.ResponseCode, "-"),
			valueOr(at.ProviderRef, "-"), at.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
