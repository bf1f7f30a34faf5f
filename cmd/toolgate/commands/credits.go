package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/admin"
	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/ledger"
)

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and adjust credit balances",
	}
	cmd.AddCommand(
		newCreditsBalanceCmd(),
		newCreditsAdjustCmd("grant", "Grant credits to a user"),
		newCreditsAdjustCmd("deduct", "Deduct credits from a user"),
		newCreditsRefundCmd(),
	)
	return cmd
}

func newCreditsBalanceCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "balance USER",
		Short: "Show a user's balance and ledger history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				l := ledger.New()
				bal, err := l.Balance(ctx, a.DB.Q(), args[0])
				if err != nil {
					return err
				}
				entries, err := l.Entries(ctx, a.DB.Q(), args[0], limit)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, map[string]any{"user_id": args[0], "balance": bal, "entries": entries})
				}
				fmt.Fprintf(w, "%s: %d credits\n", args[0], bal)
				if len(entries) == 0 {
					return nil
				}
				fmt.Fprintln(w)
				tw := newTable(w)
				fmt.Fprintf(tw, "TIME\tTYPE\tAMOUNT\tBALANCE\tREFERENCE\n")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", fmtTime(e.CreatedAt), e.Type, e.Amount, e.BalanceAfter, dash(truncate(e.Reference, 48)))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "ledger entries to show")
	return cmd
}

func newCreditsAdjustCmd(use, short string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   use + " USER AMOUNT",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := adminActor()
			if err != nil {
				return err
			}
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				op := a.Admin.GrantCredits
				if use == "deduct" {
					op = a.Admin.DeductCredits
				}
				out, err := op(ctx, actor, args[0], amount, reason)
				if err != nil {
					return err
				}
				return printBalanceChange(cmd.OutOrStdout(), use, out)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func newCreditsRefundCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "refund ATTEMPT_ID",
		Short: "Credit back the charge of an allowed attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := adminActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				out, err := a.Admin.RefundAttempt(ctx, actor, args[0], reason)
				if err != nil {
					return err
				}
				return printBalanceChange(cmd.OutOrStdout(), "refund", out)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func printBalanceChange(w io.Writer, op string, c admin.BalanceChange) error {
	if asJSON {
		return printJSON(w, c)
	}
	if !c.Changed {
		fmt.Fprintf(w, "Nothing to %s for %s (balance %d).\n", op, c.UserID, c.Balance)
		return nil
	}
	fmt.Fprintf(w, "%s %d for %s, balance now %d.\n", op, c.Amount, c.UserID, c.Balance)
	return nil
}
