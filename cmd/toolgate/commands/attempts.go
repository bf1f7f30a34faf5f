package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/attempts"
)

func newAttemptsCmd() *cobra.Command {
	var userID, tool, module, reason, since string
	var deniedOnly bool
	var limit int

	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Query recorded tool attempts",
		Example: `  toolgate attempts
  toolgate attempts --user u-42 --since 1h
  toolgate attempts --denied --reason rule_blocked
  toolgate attempts summary --module valuation`,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := sinceFlag(since)
			if err != nil {
				return err
			}
			opts := attempts.QueryOpts{UserID: userID, ToolName: tool, Module: module, Reason: reason, Since: from, Limit: limit}
			if deniedOnly {
				f := false
				opts.Allowed = &f
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				recs, err := attempts.NewRecorder().Query(ctx, a.DB.Q(), opts)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, recs)
				}
				if len(recs) == 0 {
					fmt.Fprintln(w, "No attempts found.")
					return nil
				}
				tw := newTable(w)
				fmt.Fprintf(tw, "TIME\tUSER\tTOOL\tMODULE\tOUTCOME\tCOST\tBALANCE\tID\n")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
						fmtTime(r.AttemptedAt), r.UserID, r.ToolName, r.Module,
						verdict(w, r.WasAllowed, r.Reason), r.CreditsRequired, r.UserCreditsAfter, r.ID)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "filter by user")
	cmd.Flags().StringVar(&tool, "tool", "", "filter by tool")
	cmd.Flags().StringVar(&module, "module", "", "filter by module")
	cmd.Flags().StringVar(&reason, "reason", "", "filter by reason (ok, throttled, insufficient_funds, ...)")
	cmd.Flags().BoolVar(&deniedOnly, "denied", false, "only denied attempts")
	cmd.Flags().StringVar(&since, "since", "", "show attempts since duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	cmd.AddCommand(newAttemptsSummaryCmd())
	return cmd
}

func newAttemptsSummaryCmd() *cobra.Command {
	var module, since string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Per-tool totals: attempts, denials and credits spent",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := sinceFlag(since)
			if err != nil {
				return err
			}
			if from.IsZero() {
				from = time.Now().Add(-24 * time.Hour)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sum, err := attempts.NewRecorder().Summary(ctx, a.DB.Q(), module, from)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, sum)
				}
				if len(sum) == 0 {
					fmt.Fprintf(w, "No attempts since %s.\n", fmtTime(from))
					return nil
				}
				tw := newTable(w)
				fmt.Fprintf(tw, "TOOL\tTOTAL\tALLOWED\tDENIED\tCREDITS\n")
				for _, s := range sum {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", s.ToolName, s.Total, s.Allowed, s.Denied, s.CreditsSpent)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "only tools of this module")
	cmd.Flags().StringVar(&since, "since", "24h", "window to summarise")
	return cmd
}
