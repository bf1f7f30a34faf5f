package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/audit"
)

func newAuditCmd() *cobra.Command {
	var module, action, target, by, since string
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the admin audit log",
		Example: `  toolgate audit
  toolgate audit --action grant_credits --target u-42
  toolgate audit --by ops@example.com --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := sinceFlag(since)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := audit.NewLog().Query(ctx, a.DB.Q(), audit.QueryOpts{
					Module: module, Action: action, Target: target, DecidedBy: by, Since: from, Limit: limit,
				})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(w, "No audit entries found.")
					return nil
				}
				tw := newTable(w)
				fmt.Fprintf(tw, "TIME\tACTOR\tACTION\tMODULE\tTARGET\tDECISION\n")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						fmtTime(e.DecidedAt), e.DecidedBy, e.Action, dash(e.Module), dash(e.Target), truncate(e.Decision, 60))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "filter by module")
	cmd.Flags().StringVar(&action, "action", "", "filter by action (grant_credits, impose_throttle, ...)")
	cmd.Flags().StringVar(&target, "target", "", "filter by target user, rule or status")
	cmd.Flags().StringVar(&by, "by", "", "filter by admin")
	cmd.Flags().StringVar(&since, "since", "", "show entries since duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}
