package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/enforcement"
)

func newFlagsCmd() *cobra.Command {
	var userID, tool, module string
	var open bool
	var limit int

	cmd := &cobra.Command{
		Use:   "flags",
		Short: "List review flags raised by the overuse detector and auto_flag rules",
		Example: `  toolgate flags --open
  toolgate enforce resolve <flag-id> --actor ops@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				flags, err := enforcement.NewStore().Flags(ctx, a.DB.Q(), enforcement.FlagQuery{
					UserID: userID, ToolName: tool, Module: module, OpenOnly: open, Limit: limit,
				})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, flags)
				}
				if len(flags) == 0 {
					fmt.Fprintln(w, "No flags found.")
					return nil
				}
				tw := newTable(w)
				fmt.Fprintf(tw, "RAISED\tID\tTYPE\tSOURCE\tUSER\tTOOL\tREVIEWED\n")
				for _, f := range flags {
					reviewed := fmtTimePtr(f.ReviewedAt)
					if f.ReviewedAt == nil {
						reviewed = colored(w, warnColor, "open")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						fmtTime(f.CreatedAt), f.ID, f.FlagType, f.Source, f.UserID, f.ToolName, reviewed)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "filter by user")
	cmd.Flags().StringVar(&tool, "tool", "", "filter by tool")
	cmd.Flags().StringVar(&module, "module", "", "filter by module")
	cmd.Flags().BoolVar(&open, "open", false, "only flags awaiting review")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}
