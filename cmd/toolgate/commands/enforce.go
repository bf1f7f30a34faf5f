package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/admin"
	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/enforcement"
)

func newEnforceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enforce",
		Short: "Impose, list and lift enforcement statuses",
		Long: `Enforcement statuses restrict what a user may do within a module.

  kill-switch   disables a whole module for everyone
  shadowban     denies a user's attempts on a module
  throttle      multiplies a user's credit cost (low, medium, high)
  cooldown      blocks one tool (or * for all) for a fixed time

Changes apply to the next attempt; no restart is needed.`,
	}
	cmd.AddCommand(
		newEnforceListCmd(),
		newEnforceShadowbanCmd(),
		newEnforceThrottleCmd(),
		newEnforceCooldownCmd(),
		newEnforceKillSwitchCmd(),
		newEnforceResolveCmd(),
		newEnforceRestoreCmd(),
	)
	return cmd
}

// runImpose wraps the shared admin plumbing of the impose subcommands.
func runImpose(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, actor admin.Identity) (admin.StatusChange, error)) error {
	actor, err := adminActor()
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		out, err := fn(ctx, a, actor)
		if err != nil {
			return err
		}
		return printStatusChange(cmd.OutOrStdout(), out)
	})
}

func printStatusChange(w io.Writer, c admin.StatusChange) error {
	if asJSON {
		return printJSON(w, c)
	}
	st := c.Status
	if !c.Changed {
		fmt.Fprintf(w, "Already in force: %s %s (no change).\n", st.Kind, st.ID)
		return nil
	}
	fmt.Fprintf(w, "Imposed %s %s on %s\n", colored(w, warnColor, string(st.Kind)), st.ID, scopeOf(st))
	if st.ExpiresAt != nil {
		fmt.Fprintf(w, "  expires: %s\n", fmtTime(*st.ExpiresAt))
	}
	return nil
}

func scopeOf(st enforcement.Status) string {
	scope := "module " + st.Module
	if st.UserID != "" {
		scope = st.UserID + " in " + scope
	}
	if st.Feature != "" {
		scope += " (" + st.Feature + ")"
	}
	return scope
}

func newEnforceShadowbanCmd() *cobra.Command {
	var module, reason string
	var dur time.Duration

	cmd := &cobra.Command{
		Use:   "shadowban USER",
		Short: "Deny a user's attempts on a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImpose(cmd, func(ctx context.Context, a *app.App, actor admin.Identity) (admin.StatusChange, error) {
				var until *time.Time
				if dur > 0 {
					t := time.Now().Add(dur)
					until = &t
				}
				return a.Admin.ImposeShadowban(ctx, actor, args[0], module, reason, until)
			})
		},
	}

	cmd.Flags().StringVar(&module, "module", enforcement.AllScope, "module, or * for all")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	cmd.Flags().DurationVar(&dur, "for", 0, "lift automatically after this long (default: until resolved)")
	return cmd
}

func newEnforceThrottleCmd() *cobra.Command {
	var module, level, reason string

	cmd := &cobra.Command{
		Use:   "throttle USER",
		Short: "Raise a user's credit cost on a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImpose(cmd, func(ctx context.Context, a *app.App, actor admin.Identity) (admin.StatusChange, error) {
				return a.Admin.ImposeThrottle(ctx, actor, args[0], module, enforcement.Level(level), reason)
			})
		},
	}

	cmd.Flags().StringVar(&module, "module", enforcement.AllScope, "module, or * for all")
	cmd.Flags().StringVar(&level, "level", string(enforcement.LevelMedium), "low, medium or high")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func newEnforceCooldownCmd() *cobra.Command {
	var module, feature, reason string
	var dur time.Duration

	cmd := &cobra.Command{
		Use:   "cooldown USER",
		Short: "Block a user from a tool for a fixed time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImpose(cmd, func(ctx context.Context, a *app.App, actor admin.Identity) (admin.StatusChange, error) {
				return a.Admin.ImposeCooldown(ctx, actor, args[0], module, feature, dur, reason)
			})
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "module of the tool")
	cmd.Flags().StringVar(&feature, "feature", enforcement.AllScope, "tool name, or * for every tool of the module")
	cmd.Flags().DurationVar(&dur, "for", 10*time.Minute, "cooldown length")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	_ = cmd.MarkFlagRequired("module")
	return cmd
}

func newEnforceKillSwitchCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "kill-switch MODULE",
		Short: "Disable a module for every user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImpose(cmd, func(ctx context.Context, a *app.App, actor admin.Identity) (admin.StatusChange, error) {
				return a.Admin.ImposeKillSwitch(ctx, actor, args[0], reason)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func newEnforceResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve ID",
		Short: "Lift a status or close a review flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := adminActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				changed, err := a.Admin.Resolve(ctx, actor, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, map[string]any{"id": args[0], "changed": changed})
				}
				if changed {
					fmt.Fprintf(w, "Resolved %s.\n", args[0])
				} else {
					fmt.Fprintf(w, "%s was already resolved.\n", args[0])
				}
				return nil
			})
		},
	}
}

func newEnforceRestoreCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "restore USER",
		Short: "Lift every per-user status and close the user's open flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := adminActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Admin.RestoreUser(ctx, actor, args[0], reason)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, map[string]any{"user_id": args[0], "lifted": n})
				}
				fmt.Fprintf(w, "Restored %s: %d statuses lifted.\n", args[0], n)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func newEnforceListCmd() *cobra.Command {
	var userID, module, kind string
	var active bool
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List enforcement statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sts, err := enforcement.NewStore().List(ctx, a.DB.Q(), enforcement.ListOpts{
					UserID: userID, Module: module, Kind: enforcement.Kind(kind), ActiveOnly: active, Limit: limit,
				})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, sts)
				}
				if len(sts) == 0 {
					fmt.Fprintln(w, "No statuses found.")
					return nil
				}
				tw := newTable(w)
				fmt.Fprintf(tw, "ID\tKIND\tUSER\tMODULE\tFEATURE\tLEVEL\tSTARTED\tEXPIRES\tRESOLVED\n")
				for _, st := range sts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						st.ID, st.Kind, dash(st.UserID), st.Module, dash(st.Feature), dash(string(st.Level)),
						fmtTime(st.StartedAt), fmtTimePtr(st.ExpiresAt), fmtTimePtr(st.ResolvedAt))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "filter by user")
	cmd.Flags().StringVar(&module, "module", "", "filter by module")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (kill_switch, shadowban, throttle, cooldown)")
	cmd.Flags().BoolVar(&active, "active", false, "only statuses in force")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}
