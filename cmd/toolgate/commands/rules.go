package commands

import (
	"context"
	"fmt"

	"github.com/garagon/aguara"
	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/rules"
	"github.com/oktsec/toolgate/internal/scan"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage admin rules evaluated on every attempt",
	}
	cmd.AddCommand(
		newRulesListCmd(),
		newRulesAddCmd(),
		newRulesToggleCmd("enable", "Enable a rule", true),
		newRulesToggleCmd("disable", "Disable a rule (rules are never deleted)", false),
		newRulesViolationsCmd(),
		newRulesDetectorsCmd(),
	)
	return cmd
}

func newRulesListCmd() *cobra.Command {
	var module string
	var enabledOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := rules.NewSet().List(ctx, a.DB.Q(), rules.ListOpts{Module: module, EnabledOnly: enabledOnly})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, list)
				}
				if len(list) == 0 {
					fmt.Fprintln(w, "No rules found.")
					return nil
				}
				tw := newTable(w)
				fmt.Fprintf(tw, "ID\tNAME\tMODULE\tACTION\tENABLED\tCREATED BY\n")
				for _, r := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, dash(truncate(r.Name, 32)), r.TargetModule, r.Action, r.Enabled, r.CreatedBy)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "only rules applying to this module")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled rules")
	return cmd
}

func newRulesAddCmd() *cobra.Command {
	var name, module, action, condition string
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a rule",
		Example: `  toolgate rules add --module valuation --action auto_block \
    --condition '{"field":"pii_detected","op":"eq","value":true}'
  toolgate rules add --module '*' --action auto_flag --name "repeat offenders" \
    --condition '{"all":[{"field":"recent_denials","op":"gte","value":3},{"field":"tool_name","op":"neq","value":"comparables"}]}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := adminActor()
			if err != nil {
				return err
			}
			cond, err := rules.ParseCondition([]byte(condition))
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				r, err := a.Admin.CreateRule(ctx, actor, rules.Rule{
					Name:         name,
					TargetModule: module,
					Condition:    cond,
					Action:       rules.Action(action),
					Enabled:      !disabled,
				})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, r)
				}
				fmt.Fprintf(w, "Created rule %s (%s on %s).\n", r.ID, r.Action, r.TargetModule)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-readable label")
	cmd.Flags().StringVar(&module, "module", "", "target module, or * for all")
	cmd.Flags().StringVar(&action, "action", string(rules.ActionLogOnly), "log_only, auto_flag or auto_block")
	cmd.Flags().StringVar(&condition, "condition", "", "condition as JSON")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the rule disabled")
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("condition")
	return cmd
}

func newRulesToggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " RULE_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := adminActor()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				r, changed, err := a.Admin.ToggleRule(ctx, actor, args[0], enabled)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, map[string]any{"rule": r, "changed": changed})
				}
				if !changed {
					fmt.Fprintf(w, "Rule %s already %sd.\n", r.ID, use)
					return nil
				}
				fmt.Fprintf(w, "Rule %s %sd.\n", r.ID, use)
				return nil
			})
		},
	}
}

func newRulesViolationsCmd() *cobra.Command {
	var ruleID, userID, tool, since string
	var limit int

	cmd := &cobra.Command{
		Use:   "violations",
		Short: "List rule matches",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := sinceFlag(since)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				vs, err := rules.NewSet().Violations(ctx, a.DB.Q(), rules.ViolationQuery{
					RuleID: ruleID, UserID: userID, ToolName: tool, Since: from, Limit: limit,
				})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, vs)
				}
				if len(vs) == 0 {
					fmt.Fprintln(w, "No violations found.")
					return nil
				}
				tw := newTable(w)
				fmt.Fprintf(tw, "TIME\tRULE\tUSER\tTOOL\tVALUE\tACTED\n")
				for _, v := range vs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", fmtTime(v.DetectedAt), v.RuleID, v.UserID, v.ToolName, truncate(v.OffendingValue, 40), v.AutoActionTaken)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&ruleID, "rule", "", "filter by rule ID")
	cmd.Flags().StringVar(&userID, "user", "", "filter by user")
	cmd.Flags().StringVar(&tool, "tool", "", "filter by tool")
	cmd.Flags().StringVar(&since, "since", "", "only matches within this duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

// newRulesDetectorsCmd lists the content detectors behind threat_severity.
func newRulesDetectorsCmd() *cobra.Command {
	var explain string

	cmd := &cobra.Command{
		Use:   "detectors",
		Short: "List or explain the content detectors feeding threat_severity",
		Example: `  toolgate rules detectors
  toolgate rules detectors --explain PROMPT_INJECTION_001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var opts []aguara.Option
			if cfg.Scanner.CustomRulesDir != "" {
				opts = append(opts, aguara.WithCustomRules(cfg.Scanner.CustomRulesDir))
			}
			w := cmd.OutOrStdout()

			if explain != "" {
				detail, err := aguara.ExplainRule(explain, opts...)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(w, detail)
				}
				fmt.Fprintf(w, "Rule: %s\n", detail.ID)
				fmt.Fprintf(w, "Name: %s\n", detail.Name)
				fmt.Fprintf(w, "Severity: %s\n", detail.Severity)
				fmt.Fprintf(w, "Category: %s\n", detail.Category)
				fmt.Fprintf(w, "Description: %s\n", detail.Description)
				fmt.Fprintln(w, "\nPatterns:")
				for _, p := range detail.Patterns {
					fmt.Fprintf(w, "  %s\n", p)
				}
				return nil
			}

			s := scan.New(cfg.Scanner.CustomRulesDir)
			all := s.ListRules()
			if asJSON {
				return printJSON(w, all)
			}
			fmt.Fprintf(w, "Loaded %d detection rules:\n\n", len(all))
			for _, r := range all {
				fmt.Fprintf(w, "  %-24s %-10s %s\n", r.ID, r.Severity, r.Name)
			}
			fmt.Fprintf(w, "\nEngine status: OK (%d rules loaded)\n", s.RulesCount(cmd.Context()))
			return nil
		},
	}

	cmd.Flags().StringVar(&explain, "explain", "", "explain a specific rule by ID")
	return cmd
}
