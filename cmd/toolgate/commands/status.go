package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/attempts"
	"github.com/oktsec/toolgate/internal/auditcheck"
	"github.com/oktsec/toolgate/internal/enforcement"
	"github.com/oktsec/toolgate/internal/rules"
)

func newStatusCmd() *cobra.Command {
	var module string

	cmd := &cobra.Command{
		Use:   "status [USER]",
		Short: "Show the gate's configuration and activity, or one user's standing",
		Example: `  toolgate status
  toolgate status u-42 --module valuation`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					if module == "" {
						return fmt.Errorf("--module is required with a user")
					}
					return userStatus(ctx, cmd.OutOrStdout(), a, args[0], module)
				}
				return gateStatus(ctx, cmd.OutOrStdout(), a)
			})
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "module to inspect for the user")
	return cmd
}

func gateStatus(ctx context.Context, w io.Writer, a *app.App) error {
	cfg := a.Config
	since := time.Now().Add(-24 * time.Hour)
	sum, err := attempts.NewRecorder().Summary(ctx, a.DB.Q(), "", since)
	if err != nil {
		return err
	}
	ruleList, err := rules.NewSet().List(ctx, a.DB.Q(), rules.ListOpts{EnabledOnly: true})
	if err != nil {
		return err
	}
	active, err := enforcement.NewStore().List(ctx, a.DB.Q(), enforcement.ListOpts{ActiveOnly: true, Limit: 1000})
	if err != nil {
		return err
	}
	open, err := enforcement.NewStore().Flags(ctx, a.DB.Q(), enforcement.FlagQuery{OpenOnly: true, Limit: 1000})
	if err != nil {
		return err
	}

	score, grade := auditcheck.ComputeHealthScore(auditcheck.RunChecks(cfg, cfgFile))

	var total, denied, spent int64
	for _, s := range sum {
		total += s.Total
		denied += s.Denied
		spent += s.CreditsSpent
	}

	if asJSON {
		return printJSON(w, map[string]any{
			"tools":           len(cfg.Tools),
			"database":        cfg.Database.Driver,
			"redis":           cfg.Redis.Addr != "",
			"scanner":         cfg.Scanner.Enabled,
			"enabled_rules":   len(ruleList),
			"active_statuses": len(active),
			"open_flags":      len(open),
			"attempts_24h":    total,
			"denied_24h":      denied,
			"credits_24h":     spent,
			"health_score":    score,
		})
	}

	redis := "off"
	if cfg.Redis.Addr != "" {
		redis = cfg.Redis.Addr
	}
	scanner := "off"
	if cfg.Scanner.Enabled {
		scanner = "on"
	}

	printHeader(w, "toolgate status")
	printField(w, "Config", cfgFile)
	printField(w, "Store", cfg.Database.Driver)
	printField(w, "Redis", redis)
	printField(w, "Scanner", scanner)
	printField(w, "Tools", len(cfg.Tools))
	printField(w, "Detector", fmt.Sprintf("%d attempts / %dm", cfg.Abuse.Threshold, cfg.Abuse.WindowMinutes))
	printField(w, "Health", fmt.Sprintf("%d/100 (%s), run toolgate check for details", score, grade))
	printRule(w)
	printField(w, "Rules", fmt.Sprintf("%d enabled", len(ruleList)))
	printField(w, "Enforcement", fmt.Sprintf("%d in force", len(active)))
	openFlags := fmt.Sprintf("%d", len(open))
	if len(open) > 0 {
		openFlags = colored(w, warnColor, openFlags)
	}
	printField(w, "Open flags", openFlags)
	printRule(w)
	printField(w, "Attempts 24h", total)
	printField(w, "Denied 24h", denied)
	printField(w, "Credits 24h", spent)
	fmt.Fprintln(w)
	return nil
}

func userStatus(ctx context.Context, w io.Writer, a *app.App, userID, module string) error {
	bal, err := a.Engine.Balance(ctx, userID)
	if err != nil {
		return err
	}
	snap, err := a.Engine.Status(ctx, userID, module)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, map[string]any{"user_id": userID, "balance": bal, "enforcement": snap})
	}

	printHeader(w, userID+" in "+module)
	printField(w, "Balance", bal)
	printField(w, "Kill switch", describeStatus(w, snap.KillSwitch))
	printField(w, "Shadowban", describeStatus(w, snap.Shadowban))
	printField(w, "Throttle", describeStatus(w, snap.Throttle))
	if len(snap.Cooldowns) == 0 {
		printField(w, "Cooldowns", "none")
	}
	for i := range snap.Cooldowns {
		cd := snap.Cooldowns[i]
		printField(w, "Cooldown", fmt.Sprintf("%s until %s", cd.Feature, fmtTimePtr(cd.ExpiresAt)))
	}
	fmt.Fprintln(w)
	return nil
}

func describeStatus(w io.Writer, st *enforcement.Status) string {
	if st == nil {
		return "none"
	}
	s := "since " + fmtTime(st.StartedAt)
	if st.Level != "" {
		s = string(st.Level) + ", " + s
	}
	if st.ExpiresAt != nil {
		s += ", until " + fmtTime(*st.ExpiresAt)
	}
	if st.Reason != "" {
		s += " (" + st.Reason + ")"
	}
	return colored(w, warnColor, s)
}
