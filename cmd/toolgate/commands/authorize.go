package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/governance"
	"github.com/oktsec/toolgate/internal/rules"
)

func newAuthorizeCmd() *cobra.Command {
	var module, text, input string

	cmd := &cobra.Command{
		Use:   "authorize USER TOOL",
		Short: "Ask for permission to run a tool, charging credits when allowed",
		Example: `  toolgate authorize u-42 price_estimate
  toolgate authorize u-42 describe_listings --text "3 bed flat, call 555 0100"
  toolgate authorize u-42 price_estimate --input '{"kind":"listing","listing":{"listing_id":"l-1","price":250000}}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := governance.Request{UserID: args[0], ToolName: args[1], Module: module}
			switch {
			case input != "" && text != "":
				return fmt.Errorf("use either --text or --input")
			case input != "":
				if err := json.Unmarshal([]byte(input), &req.Input); err != nil {
					return fmt.Errorf("parsing --input: %w", err)
				}
			case text != "":
				req.Input = rules.Input{Kind: rules.KindText, Text: text}
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Authorize(ctx, req)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, d)
				}
				fmt.Fprintf(w, "%s  %s for %s\n", verdict(w, d.Allowed, string(d.Reason)), req.ToolName, req.UserID)
				fmt.Fprintf(w, "  credits required:  %d\n", d.CreditsRequired)
				fmt.Fprintf(w, "  balance now:       %d\n", d.RemainingCredits)
				if d.AttemptID != "" {
					fmt.Fprintf(w, "  attempt:           %s\n", d.AttemptID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "module the tool belongs to (checked against the config)")
	cmd.Flags().StringVar(&text, "text", "", "free-text input for rule evaluation")
	cmd.Flags().StringVar(&input, "input", "", "structured input context as JSON")
	return cmd
}
