package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/gateway"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Inspect the MCP gateway that `serve` mounts for configured backends",
	}
	cmd.AddCommand(newGatewayToolsCmd())
	return cmd
}

func newGatewayToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Connect to every backend and show how its tools are priced",
		Long: `Connects to each backend under gateway.backends, lists the tools the
gateway would expose and their cost. Tools missing from the cost table are
denied as unknown_tool until priced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(a.Config.Gateway.Backends) == 0 {
					return errors.New("no gateway backends configured")
				}
				gw := gateway.New(a.Config.Gateway, a.Engine, a.Admin, version, newLogger("error", cmd.ErrOrStderr()))
				if err := gw.Connect(ctx); err != nil {
					return err
				}
				defer func() { _ = gw.Close() }()

				pol := a.Engine.Policy()
				type pricedRoute struct {
					gateway.Route
					Module  string `json:"module,omitempty"`
					Credits int64  `json:"credits"`
					Priced  bool   `json:"priced"`
				}
				var out []pricedRoute
				for _, r := range gw.Routes() {
					t, ok := pol.Lookup(r.Name)
					out = append(out, pricedRoute{Route: r, Module: t.Module, Credits: t.Credits, Priced: ok})
				}

				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, out)
				}
				tw := newTable(w)
				fmt.Fprintf(tw, "TOOL\tBACKEND\tFORWARDS TO\tMODULE\tCREDITS\n")
				for _, r := range out {
					credits := fmt.Sprint(r.Credits)
					if !r.Priced {
						credits = colored(w, warnColor, "unpriced")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Backend, r.Tool, dash(r.Module), credits)
				}
				return tw.Flush()
			})
		},
	}
}
