package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/app"
	mcpserver "github.com/oktsec/toolgate/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start toolgate as an MCP server (stdio)",
		Long: `Exposes toolgate as an MCP tool server. Add to your MCP client config:

  {
    "mcpServers": {
      "toolgate": {
        "command": "toolgate",
        "args": ["mcp", "--config", "./toolgate.yaml"]
      }
    }
  }

Tools: authorize_tool, get_balance, get_status, list_tools, recent_attempts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol; everything else goes to stderr.
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				s := mcpserver.NewServer(a.Engine, a.DB, version, newLogger("error", cmd.ErrOrStderr()))
				return mcpserver.Serve(ctx, s)
			})
		},
	}
}
