// Package mcp exposes the governance engine to agents over the Model Context
// Protocol. Agents ask for permission before running a paid tool and can
// inspect their own balance and enforcement state.
package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/toolgate/internal/attempts"
	"github.com/oktsec/toolgate/internal/governance"
	"github.com/oktsec/toolgate/internal/store"
)

// NewServer creates an MCP server exposing toolgate tools.
func NewServer(engine *governance.Engine, db *store.DB, version string, logger *slog.Logger) *mcp.Server {
	s := mcp.NewServer(
		&mcp.Implementation{Name: "toolgate", Version: version},
		&mcp.ServerOptions{
			Logger: logger,
			Instructions: "Toolgate governs access to paid tools. " +
				"Call authorize_tool before running a tool; only proceed when allowed is true. " +
				"Use get_balance and get_status to see credits and active restrictions.",
		},
	)

	h := &handlers{
		engine:   engine,
		db:       db,
		attempts: attempts.NewRecorder(),
		logger:   logger,
	}

	s.AddTool(authorizeTool(), h.handleAuthorize)
	s.AddTool(getBalanceTool(), h.handleGetBalance)
	s.AddTool(getStatusTool(), h.handleGetStatus)
	s.AddTool(listToolsTool(), h.handleListTools)
	s.AddTool(recentAttemptsTool(), h.handleRecentAttempts)

	return s
}

// Serve runs the MCP server on stdio until ctx is done or the client hangs up.
func Serve(ctx context.Context, s *mcp.Server) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}
