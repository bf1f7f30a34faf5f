package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/toolgate/internal/attempts"
	"github.com/oktsec/toolgate/internal/governance"
	"github.com/oktsec/toolgate/internal/mcputil"
	"github.com/oktsec/toolgate/internal/store"
)

type handlers struct {
	engine   *governance.Engine
	db       *store.DB
	attempts *attempts.Recorder
	logger   *slog.Logger
}

func readOnly() *mcp.ToolAnnotations {
	f := false
	return &mcp.ToolAnnotations{ReadOnlyHint: true, DestructiveHint: &f, OpenWorldHint: &f}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// --- Tool definitions ---

func authorizeTool() *mcp.Tool {
	f := false
	return &mcp.Tool{
		Name: "authorize_tool",
		Description: "Ask whether a user may run a paid tool. Charges the tool's credit cost " +
			"when allowed. A denied answer carries the reason: insufficient_funds, throttled, " +
			"cooldown_active, module_disabled, rule_blocked, unknown_tool or system_error.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":   stringProp("User on whose behalf the tool runs"),
				"tool_name": stringProp("Tool to run"),
				"module":    stringProp("Module the tool belongs to (optional, must match the configured module)"),
				"input_context": map[string]any{
					"type":        "object",
					"description": "Tool input for rule evaluation: {kind: text|listing|media, text, listing, media}",
				},
			},
			"required": []string{"user_id", "tool_name"},
		},
		Annotations: &mcp.ToolAnnotations{DestructiveHint: &f, OpenWorldHint: &f},
	}
}

func getBalanceTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "get_balance",
		Description: "Get a user's current credit balance.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"user_id": stringProp("User to look up")},
			"required":   []string{"user_id"},
		},
		Annotations: readOnly(),
	}
}

func getStatusTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "get_status",
		Description: "Get the enforcement in force for a user within a module: kill switch, throttle and cooldowns.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": stringProp("User to look up"),
				"module":  stringProp("Module to inspect"),
			},
			"required": []string{"user_id", "module"},
		},
		Annotations: readOnly(),
	}
}

func listToolsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "list_tools",
		Description: "List the governed tools with their module and base credit cost.",
		InputSchema: map[string]any{"type": "object"},
		Annotations: readOnly(),
	}
}

func recentAttemptsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "recent_attempts",
		Description: "List a user's most recent tool attempts, newest first.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":   stringProp("User to look up"),
				"tool_name": stringProp("Filter by tool"),
				"limit":     map[string]any{"type": "number", "description": "Maximum attempts to return (default 20)"},
			},
			"required": []string{"user_id"},
		},
		Annotations: readOnly(),
	}
}

// --- Handlers ---

func (h *handlers) handleAuthorize(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in governance.Request
	if err := mcputil.Decode(req.Params.Arguments, &in); err != nil {
		return mcputil.NewToolResultError(err.Error()), nil
	}
	d, err := h.engine.Authorize(ctx, in)
	if errors.Is(err, governance.ErrInvalidRequest) {
		return mcputil.NewToolResultError(err.Error()), nil
	}
	if err != nil {
		h.logger.Error("mcp authorize failed", "error", err)
		return mcputil.NewToolResultError("authorization failed"), nil
	}
	return mcputil.NewToolResultJSON(d), nil
}

func (h *handlers) handleGetBalance(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := mcputil.GetString(req.Params.Arguments, "user_id", "")
	if userID == "" {
		return mcputil.NewToolResultError("user_id is required"), nil
	}
	bal, err := h.engine.Balance(ctx, userID)
	if err != nil {
		return mcputil.NewToolResultError(fmt.Sprintf("balance lookup failed: %v", err)), nil
	}
	return mcputil.NewToolResultJSON(map[string]any{"user_id": userID, "balance": bal}), nil
}

func (h *handlers) handleGetStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := mcputil.GetString(req.Params.Arguments, "user_id", "")
	module := mcputil.GetString(req.Params.Arguments, "module", "")
	if userID == "" || module == "" {
		return mcputil.NewToolResultError("user_id and module are required"), nil
	}
	snap, err := h.engine.Status(ctx, userID, module)
	if err != nil {
		return mcputil.NewToolResultError(fmt.Sprintf("status lookup failed: %v", err)), nil
	}
	return mcputil.NewToolResultJSON(snap), nil
}

func (h *handlers) handleListTools(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pol := h.engine.Policy()
	tools := make([]any, 0, len(pol.Tools))
	for _, name := range pol.ToolNames() {
		tools = append(tools, pol.Tools[name])
	}
	return mcputil.NewToolResultJSON(map[string]any{"tools": tools, "total": len(tools)}), nil
}

func (h *handlers) handleRecentAttempts(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := mcputil.GetString(req.Params.Arguments, "user_id", "")
	if userID == "" {
		return mcputil.NewToolResultError("user_id is required"), nil
	}
	limit := mcputil.GetInt(req.Params.Arguments, "limit", 0)
	if limit <= 0 {
		limit = 20
	}
	recs, err := h.attempts.Query(ctx, h.db.Q(), attempts.QueryOpts{
		UserID:   userID,
		ToolName: mcputil.GetString(req.Params.Arguments, "tool_name", ""),
		Limit:    limit,
	})
	if err != nil {
		return mcputil.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if recs == nil {
		recs = []attempts.Record{}
	}
	return mcputil.NewToolResultJSON(map[string]any{"attempts": recs, "count": len(recs)}), nil
}
