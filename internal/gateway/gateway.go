// Package gateway fronts one or more backend MCP servers and charges every
// tools/call through the governance engine before forwarding it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/toolgate/internal/admin"
	"github.com/oktsec/toolgate/internal/config"
	"github.com/oktsec/toolgate/internal/governance"
	"github.com/oktsec/toolgate/internal/mcputil"
	"github.com/oktsec/toolgate/internal/rules"
)

// MetaUserKey names the _meta entry carrying the user when no header is
// available, as on stdio and in-memory transports.
const MetaUserKey = "toolgate/user_id"

// RefundActor is recorded in the audit log for automatic refunds.
const RefundActor = "system:gateway"

// toolMapping maps a frontend tool name to its backend.
type toolMapping struct {
	BackendName  string
	OriginalName string
	Backend      *Backend
}

// Gateway is the governed MCP front.
type Gateway struct {
	cfg      config.GatewayConfig
	engine   *governance.Engine
	admin    *admin.API
	version  string
	backends map[string]*Backend
	toolMap  map[string]toolMapping
	server   *mcp.Server
	logger   *slog.Logger
}

// New creates a gateway. Refunds go through adminAPI and are skipped when
// it is nil.
func New(cfg config.GatewayConfig, engine *governance.Engine, adminAPI *admin.API, version string, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		engine:   engine,
		admin:    adminAPI,
		version:  version,
		backends: make(map[string]*Backend),
		toolMap:  make(map[string]toolMapping),
		logger:   logger,
	}
}

// Connect dials every configured backend and registers their tools.
func (g *Gateway) Connect(ctx context.Context) error {
	for name, bc := range g.cfg.Backends {
		b := NewBackend(name, bc, g.logger)
		if err := b.Connect(ctx, g.version); err != nil {
			_ = g.Close()
			return err
		}
		g.backends[name] = b
	}
	return g.build()
}

// Attach adds a connected backend. Call Build once all are attached.
func (g *Gateway) Attach(b *Backend) {
	g.backends[b.Name] = b
}

// Build registers the attached backends' tools on a fresh MCP server.
func (g *Gateway) Build() error { return g.build() }

func (g *Gateway) build() error {
	if err := g.buildToolMap(); err != nil {
		return err
	}
	g.server = mcp.NewServer(&mcp.Implementation{Name: "toolgate-gateway", Version: g.version}, &mcp.ServerOptions{
		Logger:       g.logger,
		Instructions: "Every tool call is charged against the calling user's credits. Identify the user with the " + g.userHeader() + " header or the " + MetaUserKey + " _meta entry.",
	})
	for _, name := range g.ToolNames() {
		m := g.toolMap[name]
		for _, t := range m.Backend.Tools {
			if t.Name != m.OriginalName {
				continue
			}
			tool := *t
			tool.Name = name
			g.server.AddTool(&tool, g.makeHandler(name, m))
			break
		}
	}
	g.logger.Info("gateway ready", "backends", len(g.backends), "tools", len(g.toolMap))
	return nil
}

// Server returns the MCP server. Nil until Connect or Build succeeds.
func (g *Gateway) Server() *mcp.Server { return g.server }

// Handler serves the gateway over streamable HTTP.
func (g *Gateway) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return g.server }, nil)
}

// ToolNames lists the frontend tool names, sorted.
func (g *Gateway) ToolNames() []string {
	names := make([]string, 0, len(g.toolMap))
	for name := range g.toolMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Route is a frontend tool and the backend tool it forwards to.
type Route struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Tool    string `json:"tool"`
}

// Routes lists every frontend tool in name order.
func (g *Gateway) Routes() []Route {
	names := g.ToolNames()
	out := make([]Route, 0, len(names))
	for _, name := range names {
		m := g.toolMap[name]
		out = append(out, Route{Name: name, Backend: m.BackendName, Tool: m.OriginalName})
	}
	return out
}

// Close shuts every backend session.
func (g *Gateway) Close() error {
	var errs []error
	for _, b := range g.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) userHeader() string {
	if g.cfg.UserHeader == "" {
		return "X-Toolgate-User"
	}
	return g.cfg.UserHeader
}

// buildToolMap names each backend tool. Names shared by several backends
// become backend_tool.
func (g *Gateway) buildToolMap() error {
	if len(g.backends) == 0 {
		return fmt.Errorf("no backends connected")
	}

	counts := make(map[string]int)
	for _, b := range g.backends {
		for _, t := range b.Tools {
			counts[t.Name]++
		}
	}

	g.toolMap = make(map[string]toolMapping)
	for backendName, b := range g.backends {
		for _, t := range b.Tools {
			name := t.Name
			if counts[t.Name] > 1 {
				name = backendName + "_" + t.Name
			}
			g.toolMap[name] = toolMapping{BackendName: backendName, OriginalName: t.Name, Backend: b}
		}
	}
	return nil
}

// makeHandler authorizes the call under its frontend name and forwards it
// only when allowed.
func (g *Gateway) makeHandler(name string, m toolMapping) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID := g.userOf(req)
		if userID == "" {
			return mcputil.NewToolResultError("missing user: set the " + g.userHeader() + " header"), nil
		}

		d, err := g.engine.Authorize(ctx, governance.Request{
			UserID:   userID,
			ToolName: name,
			Input:    inputOf(req.Params.Arguments),
		})
		if err != nil {
			return mcputil.NewToolResultError(err.Error()), nil
		}
		if !d.Allowed {
			g.logger.Info("gateway call denied", "user", userID, "tool", name, "reason", d.Reason)
			return mcputil.NewToolResultError(fmt.Sprintf("denied by toolgate: %s (requires %d credits, %d remaining)",
				d.Reason, d.CreditsRequired, d.RemainingCredits)), nil
		}

		params := &mcp.CallToolParams{Meta: req.Params.Meta, Name: m.OriginalName}
		if len(req.Params.Arguments) > 0 {
			params.Arguments = req.Params.Arguments
		}
		res, err := m.Backend.CallTool(ctx, params)
		if err != nil {
			g.logger.Error("backend call failed", "backend", m.BackendName, "tool", m.OriginalName, "error", err)
			g.refund(ctx, d, "backend error")
			return mcputil.NewToolResultError(fmt.Sprintf("backend %s failed", m.BackendName)), nil
		}
		if res.IsError {
			g.refund(ctx, d, "tool returned an error")
		}
		return res, nil
	}
}

// userOf reads the user from the HTTP header, falling back to _meta.
func (g *Gateway) userOf(req *mcp.CallToolRequest) string {
	if req.Extra != nil && req.Extra.Header != nil {
		if u := strings.TrimSpace(req.Extra.Header.Get(g.userHeader())); u != "" {
			return u
		}
	}
	return mcputil.MetaString(req.Params.Meta, MetaUserKey)
}

func (g *Gateway) refund(ctx context.Context, d governance.Decision, reason string) {
	if !g.cfg.RefundOnError || g.admin == nil || d.CreditsRequired == 0 || d.AttemptID == "" {
		return
	}
	actor := admin.Identity{ID: RefundActor, Role: admin.RoleAdmin}
	if _, err := g.admin.RefundAttempt(context.WithoutCancel(ctx), actor, d.AttemptID, reason); err != nil {
		g.logger.Warn("gateway refund failed", "attempt_id", d.AttemptID, "error", err)
	}
}

// inputOf hands the raw arguments to rule evaluation as text.
func inputOf(args json.RawMessage) rules.Input {
	text := mcputil.ArgumentsText(args)
	if text == "" {
		return rules.Input{}
	}
	return rules.Input{Kind: rules.KindText, Text: text}
}
