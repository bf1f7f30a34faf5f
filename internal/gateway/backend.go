package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/toolgate/internal/config"
)

// MCPSession is the subset of mcp.ClientSession a Backend needs.
type MCPSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Backend is one upstream MCP server whose tools the gateway resells.
type Backend struct {
	Name    string
	Config  config.Backend
	Tools   []*mcp.Tool
	session MCPSession
	logger  *slog.Logger
}

// NewBackend creates a backend that connects on Connect.
func NewBackend(name string, cfg config.Backend, logger *slog.Logger) *Backend {
	return &Backend{Name: name, Config: cfg, logger: logger}
}

// NewBackendWithSession wraps an already connected session.
func NewBackendWithSession(name string, s MCPSession, logger *slog.Logger) *Backend {
	return &Backend{Name: name, session: s, logger: logger}
}

// Connect opens the session if needed and discovers the backend's tools.
func (b *Backend) Connect(ctx context.Context, version string) error {
	if b.session == nil {
		s, err := b.dial(ctx, version)
		if err != nil {
			return fmt.Errorf("backend %s: %w", b.Name, err)
		}
		b.session = s
	}

	res, err := b.session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("backend %s: list tools: %w", b.Name, err)
	}
	b.Tools = res.Tools
	b.logger.Info("backend connected", "backend", b.Name, "tools", len(b.Tools))
	return nil
}

// CallTool forwards a call unchanged.
func (b *Backend) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return b.session.CallTool(ctx, params)
}

// Close ends the session.
func (b *Backend) Close() error {
	if b.session == nil {
		return nil
	}
	return b.session.Close()
}

func (b *Backend) dial(ctx context.Context, version string) (MCPSession, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "toolgate-gateway", Version: version}, nil)

	var transport mcp.Transport
	switch b.Config.Transport {
	case "stdio":
		cmd := exec.Command(b.Config.Command, b.Config.Args...)
		cmd.Env = os.Environ()
		for k, v := range b.Config.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcp.CommandTransport{Command: cmd}
	case "http":
		transport = &mcp.StreamableClientTransport{Endpoint: b.Config.URL}
	default:
		return nil, fmt.Errorf("unsupported transport %q", b.Config.Transport)
	}

	s, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return s, nil
}
