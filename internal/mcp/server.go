// Package mcp exposes the engine as Model Context Protocol tools over stdio.
package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/brutev/fd-agent/internal/engine"
)

const usageGuidelines = `# fdagent

Work in this order:

1. Call analyze on the repository root before anything else, and again after
   large edits. Results always reflect the latest completed analysis.
2. Call handle_change_request with the product requirement text. The reply is
   a stored plan: detected pattern, tasks per area, effort, test scenarios,
   compliance tags and related gaps.
3. If the pattern is wrong, call revise_change_request with the id and the
   pattern to force; the new record supersedes the old one.
4. Use gap_report to audit contracts against the code and search to locate
   widgets, endpoints or services by meaning.

Unclassifiable requests return an error and are not stored.
`

// Server adapts engine operations to MCP tools
type Server struct {
	engine       *engine.Engine
	mcpServer    *mcp.Server
	defaultRoot  string
	systemPrompt string
	logger       *slog.Logger
}

// NewServer creates a server for eng. defaultRoot is analyzed when the
// analyze tool is called without a path.
func NewServer(eng *engine.Engine, version, defaultRoot string) *Server {
	s := &Server{
		engine:       eng,
		defaultRoot:  defaultRoot,
		systemPrompt: usageGuidelines,
		logger:       slog.Default().With("component", "mcp"),
	}
	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "fdagent",
		Version: version,
	}, &mcp.ServerOptions{
		Instructions: usageGuidelines,
	})
	s.registerTools()
	s.registerResources()
	return s
}

// Run serves requests on stdin/stdout until the client disconnects or ctx
// is cancelled
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio", "root", s.defaultRoot)
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves a single session on t
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}
