package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer exposes every tool of m through an MCP server. Tool failures
// are returned as error results so the caller (usually a model) can read them.
func NewMCPServer(m *ToolManager, version string) *server.MCPServer {
	s := server.NewMCPServer("calcai", version, server.WithToolCapabilities(false))
	for _, t := range m.List() {
		opts := append([]mcp.ToolOption{mcp.WithDescription(t.Description())}, t.Params()...)
		s.AddTool(mcp.NewTool(t.Name(), opts...), handler(t))
	}
	return s
}

func handler(t Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := t.Run(ctx, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}
