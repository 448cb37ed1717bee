package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Tool is the interface for all tools
type Tool interface {
	Name() string
	Description() string
	// Params describes the tool arguments for schema generation.
	Params() []mcp.ToolOption
	Run(ctx context.Context, args map[string]any) (string, error)
}
