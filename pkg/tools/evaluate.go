package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/calcai/internal/logger"
	"github.com/comigor/calcai/internal/mathexpr"
)

// EvaluateTool evaluates an arithmetic expression with the calculator engine.
type EvaluateTool struct{}

// Name returns the name of the tool
func (EvaluateTool) Name() string {
	return "evaluate"
}

// Description returns the description of the tool
func (EvaluateTool) Description() string {
	return "Evaluates an arithmetic expression exactly like the calculator does. " +
		"Supports + - * / ^ %, parentheses, e, pi and the functions sin, cos, tan, " +
		"log (natural), log10, sqrt, abs, exp, floor, ceil and round. Angles are in radians."
}

// Params returns the argument schema
func (EvaluateTool) Params() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("expression",
			mcp.Required(),
			mcp.Description("Expression to evaluate, e.g. sqrt(2)*10^3"),
		),
	}
}

// Run evaluates args["expression"] and returns the formatted value.
func (EvaluateTool) Run(ctx context.Context, args map[string]any) (string, error) {
	expr, _ := args["expression"].(string)
	if expr == "" {
		return "", errors.New("missing required argument: expression")
	}
	logger.L.Debug("evaluate tool invoked", "expression", expr)

	v, err := mathexpr.Evaluate(expr)
	if err != nil {
		return "", fmt.Errorf("cannot evaluate %q: %w", expr, err)
	}
	return mathexpr.Format(v), nil
}
