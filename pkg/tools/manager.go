package tools

import (
	"fmt"
	"sort"
)

// ToolManager manages the available tools
type ToolManager struct {
	tools map[string]Tool
}

// List returns all registered tools sorted by name
func (m *ToolManager) List() []Tool {
	ts := make([]Tool, 0, len(m.tools))
	for _, t := range m.tools {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Name() < ts[j].Name() })
	return ts
}

// NewToolManager creates a new ToolManager
func NewToolManager() *ToolManager {
	return &ToolManager{
		tools: make(map[string]Tool),
	}
}

// NewDefaultToolManager returns a manager holding the calculator tools
func NewDefaultToolManager() *ToolManager {
	m := NewToolManager()
	m.RegisterTool(EvaluateTool{})
	return m
}

// RegisterTool registers a new tool
func (m *ToolManager) RegisterTool(tool Tool) {
	m.tools[tool.Name()] = tool
}

// GetTool retrieves a tool by name
func (m *ToolManager) GetTool(name string) (Tool, error) {
	tool, ok := m.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool, nil
}
