package domain

import "context"

// ToolExecutor invokes named tools on external MCP servers.
type ToolExecutor interface {
	// ExecuteTool runs one tool. Failures are reported inside the result,
	// never as a panic; the pipeline formats them for the user.
	ExecuteTool(ctx context.Context, server, tool string, args map[string]any) ToolResult
	// AvailableTools lists every registered tool with its argument schema,
	// for enumeration in decision prompts.
	AvailableTools() []ToolInfo
}

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	Success bool
	Result  string
	Error   string
}

// ToolInfo describes one callable tool on an MCP server.
type ToolInfo struct {
	Server      string
	Name        string
	Description string
	InputSchema ToolSchema
}

// ToolSchema is the declared argument schema of a tool.
type ToolSchema struct {
	Properties map[string]ToolProperty `json:"properties" yaml:"properties"`
	Required   []string                `json:"required" yaml:"required"`
}

// ToolProperty describes a single tool argument.
type ToolProperty struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
}
