package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"replybot/internal/domain"
	"replybot/internal/jsonutil"
)

// DecisionKind selects which generation path handles a message.
type DecisionKind int

const (
	DecisionDirect DecisionKind = iota
	DecisionSearch
	DecisionTool
)

// Decision is the classification result for one message. Exactly one
// variant is produced per message; it is never persisted.
type Decision struct {
	Kind             DecisionKind
	Keywords         []string       // search path
	Server           string         // tool path: MCP server name
	Tool             string         // tool path: tool name
	Args             map[string]any // tool path: tool arguments
	ResponseTemplate string         // optional, substitutes {{mcpResult}}
}

// toolDecision is the JSON contract for the tool-use prompt.
type toolDecision struct {
	UseMcp           bool           `json:"useMcp"`
	McpName          string         `json:"mcpName"`
	ToolName         string         `json:"toolName"`
	Args             map[string]any `json:"args"`
	ResponseTemplate string         `json:"responseTemplate"`
}

// DecisionEngine classifies messages into direct, search, or tool-use.
// Both layers parse strict-JSON provider output through the decode layer
// and fall back to the safe default on any failure.
type DecisionEngine struct {
	provider domain.Provider
	tools    domain.ToolExecutor
	logger   *slog.Logger
}

func NewDecisionEngine(provider domain.Provider, tools domain.ToolExecutor, logger *slog.Logger) *DecisionEngine {
	return &DecisionEngine{provider: provider, tools: tools, logger: logger}
}

// Decide classifies one message. The tool-use layer runs first when tools
// are registered; otherwise intent classification picks between search and
// direct generation. The safe default on every failure path is direct.
func (e *DecisionEngine) Decide(ctx context.Context, content string) Decision {
	if e.tools != nil {
		if d, ok := e.decideToolUse(ctx, content); ok {
			return d
		}
	}

	intent := e.provider.AnalyzeIntent(ctx, content)

	// More specific intents pre-empt the generic search path.
	if intent.IsSearchRequest && !intent.IsProgrammingProblem && !intent.IsMusicRequest {
		return Decision{Kind: DecisionSearch, Keywords: intent.Keywords}
	}
	return Decision{Kind: DecisionDirect}
}

// decideToolUse asks the provider whether any registered tool should handle
// the message. The boolean is false when no tool applies or the reply could
// not be parsed; useMcp:false is the safe default either way.
func (e *DecisionEngine) decideToolUse(ctx context.Context, content string) (Decision, bool) {
	tools := e.tools.AvailableTools()
	if len(tools) == 0 {
		return Decision{}, false
	}

	prompt := buildToolDecisionPrompt(content, tools)
	raw, err := e.provider.GenerateResponse(ctx, []domain.ContextEntry{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		e.logger.Warn("tool decision call failed, defaulting to no tool", "err", err)
		return Decision{}, false
	}

	var td toolDecision
	if err := jsonutil.Unmarshal(raw, &td); err != nil {
		e.logger.Warn("tool decision parse failed, defaulting to no tool", "err", err)
		return Decision{}, false
	}
	if !td.UseMcp {
		return Decision{}, false
	}

	return Decision{
		Kind:             DecisionTool,
		Server:           td.McpName,
		Tool:             td.ToolName,
		Args:             td.Args,
		ResponseTemplate: td.ResponseTemplate,
	}, true
}

// buildToolDecisionPrompt enumerates every registered tool with its argument
// schema and asks for a strict-JSON verdict.
func buildToolDecisionPrompt(userMessage string, tools []domain.ToolInfo) string {
	var list strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&list, "- %s.%s: %s\n", t.Server, t.Name, orDefault(t.Description, "No description"))

		if len(t.InputSchema.Required) > 0 {
			list.WriteString("  Required arguments:\n")
			for _, key := range t.InputSchema.Required {
				p := t.InputSchema.Properties[key]
				fmt.Fprintf(&list, "    - %s (%s): %s\n", key, p.Type, p.Description)
			}
		}
		var optional []string
		for key := range t.InputSchema.Properties {
			if !contains(t.InputSchema.Required, key) {
				optional = append(optional, key)
			}
		}
		if len(optional) > 0 {
			list.WriteString("  Optional arguments:\n")
			for _, key := range optional {
				p := t.InputSchema.Properties[key]
				fmt.Fprintf(&list, "    - %s (%s): %s\n", key, p.Type, p.Description)
			}
		}
	}

	toolsList := list.String()
	if toolsList == "" {
		toolsList = "No tools registered.\n"
	}

	return fmt.Sprintf(`User message:
"%s"

Available tools:
%s
IMPORTANT:
- Use exactly the server and tool names listed above, without modifying them.
- In the JSON, "mcpName" must be only the server name.
- In the JSON, "toolName" must be only the tool name.

Should I use a tool? Answer in JSON with the following format:

{
  "useMcp": true/false,
  "mcpName": "server name",
  "toolName": "tool name",
  "args": { arguments for the tool },
  "responseTemplate": "template for the tool output, use {{mcpResult}} as the marker"
}

If no tool is needed, answer with:

{
  "useMcp": false
}`, userMessage, toolsList)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
