package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"replybot/internal/domain"
	"replybot/internal/jsonutil"
)

const (
	defaultMaxIterations = 5
	toolResultMaxLen     = 1500
	resultMarker         = "{{mcpResult}}"

	insufficientInfoReply = "I could not gather enough information to answer that."
)

// plan is the JSON contract each PLAN step must return. The field names are
// part of the prompt contract and predate this implementation.
type plan struct {
	Sufficient bool           `json:"suficiente"`
	Action     string         `json:"accion"` // "none" | "tool" | "memory"
	McpName    string         `json:"mcpName"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
}

// stepRecord is one accumulated tool or memory outcome carried between
// iterations.
type stepRecord struct {
	Type    string         `json:"type"` // "tool" | "memory"
	Server  string         `json:"server,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Result  string         `json:"result"`
	Success bool           `json:"success"`
}

// Reasoner runs the bounded plan-act-evaluate loop: each iteration asks the
// provider whether the accumulated context suffices, and if not, which tool
// or memory lookup to run next. The iteration cap guarantees termination.
type Reasoner struct {
	provider      domain.Provider
	tools         domain.ToolExecutor
	memory        domain.MemoryStore
	maxIterations int
	logger        *slog.Logger
}

type ReasonerConfig struct {
	Provider      domain.Provider
	Tools         domain.ToolExecutor
	Memory        domain.MemoryStore
	MaxIterations int
	Logger        *slog.Logger
}

func NewReasoner(cfg ReasonerConfig) *Reasoner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	return &Reasoner{
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		memory:        cfg.Memory,
		maxIterations: cfg.MaxIterations,
		logger:        cfg.Logger,
	}
}

// AnswerQuestion runs the loop for one question. Only a plan declaring the
// context sufficient transitions to the final synthesis call; every other
// exit is terminal and yields the canned insufficient-information reply:
// exhausting the iteration budget, a failed or unparseable plan call, and a
// plan that selects no action all discard the accumulated context.
func (r *Reasoner) AnswerQuestion(ctx context.Context, question string) string {
	var steps []stepRecord

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		r.logger.Debug("reasoner iteration", "iteration", iteration, "steps", len(steps))

		raw, err := r.provider.GenerateResponse(ctx, []domain.ContextEntry{
			{Role: "user", Content: buildPlanPrompt(question, steps)},
		}, nil)
		if err != nil {
			r.logger.Warn("plan call failed, exiting reasoner loop", "err", err)
			return insufficientInfoReply
		}

		var p plan
		if err := jsonutil.Unmarshal(raw, &p); err != nil {
			r.logger.Warn("plan parse failed, exiting reasoner loop", "err", err)
			return insufficientInfoReply
		}

		if p.Sufficient {
			return r.answerFrom(ctx, question, steps)
		}

		switch p.Action {
		case "tool":
			result := r.tools.ExecuteTool(ctx, p.McpName, p.ToolName, p.Args)
			steps = append(steps, stepRecord{
				Type:    "tool",
				Server:  p.McpName,
				Tool:    p.ToolName,
				Args:    p.Args,
				Result:  orDefault(result.Result, result.Error),
				Success: result.Success,
			})
		case "memory":
			steps = append(steps, r.queryMemory(ctx, p.Args))
		default:
			r.logger.Debug("plan selected no action, exiting reasoner loop")
			return insufficientInfoReply
		}
	}

	r.logger.Info("reasoner iteration budget exhausted", "steps", len(steps))
	return insufficientInfoReply
}

// answerFrom makes the single final generation call synthesizing all
// accumulated context into a user-facing reply.
func (r *Reasoner) answerFrom(ctx context.Context, question string, steps []stepRecord) string {
	answer, err := r.provider.GenerateResponse(ctx, []domain.ContextEntry{
		{Role: "user", Content: buildAnswerPrompt(question, steps)},
	}, nil)
	if err != nil {
		r.logger.Warn("final answer call failed", "err", err)
		return insufficientInfoReply
	}
	return answer
}

func (r *Reasoner) queryMemory(ctx context.Context, args map[string]any) stepRecord {
	rec := stepRecord{Type: "memory", Args: args}
	if r.memory == nil {
		rec.Result = "memory is not available"
		return rec
	}

	query, _ := args["query"].(string)
	entities, err := r.memory.Search(ctx, query, 5)
	if err != nil {
		rec.Result = err.Error()
		return rec
	}

	var sb strings.Builder
	for _, e := range entities {
		for _, o := range e.Observations {
			fmt.Fprintf(&sb, "%s: %s\n", e.Name, o)
		}
	}
	rec.Result = orDefault(sb.String(), "no matching memories")
	rec.Success = true
	return rec
}

// ExecuteDirect is the lighter-weight single-shot path: the decision engine
// already named a tool and its arguments, so the reasoner executes it exactly
// once and formats the outcome.
func (r *Reasoner) ExecuteDirect(ctx context.Context, d Decision) string {
	result := r.tools.ExecuteTool(ctx, d.Server, d.Tool, d.Args)

	if !result.Success {
		return fmt.Sprintf("❌ Error: %s", orDefault(result.Error, "unknown"))
	}

	text := truncate(orDefault(result.Result, "operation succeeded"), toolResultMaxLen)
	if d.ResponseTemplate != "" && strings.Contains(d.ResponseTemplate, resultMarker) {
		return strings.ReplaceAll(d.ResponseTemplate, resultMarker, text)
	}
	return fmt.Sprintf("✅ %s", text)
}

func buildPlanPrompt(question string, steps []stepRecord) string {
	contextJSON, err := json.Marshal(steps)
	if err != nil {
		contextJSON = []byte("[]")
	}
	return fmt.Sprintf(`User question: "%s"
Current context: %s

Is the information sufficient to answer? If not, which tool or memory lookup
should run next, and with which arguments?
Return a JSON object:
{
  "suficiente": true/false,
  "accion": "none" or "tool" or "memory",
  "mcpName": "...",
  "toolName": "...",
  "args": {...}
}`, question, contextJSON)
}

func buildAnswerPrompt(question string, steps []stepRecord) string {
	contextJSON, err := json.Marshal(steps)
	if err != nil {
		contextJSON = []byte("[]")
	}
	return fmt.Sprintf(`User question: "%s"
Context: %s

Formulate a clear and complete final answer for the user.`, question, contextJSON)
}

// truncate cuts s to at most max bytes, backing off to a rune boundary so
// multibyte characters are never split mid-sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
