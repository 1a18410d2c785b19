package domain

import "context"

// Provider is the interface all AI providers must implement.
type Provider interface {
	Name() string
	// GenerateResponse produces a completion for the given conversation.
	GenerateResponse(ctx context.Context, messages []ContextEntry, opts *GenerateOptions) (string, error)
	// AnalyzeIntent classifies a message. Implementations must never fail the
	// pipeline: on any provider or parse error they return the zero analysis.
	AnalyzeIntent(ctx context.Context, content string) IntentAnalysis
	// Healthy reports whether the provider is ready to serve requests.
	Healthy(ctx context.Context) error
}

// ModelManager is an optional extension for providers that expose a model
// catalog and allow switching models at runtime.
type ModelManager interface {
	Provider
	ListModels(ctx context.Context) ([]ModelInfo, error)
	SelectModel(id string)
}

// Shutdowner is an optional extension for providers that hold external
// resources (e.g. a locally loaded model) that should be released on exit.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// GenerateOptions tunes a single generation call. A nil options pointer
// means provider defaults.
type GenerateOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// ModelInfo describes one model offered by a provider.
type ModelInfo struct {
	ID          string
	Description string
}

// IntentAnalysis is the first-layer classification of a message.
type IntentAnalysis struct {
	IsSearchRequest      bool     `json:"isSearchRequest"`
	Keywords             []string `json:"keywords"`
	IsProgrammingProblem bool     `json:"isProgrammingProblem,omitempty"`
	IsMusicRequest       bool     `json:"isMusicRequest,omitempty"`
}
