package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"replybot/internal/domain"
)

const defaultCrofAIBase = "https://ai.nahcrof.com/v2"

// crofAIModels is the fixed catalog the hosted service offers. The API has
// no model listing endpoint, so the catalog is maintained by hand.
var crofAIModels = []string{
	"llama3-8b",
	"llama3.1-8b",
	"llama3.3-70b",
	"llama3.2-1b",
	"llama3-70b",
	"llama3.1-405b",
	"llama3.1-tulu3-405b",
	"deepseek-r1",
	"deepseek-v3",
	"deepseek-v3-0324",
	"deepseek-r1-distill-llama-70b",
	"deepseek-r1-distill-qwen-32b",
	"qwen-qwq-32b",
	"gemma-3-27b-it",
	"llama-4-scout-131k",
}

// CrofAI implements domain.Provider for the hosted CrofAI service, an
// OpenAI-compatible API.
type CrofAI struct {
	apiKey  string
	apiBase string
	client  *http.Client
	logger  *slog.Logger

	mu    sync.RWMutex
	model string
}

type CrofAIConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewCrofAI(cfg CrofAIConfig) *CrofAI {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultCrofAIBase
	}
	if cfg.Model == "" {
		cfg.Model = "llama3-70b"
	}
	return &CrofAI{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  SharedHTTPClient(0),
		logger:  cfg.Logger,
	}
}

func (c *CrofAI) Name() string { return "crofai" }

func (c *CrofAI) currentModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

func (c *CrofAI) GenerateResponse(ctx context.Context, messages []domain.ContextEntry, opts *domain.GenerateOptions) (string, error) {
	return doChat(ctx, c.client, c.apiBase, c.apiKey, c.currentModel(), messages, opts)
}

func (c *CrofAI) AnalyzeIntent(ctx context.Context, content string) domain.IntentAnalysis {
	return analyzeIntent(ctx, c, content, c.logger)
}

func (c *CrofAI) Healthy(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("crofai: no API key configured")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("crofai not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("crofai: invalid API key")
	}
	return nil
}

func (c *CrofAI) ListModels(_ context.Context) ([]domain.ModelInfo, error) {
	out := make([]domain.ModelInfo, 0, len(crofAIModels))
	for _, id := range crofAIModels {
		out = append(out, domain.ModelInfo{ID: id})
	}
	return out, nil
}

func (c *CrofAI) SelectModel(id string) {
	c.mu.Lock()
	c.model = id
	c.mu.Unlock()
}
