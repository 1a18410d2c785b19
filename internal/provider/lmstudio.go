package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"replybot/internal/domain"
)

const defaultLMStudioBase = "http://localhost:1234/api/v0"

// LMStudio implements domain.Provider against a local LM Studio server.
// The server exposes an OpenAI-compatible API plus a model catalog; models
// are loaded lazily, so the selected model can change at runtime.
type LMStudio struct {
	apiBase string
	client  *http.Client
	logger  *slog.Logger

	mu    sync.RWMutex
	model string
}

type LMStudioConfig struct {
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewLMStudio(cfg LMStudioConfig) *LMStudio {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultLMStudioBase
	}
	return &LMStudio{
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  SharedHTTPClient(0),
		logger:  cfg.Logger,
	}
}

func (l *LMStudio) Name() string { return "lmstudio" }

func (l *LMStudio) currentModel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.model
}

func (l *LMStudio) GenerateResponse(ctx context.Context, messages []domain.ContextEntry, opts *domain.GenerateOptions) (string, error) {
	model := l.currentModel()
	if model == "" && (opts == nil || opts.Model == "") {
		return "", fmt.Errorf("lmstudio: no model selected")
	}
	return doChat(ctx, l.client, l.apiBase, "", model, messages, opts)
}

func (l *LMStudio) AnalyzeIntent(ctx context.Context, content string) domain.IntentAnalysis {
	return analyzeIntent(ctx, l, content, l.logger)
}

func (l *LMStudio) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", l.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("lmstudio not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lmstudio returned %d", resp.StatusCode)
	}
	if l.currentModel() == "" {
		return fmt.Errorf("lmstudio: no model selected")
	}
	return nil
}

type lmsModelList struct {
	Data []lmsModel `json:"data"`
}

type lmsModel struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Publisher string `json:"publisher"`
	State     string `json:"state"` // "loaded" | "not-loaded"
}

// ListModels returns the LLM entries from the server catalog. When the
// server is down it tries `lms server start` once and retries.
func (l *LMStudio) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	models, err := l.fetchModels(ctx)
	if err == nil {
		return models, nil
	}

	l.logger.Warn("lmstudio not responding, trying to start the server", "err", err)
	if startErr := exec.CommandContext(ctx, "lms", "server", "start").Run(); startErr != nil {
		return nil, fmt.Errorf("lmstudio: start server: %w", startErr)
	}
	if waitErr := l.waitForServer(ctx, 10*time.Second); waitErr != nil {
		return nil, waitErr
	}
	return l.fetchModels(ctx)
}

func (l *LMStudio) fetchModels(ctx context.Context) ([]domain.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", l.apiBase+"/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lmstudio models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lmstudio models: status %d", resp.StatusCode)
	}

	var list lmsModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("lmstudio models: decode: %w", err)
	}

	var out []domain.ModelInfo
	for _, m := range list.Data {
		if m.Type != "llm" {
			continue
		}
		out = append(out, domain.ModelInfo{
			ID:          m.ID,
			Description: fmt.Sprintf("%s (%s)", m.Publisher, m.State),
		})
	}
	return out, nil
}

func (l *LMStudio) waitForServer(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := l.fetchModels(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("lmstudio did not start within %s", timeout)
}

func (l *LMStudio) SelectModel(id string) {
	l.mu.Lock()
	l.model = id
	l.mu.Unlock()
}

// Shutdown unloads all models and stops the local server. Both steps are
// best effort; a failed unload must not block the stop.
func (l *LMStudio) Shutdown(ctx context.Context) error {
	l.logger.Info("unloading lmstudio models")
	if err := exec.CommandContext(ctx, "lms", "unload", "--all").Run(); err != nil {
		l.logger.Warn("unload failed", "err", err)
	}

	l.logger.Info("stopping lmstudio server")
	if err := exec.CommandContext(ctx, "lms", "server", "stop").Run(); err != nil {
		return fmt.Errorf("lmstudio: stop server: %w", err)
	}
	return nil
}
