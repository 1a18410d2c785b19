package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"replybot/internal/domain"
	"replybot/internal/metrics"
)

// Wire types for OpenAI-compatible chat completion endpoints. Both LM Studio
// and CrofAI speak this dialect, so the request path is shared.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

// doChat posts one completion request and returns the first choice's content.
func doChat(ctx context.Context, client *http.Client, apiBase, apiKey, model string, messages []domain.ContextEntry, opts *domain.GenerateOptions) (string, error) {
	body := chatRequest{Model: model, Stream: false}
	if opts != nil {
		if opts.Model != "" {
			body.Model = opts.Model
		}
		if opts.MaxTokens > 0 {
			body.MaxTokens = opts.MaxTokens
		}
		if opts.Temperature > 0 {
			body.Temperature = &opts.Temperature
		}
	}
	for _, m := range messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	metrics.LLMRequestsTotal.Inc()
	metrics.LLMLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat completions %d: %s", resp.StatusCode, string(respBody))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("chat completions: empty choices")
	}
	return cr.Choices[0].Message.Content, nil
}
