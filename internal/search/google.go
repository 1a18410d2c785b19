package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"replybot/internal/domain"
)

const defaultGoogleEndpoint = "https://www.googleapis.com/customsearch/v1"

// Google queries the Google Custom Search JSON API.
type Google struct {
	apiKey   string
	cx       string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

type GoogleConfig struct {
	APIKey   string
	CX       string
	Endpoint string // override for tests
	Logger   *slog.Logger
}

func NewGoogle(cfg GoogleConfig) *Google {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultGoogleEndpoint
	}
	return &Google{
		apiKey:   cfg.APIKey,
		cx:       cfg.CX,
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   cfg.Logger,
	}
}

// Configured reports whether both credentials are present.
func (g *Google) Configured() bool {
	return g.apiKey != "" && g.cx != ""
}

type googleResponse struct {
	Items []googleItem `json:"items"`
}

type googleItem struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

func (g *Google) FetchSearchResults(ctx context.Context, query string) ([]domain.SearchResult, error) {
	if !g.Configured() {
		return nil, fmt.Errorf("google search: missing API key or CX")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("key", g.apiKey)
	params.Set("cx", g.cx)
	params.Set("num", "10")

	req, err := http.NewRequestWithContext(ctx, "GET", g.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google search: status %d", resp.StatusCode)
	}

	var gr googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("google search: decode: %w", err)
	}

	results := make([]domain.SearchResult, 0, len(gr.Items))
	for _, item := range gr.Items {
		results = append(results, domain.SearchResult{
			Title:       item.Title,
			Link:        item.Link,
			Description: item.Snippet,
		})
	}
	return results, nil
}
