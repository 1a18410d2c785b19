// Package search implements the web search chain: the Google Custom Search
// API first, then a headless-browser Bing scrape as the keyless fallback.
// Every backend failure degrades, never propagates as a pipeline error.
package search

import (
	"context"
	"log/slog"

	"replybot/internal/domain"
	"replybot/internal/metrics"
)

// Chain tries each backend in order and returns the first non-empty result
// set. When every backend fails or returns nothing, the chain returns an
// empty slice and nil error so the caller falls back to direct generation.
type Chain struct {
	backends []domain.Searcher
	logger   *slog.Logger
}

func NewChain(logger *slog.Logger, backends ...domain.Searcher) *Chain {
	return &Chain{backends: backends, logger: logger}
}

func (c *Chain) FetchSearchResults(ctx context.Context, query string) ([]domain.SearchResult, error) {
	metrics.SearchesTotal.Inc()
	for _, b := range c.backends {
		results, err := b.FetchSearchResults(ctx, query)
		if err != nil {
			c.logger.Warn("search backend failed, trying next", "query", query, "err", err)
			continue
		}
		if len(results) > 0 {
			return results, nil
		}
	}
	c.logger.Info("all search backends empty", "query", query)
	return nil, nil
}

// FromConfig assembles the standard chain: Google when credentials exist,
// the scraper when enabled.
func FromConfig(apiKey, cx string, scraperFallback bool, logger *slog.Logger) *Chain {
	var backends []domain.Searcher
	google := NewGoogle(GoogleConfig{APIKey: apiKey, CX: cx, Logger: logger})
	if google.Configured() {
		backends = append(backends, google)
	}
	if scraperFallback {
		backends = append(backends, NewScraper(logger))
	}
	return NewChain(logger, backends...)
}
