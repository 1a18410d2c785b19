package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/chromedp/chromedp"

	"replybot/internal/domain"
)

// Scraper extracts results from the Bing results page with a headless
// browser. It is the keyless fallback when the Google API is not configured
// or errors out.
type Scraper struct {
	timeout time.Duration
	logger  *slog.Logger
}

func NewScraper(logger *slog.Logger) *Scraper {
	return &Scraper{timeout: 30 * time.Second, logger: logger}
}

// scrapedResult mirrors the JS evaluated in the page.
type scrapedResult struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Description string `json:"description"`
}

// extractScript pulls title, link, and caption out of each organic result
// block on the Bing results page.
const extractScript = `Array.from(document.querySelectorAll('.b_algo')).map(el => {
	const a = el.querySelector('h2 a');
	const p = el.querySelector('.b_caption p');
	return {
		title: a ? a.textContent.trim() : '',
		link: a ? a.href : '',
		description: p ? p.textContent.trim() : ''
	};
}).filter(r => r.title && r.link)`

func (s *Scraper) FetchSearchResults(ctx context.Context, query string) ([]domain.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	searchURL := "https://www.bing.com/search?q=" + url.QueryEscape(query)

	var scraped []scrapedResult
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(searchURL),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(extractScript, &scraped),
	)
	if err != nil {
		return nil, fmt.Errorf("bing scrape: %w", err)
	}

	results := make([]domain.SearchResult, 0, len(scraped))
	for _, r := range scraped {
		results = append(results, domain.SearchResult{
			Title:       r.Title,
			Link:        r.Link,
			Description: r.Description,
		})
	}
	s.logger.Debug("bing scrape finished", "query", query, "results", len(results))
	return results, nil
}
