package domain

import "context"

// Searcher fetches web search results for a query.
type Searcher interface {
	FetchSearchResults(ctx context.Context, query string) ([]SearchResult, error)
}
