// Package search wraps the web-search provider and page-content retrieval
// consumed by the retrieval and extraction phases. Providers are external
// collaborators: the engine only depends on the interfaces defined here.
package search

import "context"

type Options struct {
	MaxResults int
	Language   string
	Recency    int // recency hint in days, 0 = no preference
}

type Result struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Engine  string  `json:"engine,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Provider executes a ranked web search. Implementations must return promptly
// when ctx is cancelled.
type Provider interface {
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Document is the readable content of a fetched page.
type Document struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
	Excerpt  string `json:"excerpt,omitempty"`
}
