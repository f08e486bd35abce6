package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/config"
	apperrors "github.com/ItzCrazyKns/deepresearch/internal/errors"
)

const (
	defaultMaxResults    = 8
	maxResultsHardCap    = 20
	defaultSearchTimeout = 10 * time.Second
)

// SearxNG queries a SearxNG instance over its JSON API.
type SearxNG struct {
	Client     *http.Client
	BaseURL    string
	MaxResults int

	mapper apperrors.ErrorMapper
}

func NewSearxNG(cfg config.SearchConfig) (*SearxNG, error) {
	timeout, err := config.DurationOrDefault(cfg.Timeout, config.DefaultSearchTimeout)
	if err != nil {
		timeout = defaultSearchTimeout
	}

	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = config.DefaultSearchBaseURL
	}

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if maxResults > maxResultsHardCap {
		maxResults = maxResultsHardCap
	}

	return &SearxNG{
		Client:     &http.Client{Timeout: timeout},
		BaseURL:    baseURL,
		MaxResults: maxResults,
		mapper:     apperrors.NewDefaultErrorMapper(),
	}, nil
}

type searxResponse struct {
	Results []struct {
		URL     string  `json:"url"`
		Title   string  `json:"title"`
		Content string  `json:"content"`
		Engine  string  `json:"engine"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (s *SearxNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.InvalidInput("empty search query")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}
	if opts.Recency > 0 {
		params.Set("time_range", recencyRange(opts.Recency))
	}

	endpoint := s.BaseURL + "/search?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(s.mapper.MapError(err), "search request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// StatusText gives the mapper something to classify, e.g. 429
		// "Too Many Requests" folds into the transient category.
		return nil, s.mapper.MapError(fmt.Errorf("search returned status %d: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	limit := opts.MaxResults
	if limit <= 0 || limit > s.MaxResults {
		limit = s.MaxResults
	}

	var results []Result
	for _, r := range parsed.Results {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		results = append(results, Result{
			URL:     r.URL,
			Title:   strings.TrimSpace(r.Title),
			Snippet: strings.TrimSpace(r.Content),
			Engine:  r.Engine,
			Score:   r.Score,
		})
		if len(results) >= limit {
			break
		}
	}

	return results, nil
}

func recencyRange(days int) string {
	switch {
	case days <= 1:
		return "day"
	case days <= 7:
		return "week"
	case days <= 31:
		return "month"
	default:
		return "year"
	}
}
