package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/config"
	apperrors "github.com/ItzCrazyKns/deepresearch/internal/errors"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
)

const (
	defaultFetchTimeout     = 15 * time.Second
	defaultMaxContentLength = 20000
	maxBodyBytes            = 4 * 1024 * 1024
	fetchUserAgent          = "deepresearch/1.0 (+https://github.com/ItzCrazyKns/deepresearch)"
)

var excessiveLinesRe = regexp.MustCompile(`\n{4,}`)

// PageFetcher downloads a result URL and reduces it to readable markdown.
type PageFetcher struct {
	Client           *http.Client
	MaxContentLength int
	converter        *md.Converter
	mapper           apperrors.ErrorMapper
}

func NewPageFetcher(cfg config.SearchConfig) *PageFetcher {
	timeout, err := config.DurationOrDefault(cfg.FetchTimeout, config.DefaultSearchFetchTimeout)
	if err != nil {
		timeout = defaultFetchTimeout
	}

	maxLen := cfg.MaxContentLength
	if maxLen <= 0 {
		maxLen = defaultMaxContentLength
	}

	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &PageFetcher{
		Client:           &http.Client{Timeout: timeout},
		MaxContentLength: maxLen,
		converter:        converter,
		mapper:           apperrors.NewDefaultErrorMapper(),
	}
}

// Fetch downloads the page at rawURL and extracts its readable content.
func (f *PageFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("url rejected: %w", err)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(f.mapper.MapError(err), "fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, f.mapper.MapError(fmt.Errorf("fetch returned status %d: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text/plain") {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	article, err := readability.FromReader(body, parsed)
	if err != nil {
		return nil, fmt.Errorf("extract readable content: %w", err)
	}

	markdown, err := f.converter.ConvertString(article.Content)
	if err != nil {
		// Readability already produced plain text, fall back to it.
		markdown = article.TextContent
	}

	markdown = cleanMarkdown(markdown)
	if len(markdown) > f.MaxContentLength {
		markdown = markdown[:f.MaxContentLength]
	}
	if strings.TrimSpace(markdown) == "" {
		return nil, fmt.Errorf("page has no readable content")
	}

	return &Document{
		URL:      rawURL,
		Title:    strings.TrimSpace(article.Title),
		Markdown: markdown,
		Excerpt:  strings.TrimSpace(article.Excerpt),
	}, nil
}

func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}
