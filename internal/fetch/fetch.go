// Package fetch extracts the readable article text behind an item link.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// ErrNoContent is returned when a page has no extractable article text.
var ErrNoContent = errors.New("no extractable content")

const minContentLength = 100

// ContentFetcher fetches full article text via HTTP + readability extraction.
type ContentFetcher struct {
	client    *http.Client
	userAgent string

	// Hosts that answered with an HTTP error are skipped for the rest of
	// the session.
	mu          sync.Mutex
	failedHosts map[string]struct{}
}

// NewContentFetcher creates a new content fetcher.
func NewContentFetcher(timeout time.Duration, userAgent string) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ContentFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent:   userAgent,
		failedHosts: make(map[string]struct{}),
	}
}

// Article is the readable form of a page.
type Article struct {
	Title string
	Text  string
}

// ExtractContent downloads articleURL and returns its readable text.
func (f *ContentFetcher) ExtractContent(ctx context.Context, articleURL string) (*Article, error) {
	parsedURL, err := url.Parse(articleURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url %s: %w", articleURL, err)
	}
	host := strings.ToLower(parsedURL.Host)
	f.mu.Lock()
	_, failed := f.failedHosts[host]
	f.mu.Unlock()
	if failed {
		return nil, fmt.Errorf("skipping %s after earlier HTTP error from %s", articleURL, host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return nil, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", articleURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		f.mu.Lock()
		f.failedHosts[host] = struct{}{}
		f.mu.Unlock()
		return nil, &httpError{code: resp.StatusCode}
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", articleURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(string(bodyBytes)), parsedURL)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", articleURL, err)
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) <= minContentLength {
		return nil, ErrNoContent
	}
	return &Article{Title: article.Title, Text: text}, nil
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return http.StatusText(e.code)
}
