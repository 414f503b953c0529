// Package collect talks to the network on behalf of the source registry:
// it fetches feed metadata, normalizes fetched entries into items and
// resolves favicons.
package collect

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/leser/internal/config"
)

// Collector fetches feeds and site resources over HTTP.
type Collector struct {
	parser    *gofeed.Parser
	client    *http.Client
	userAgent string
}

// NewCollector creates a collector using the fetch settings from cfg.
func NewCollector(cfg *config.Config) *Collector {
	timeout := time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Collector{
		parser: gofeed.NewParser(),
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: cfg.Fetch.UserAgent,
	}
}

// HTTPError is returned when a server answers with an error status.
type HTTPError struct {
	URL  string
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// get issues a GET request and returns the response when the status is
// below 400. The caller closes the body.
func (c *Collector) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{URL: rawURL, Code: resp.StatusCode}
	}
	return resp, nil
}
