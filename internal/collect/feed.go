package collect

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/leser/internal/database"
)

// Feed is the metadata and raw entry list of a fetched feed.
type Feed struct {
	Title string
	Link  string
	Items []*gofeed.Item
}

// FetchMetaData downloads and parses the feed of src. The returned source
// is src with its name filled from the feed title (or the host name) when
// it had none.
func (c *Collector) FetchMetaData(ctx context.Context, src database.Source) (database.Source, *Feed, error) {
	resp, err := c.get(ctx, src.URL)
	if err != nil {
		return src, nil, fmt.Errorf("fetching feed %s: %w", src.URL, err)
	}
	defer resp.Body.Close()

	parsed, err := c.parser.Parse(resp.Body)
	if err != nil {
		return src, nil, fmt.Errorf("parsing feed %s: %w", src.URL, err)
	}

	feed := &Feed{
		Title: strings.TrimSpace(parsed.Title),
		Link:  parsed.Link,
		Items: parsed.Items,
	}
	if strings.TrimSpace(src.Name) == "" {
		src.Name = feed.Title
		if src.Name == "" {
			src.Name = extractSourceName(src.URL)
		}
	}
	return src, feed, nil
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		name := parts[len(parts)-2]
		return strings.ToUpper(name[:1]) + name[1:]
	}
	return strings.ToUpper(host[:1]) + host[1:]
}
