package collect

import (
	"context"
	"io"
	"log"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FetchFavicon resolves an icon for the site hosting rawURL. It looks for
// an icon link on the site's home page first and falls back to
// /favicon.ico. An empty string with a nil error means nothing usable was
// found.
func (c *Collector) FetchFavicon(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	home := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}

	if icon := c.iconFromPage(ctx, home); icon != "" {
		return icon, nil
	}

	fallback := home.ResolveReference(&url.URL{Path: "/favicon.ico"}).String()
	if c.ValidateFavicon(ctx, fallback) {
		return fallback, nil
	}
	return "", nil
}

func (c *Collector) iconFromPage(ctx context.Context, page *url.URL) string {
	resp, err := c.get(ctx, page.String())
	if err != nil {
		log.Printf("Favicon lookup on %s failed: %v", page, err)
		return ""
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return ""
	}

	var icon string
	doc.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		for _, r := range rel {
			if r != "icon" {
				continue
			}
			href, ok := s.Attr("href")
			if !ok || strings.TrimSpace(href) == "" {
				return true
			}
			ref, err := url.Parse(strings.TrimSpace(href))
			if err != nil {
				return true
			}
			candidate := resp.Request.URL.ResolveReference(ref).String()
			if c.ValidateFavicon(ctx, candidate) {
				icon = candidate
				return false
			}
		}
		return true
	})
	return icon
}

// ValidateFavicon reports whether rawURL serves an image.
func (c *Collector) ValidateFavicon(ctx context.Context, rawURL string) bool {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "image")
}
