package collect

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/leser/internal/database"
)

const maxSnippet = 300

// CheckItems converts raw feed entries into insertable items of src.
// Entries without a link or guid are dropped. Dates in the future are
// clamped to the fetch time.
func (c *Collector) CheckItems(src database.Source, entries []*gofeed.Item) []database.Item {
	now := time.Now()
	items := make([]database.Item, 0, len(entries))
	for _, e := range entries {
		if it, ok := parseItem(src, e, now); ok {
			items = append(items, it)
		}
	}
	return items
}

func parseItem(src database.Source, e *gofeed.Item, fetched time.Time) (database.Item, bool) {
	link := strings.TrimSpace(e.Link)
	if link == "" {
		link = strings.TrimSpace(e.GUID)
	}
	if link == "" {
		return database.Item{}, false
	}

	date := fetched
	if e.PublishedParsed != nil {
		date = *e.PublishedParsed
	} else if e.UpdatedParsed != nil {
		date = *e.UpdatedParsed
	}
	if date.After(fetched) {
		date = fetched
	}

	content := e.Content
	if content == "" {
		content = e.Description
	}

	it := database.Item{
		Source:      src.SID,
		Title:       strings.TrimSpace(e.Title),
		Link:        link,
		Date:        date,
		FetchedDate: fetched,
		Content:     content,
	}
	if it.Title == "" {
		it.Title = link
	}
	if e.Author != nil {
		it.Creator = e.Author.Name
	} else if len(e.Authors) > 0 && e.Authors[0] != nil {
		it.Creator = e.Authors[0].Name
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err == nil {
		it.Snippet = snippet(doc.Text())
		if img, ok := doc.Find("img[src]").First().Attr("src"); ok {
			it.Thumb = img
		}
	}
	if thumb := enclosureImage(e); thumb != "" {
		it.Thumb = thumb
	}
	return it, true
}

// enclosureImage prefers explicit feed imagery over images found in content.
func enclosureImage(e *gofeed.Item) string {
	if e.Image != nil && e.Image.URL != "" {
		return e.Image.URL
	}
	for _, enc := range e.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	return ""
}

func snippet(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	r := []rune(s)
	if len(r) > maxSnippet {
		return string(r[:maxSnippet])
	}
	return s
}
