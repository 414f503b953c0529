// Package opml reads and writes subscription lists as OPML 1.0 outlines.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/TobiSchelling/leser/internal/database"
)

// ExportTitle is written to the head of exported documents.
const ExportTitle = "Leser Export"

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    *Body    `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title string `xml:"title,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is either a feed (XMLURL set) or a folder of feeds.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

func (o Outline) label() string {
	if o.Text != "" {
		return o.Text
	}
	return o.Title
}

// Entry is one feed found in a document. Group is empty for top-level feeds.
type Entry struct {
	URL   string
	Name  string
	Group string
}

// Document is the parsed form of an import: the named folders in document
// order and every feed entry.
type Document struct {
	Groups  []string
	Entries []Entry
}

// Parse reads an OPML document. Top-level feed outlines become ungrouped
// entries; labelled top-level outlines become folders whose direct feed
// children are grouped under the label. Deeper nesting is ignored.
// A document without a body yields an empty result.
func Parse(r io.Reader) (*Document, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}

	out := &Document{}
	if doc.Body == nil {
		return out, nil
	}
	for _, o := range doc.Body.Outlines {
		if o.Type == "rss" || o.XMLURL != "" {
			if e, ok := toEntry(o, ""); ok {
				out.Entries = append(out.Entries, e)
			}
			continue
		}
		name := o.label()
		if name == "" {
			continue
		}
		out.Groups = append(out.Groups, name)
		for _, child := range o.Outlines {
			if e, ok := toEntry(child, name); ok {
				out.Entries = append(out.Entries, e)
			}
		}
	}
	return out, nil
}

func toEntry(o Outline, group string) (Entry, bool) {
	u := strings.TrimSpace(o.XMLURL)
	if u == "" {
		return Entry{}, false
	}
	return Entry{URL: u, Name: o.label(), Group: group}, true
}

// Export renders groups as an OPML 1.0 document. Named groups become
// folders; singleton groups become top-level feed outlines. Sids missing
// from sources are skipped.
func Export(groups []database.SourceGroup, sources map[int]database.Source) ([]byte, error) {
	doc := OPML{
		Version: "1.0",
		Head:    Head{Title: ExportTitle},
		Body:    &Body{},
	}

	for _, g := range groups {
		if g.IsMultiple {
			folder := Outline{Text: g.Name, Title: g.Name}
			for _, sid := range g.Sids {
				if s, ok := sources[sid]; ok {
					folder.Outlines = append(folder.Outlines, sourceOutline(s))
				}
			}
			doc.Body.Outlines = append(doc.Body.Outlines, folder)
			continue
		}
		if len(g.Sids) == 0 {
			continue
		}
		if s, ok := sources[g.Sids[0]]; ok {
			doc.Body.Outlines = append(doc.Body.Outlines, sourceOutline(s))
		}
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}

func sourceOutline(s database.Source) Outline {
	return Outline{Text: s.Name, Title: s.Name, Type: "rss", XMLURL: s.URL}
}
