package database

import "time"

// OpenTarget controls where a source's items are opened.
type OpenTarget int

const (
	OpenLocal OpenTarget = iota
	OpenWebpage
	OpenExternal
	OpenFullContent
)

// TextDirection is the reading direction of a source's content.
type TextDirection int

const (
	TextLTR TextDirection = iota
	TextRTL
	TextVertical
)

// Source is a subscribed feed endpoint. UnreadCount and StarredCount are
// derived from items and never persisted.
type Source struct {
	SID            int
	URL            string
	IconURL        *string // nil until resolved; "" when resolution found nothing
	Name           string
	OpenTarget     OpenTarget
	TextDir        TextDirection
	Hidden         bool
	FetchFrequency int // minutes, 0 = every fetch
	LastFetched    time.Time

	UnreadCount  int
	StarredCount int
}

// NewSource returns a provisional source that has not been persisted yet.
func NewSource(url, name string) Source {
	return Source{
		SID:         -1,
		URL:         url,
		Name:        name,
		OpenTarget:  OpenLocal,
		LastFetched: time.Now(),
	}
}

// Item is a fetched article belonging to a source.
type Item struct {
	ID          int64
	Source      int
	Title       string
	Link        string
	Date        time.Time
	FetchedDate time.Time
	Thumb       string
	Content     string
	Snippet     string
	Creator     string
	HasRead     bool
	Starred     bool
	Hidden      bool
	Notify      bool
}

// SourceGroup is either a user-named folder (IsMultiple) or a singleton
// wrapping exactly one ungrouped source.
type SourceGroup struct {
	Sids       []int  `json:"sids"`
	Name       string `json:"name,omitempty"`
	IsMultiple bool   `json:"isMultiple"`
	Expanded   bool   `json:"expanded"`
}

// NewSingletonGroup wraps a single ungrouped source.
func NewSingletonGroup(sid int) SourceGroup {
	return SourceGroup{Sids: []int{sid}, Expanded: true}
}

// NewNamedGroup creates an empty user folder.
func NewNamedGroup(name string) SourceGroup {
	return SourceGroup{Sids: []int{}, Name: name, IsMultiple: true, Expanded: true}
}

// Clone returns a copy that shares no memory with g.
func (g SourceGroup) Clone() SourceGroup {
	c := g
	c.Sids = append([]int{}, g.Sids...)
	return c
}

// Stats contains aggregate database statistics.
type Stats struct {
	Sources       int
	HiddenSources int
	TotalItems    int
	UnreadItems   int
	StarredItems  int
}
