package app

import (
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/leser/internal/database"
)

// MenuKeyAll selects the feed of every visible source.
const MenuKeyAll = "ALL"

// ContextMenuType identifies which context menu is open.
type ContextMenuType int

const (
	MenuHidden ContextMenuType = iota
	MenuText
	MenuItem
	MenuView
	MenuMarkAll
	MenuImage
	MenuGroup
)

func (t ContextMenuType) String() string {
	switch t {
	case MenuText:
		return "text"
	case MenuItem:
		return "item"
	case MenuView:
		return "view"
	case MenuMarkAll:
		return "mark-all"
	case MenuImage:
		return "image"
	case MenuGroup:
		return "group"
	default:
		return "hidden"
	}
}

// ContextMenu is the single open context menu and its payload. Only the
// fields relevant to Type are set.
type ContextMenu struct {
	Type     ContextMenuType
	Position [2]int
	Anchor   string

	Text string
	URL  string

	Item   *database.Item
	FeedID string

	Sids []int
}

// LogType classifies an operational log entry.
type LogType int

const (
	LogInfo LogType = iota
	LogFailure
	LogArticle
)

// Log is one entry of the operational log.
type Log struct {
	ID      string
	Type    LogType
	Title   string
	Details string
	IID     int64 // article entries only
	Time    time.Time
}

func newLog(typ LogType, title, details string, iid int64) Log {
	return Log{
		ID:      uuid.NewString(),
		Type:    typ,
		Title:   title,
		Details: details,
		IID:     iid,
		Time:    time.Now(),
	}
}

// LogMenu is the operational log panel.
type LogMenu struct {
	Display bool
	Notify  bool
	Logs    []Log
}

// Settings is the settings panel. Saving is true while at least one busy
// operation is in flight.
type Settings struct {
	Display bool
	Changed bool
	Sids    []int
	Saving  bool
}

// State is a snapshot of the session UI state.
type State struct {
	Locale     string
	SourceInit bool
	FeedInit   bool
	Syncing    bool

	FetchingItems    bool
	FetchingProgress int
	FetchingTotal    int
	LastFetched      time.Time

	Menu    bool
	MenuKey string
	Title   string

	Settings    Settings
	LogMenu     LogMenu
	ContextMenu ContextMenu
}
