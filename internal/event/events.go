package event

import (
	"time"

	"github.com/TobiSchelling/leser/internal/database"
)

// SourcesInitialized carries the full source registry after it has been
// loaded and its counts computed.
type SourcesInitialized struct {
	Sources map[int]database.Source
}

// SourceAddStarted is published before a source's metadata is fetched.
type SourceAddStarted struct {
	URL   string
	Batch bool
}

// SourceAdded is published once a new source is persisted and registered.
type SourceAdded struct {
	Source database.Source
	Batch  bool
}

// SourceAddFailed is published when adding a source is rolled back.
type SourceAddFailed struct {
	URL   string
	Err   error
	Batch bool
}

// SourceUpdated carries the new snapshot of a replaced source.
type SourceUpdated struct {
	Source database.Source
}

// SourceDeleted carries the last snapshot of a removed source.
type SourceDeleted struct {
	Source database.Source
}

// GroupsChanged carries the group list after any structural change.
type GroupsChanged struct {
	Groups []database.SourceGroup
}

// SavingStarted and SavingFinished bracket a busy settings operation.
// They nest: the panel is busy until every start has been finished.
type SavingStarted struct{}

type SavingFinished struct{}

// FeedsInitialized is published after the feed views loaded their first page.
type FeedsInitialized struct{}

// FetchStarted opens a fetch with Total per-source steps.
type FetchStarted struct {
	Total int
}

// FetchProgressed is published once per settled per-source step.
type FetchProgressed struct{}

// FetchFailed reports one source that could not be fetched.
type FetchFailed struct {
	Source database.Source
	Err    error
}

// ItemsFetched closes a fetch with the newly inserted items.
type ItemsFetched struct {
	Items      []database.Item
	Background bool
}

// ItemReadChanged is published after an item's read flag was persisted.
type ItemReadChanged struct {
	Item database.Item
	Read bool
}

// ItemStarChanged is published after an item's starred flag was persisted.
type ItemStarChanged struct {
	Item    database.Item
	Starred bool
}

// AllMarkedRead is published after the items of Sids were marked read.
// A zero Before means every item.
type AllMarkedRead struct {
	Sids   []int
	Before time.Time
}
