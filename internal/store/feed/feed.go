// Package feed keeps the paged item lists shown for a menu selection and
// the item currently opened.
package feed

import (
	"fmt"
	"slices"
	"sync"

	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/event"
)

// Feed ids.
const (
	AllFeed      = "ALL"
	SelectedFeed = "SELECTED"
)

// DB pages items out of storage.
type DB interface {
	GetItems(sids []int, offset, limit int) ([]database.Item, error)
}

// Sources provides the registry snapshot.
type Sources interface {
	Sources() map[int]database.Source
}

// ItemCache receives every item a feed loads.
type ItemCache interface {
	LoadItems([]database.Item)
}

// Feed is a paged list of item ids from a set of sources, newest first.
type Feed struct {
	ID        string
	Sids      []int
	ItemIDs   []int64
	Loaded    bool
	Loading   bool
	AllLoaded bool
}

// Store holds the feeds. A Feed returned by Feed is a snapshot; its
// slices are never modified afterwards.
type Store struct {
	db       DB
	sources  Sources
	items    ItemCache
	bus      *event.Bus
	pageSize int

	mu       sync.Mutex
	feeds    map[string]Feed
	sourceOf map[int64]int
	current  int64
}

// New creates the feed views with the given page size.
func New(db DB, sources Sources, items ItemCache, bus *event.Bus, pageSize int) *Store {
	return &Store{
		db:       db,
		sources:  sources,
		items:    items,
		bus:      bus,
		pageSize: max(1, pageSize),
		feeds:    make(map[string]Feed),
		sourceOf: make(map[int64]int),
	}
}

// Feed returns a snapshot of the feed with id.
func (s *Store) Feed(id string) (Feed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	return f, ok
}

func visibleSids(sources map[int]database.Source) []int {
	var sids []int
	for sid, src := range sources {
		if !src.Hidden {
			sids = append(sids, sid)
		}
	}
	slices.Sort(sids)
	return sids
}

// InitFeeds loads the first page of every feed that is not loaded yet, or
// of every feed when force is set. The all-articles feed is rebuilt from
// the visible sources first.
func (s *Store) InitFeeds(force bool) error {
	sids := visibleSids(s.sources.Sources())

	s.mu.Lock()
	all, ok := s.feeds[AllFeed]
	if !ok || force || !slices.Equal(all.Sids, sids) {
		s.feeds[AllFeed] = Feed{ID: AllFeed, Sids: sids}
	}
	var ids []string
	for id, f := range s.feeds {
		if force || !f.Loaded {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		if err := s.loadFirst(id); err != nil {
			return err
		}
	}
	event.Publish(s.bus, event.FeedsInitialized{})
	return nil
}

// SelectSources makes sids the selected feed and loads its first page.
func (s *Store) SelectSources(sids []int) error {
	sids = slices.Clone(sids)
	slices.Sort(sids)
	s.mu.Lock()
	s.feeds[SelectedFeed] = Feed{ID: SelectedFeed, Sids: sids}
	s.mu.Unlock()
	return s.loadFirst(SelectedFeed)
}

func (s *Store) loadFirst(id string) error {
	s.mu.Lock()
	f, ok := s.feeds[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("feed %s does not exist", id)
	}
	f.Loading = true
	s.feeds[id] = f
	s.mu.Unlock()

	page, err := s.db.GetItems(f.Sids, 0, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.feeds[id]
	if !ok || !slices.Equal(cur.Sids, f.Sids) {
		// Replaced while loading; the newer load owns the feed.
		return nil
	}
	cur.Loading = false
	if err != nil {
		s.feeds[id] = cur
		return fmt.Errorf("loading feed %s: %w", id, err)
	}
	cur.ItemIDs = s.record(page)
	cur.Loaded = true
	cur.AllLoaded = len(page) < s.pageSize
	s.feeds[id] = cur
	s.items.LoadItems(page)
	return nil
}

// LoadMore appends the next page of the feed. It is a no-op while a page
// is loading or once every item is loaded.
func (s *Store) LoadMore(id string) error {
	s.mu.Lock()
	f, ok := s.feeds[id]
	if !ok || f.Loading || f.AllLoaded || !f.Loaded {
		s.mu.Unlock()
		return nil
	}
	f.Loading = true
	s.feeds[id] = f
	s.mu.Unlock()

	page, err := s.db.GetItems(f.Sids, len(f.ItemIDs), s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.feeds[id]
	if !ok || !slices.Equal(cur.Sids, f.Sids) {
		return nil
	}
	cur.Loading = false
	if err != nil {
		s.feeds[id] = cur
		return fmt.Errorf("loading more of feed %s: %w", id, err)
	}
	ids := s.record(page)
	next := slices.Clip(cur.ItemIDs)
	for _, iid := range ids {
		if !slices.Contains(next, iid) {
			next = append(next, iid)
		}
	}
	cur.ItemIDs = next
	cur.AllLoaded = len(page) < s.pageSize
	s.feeds[id] = cur
	s.items.LoadItems(page)
	return nil
}

// record remembers the source of each item; the caller holds mu.
func (s *Store) record(items []database.Item) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		s.sourceOf[it.ID] = it.Source
		ids[i] = it.ID
	}
	return ids
}

// ItemsFetched prepends newly fetched items to every loaded feed that
// shows their source. items are newest first.
func (s *Store) ItemsFetched(items []database.Item) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(items)
	for id, f := range s.feeds {
		if !f.Loaded {
			continue
		}
		var fresh []database.Item
		for _, it := range items {
			if slices.Contains(f.Sids, it.Source) && !slices.Contains(f.ItemIDs, it.ID) {
				fresh = append(fresh, it)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		f.ItemIDs = append(s.record(fresh), f.ItemIDs...)
		s.feeds[id] = f
	}
}

// HideSource removes sid and its items from the all-articles feed.
func (s *Store) HideSource(sid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(AllFeed, sid)
}

// UnhideSource adds sid back to the all-articles feed. The feed is marked
// for reload by the next InitFeeds.
func (s *Store) UnhideSource(sid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[AllFeed]
	if !ok || slices.Contains(f.Sids, sid) {
		return
	}
	f.Sids = append(slices.Clip(f.Sids), sid)
	slices.Sort(f.Sids)
	f.Loaded = false
	s.feeds[AllFeed] = f
}

func (s *Store) removeLocked(id string, sid int) {
	f, ok := s.feeds[id]
	if !ok || !slices.Contains(f.Sids, sid) {
		return
	}
	f.Sids = slices.DeleteFunc(slices.Clone(f.Sids), func(x int) bool { return x == sid })
	f.ItemIDs = slices.DeleteFunc(slices.Clone(f.ItemIDs), func(iid int64) bool {
		owner, ok := s.sourceOf[iid]
		return ok && owner == sid
	})
	s.feeds[id] = f
}

// SourceDeleted drops a deleted source from every feed and closes its
// item if it is open.
func (s *Store) SourceDeleted(src database.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.feeds {
		s.removeLocked(id, src.SID)
	}
	if owner, ok := s.sourceOf[s.current]; ok && s.current != 0 && owner == src.SID {
		s.current = 0
	}
	for iid, sid := range s.sourceOf {
		if sid == src.SID {
			delete(s.sourceOf, iid)
		}
	}
}

// ShowItem opens id.
func (s *Store) ShowItem(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = id
}

// DismissItem closes the open item.
func (s *Store) DismissItem() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = 0
}

// CurrentItem returns the open item, if any.
func (s *Store) CurrentItem() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != 0
}

// LoadedItemIDs returns the ids referenced by any feed or the open item.
func (s *Store) LoadedItemIDs() map[int64]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[int64]struct{})
	for _, f := range s.feeds {
		for _, iid := range f.ItemIDs {
			ids[iid] = struct{}{}
		}
	}
	if s.current != 0 {
		ids[s.current] = struct{}{}
	}
	return ids
}
