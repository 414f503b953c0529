// Package source owns the registry of subscribed sources and their derived
// unread and starred counts.
package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/leser/internal/collect"
	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/event"
)

var (
	// ErrUninitialized is returned by operations that need InitSources first.
	ErrUninitialized = errors.New("sources not initialized")
	// ErrSourceExists is returned when the URL is already subscribed.
	ErrSourceExists = fmt.Errorf("source %w", database.ErrAlreadyExists)
)

// DB is the persistence the registry needs.
type DB interface {
	GetAllSources() ([]database.Source, error)
	InsertSource(database.Source) (database.Source, error)
	ReplaceSource(database.Source) error
	DeleteSource(sid int) error
	UpdateSourceLastFetched(sid int, t time.Time) error
	InsertItems([]database.Item) ([]database.Item, error)
	UnreadCounts() (map[int]int, error)
	StarredCounts() (map[int]int, error)
}

// Fetcher resolves remote feed metadata and favicons.
type Fetcher interface {
	FetchMetaData(ctx context.Context, src database.Source) (database.Source, *collect.Feed, error)
	CheckItems(src database.Source, entries []*gofeed.Item) []database.Item
	FetchFavicon(ctx context.Context, rawURL string) (string, error)
}

// Store is the source registry. The map returned by Sources is an
// immutable snapshot: every change installs a new map.
type Store struct {
	db      DB
	fetcher Fetcher
	bus     *event.Bus

	mu          sync.RWMutex
	sources     map[int]database.Source
	pending     map[int]struct{} // inserted, not yet registered
	initialized bool

	// insertMu serializes id assignment. writeMu serializes the
	// check-persist-commit sequence of updates and deletes so a stale
	// write can never resurrect a deleted row.
	insertMu sync.Mutex
	writeMu  sync.Mutex

	background sync.WaitGroup
}

// New creates an empty, uninitialized registry.
func New(db DB, fetcher Fetcher, bus *event.Bus) *Store {
	return &Store{
		db:      db,
		fetcher: fetcher,
		bus:     bus,
		sources: map[int]database.Source{},
		pending: map[int]struct{}{},
	}
}

// Sources returns the current snapshot. It must not be modified.
func (s *Store) Sources() map[int]database.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sources
}

// Source returns one source by sid.
func (s *Store) Source(sid int) (database.Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[sid]
	return src, ok
}

// Initialized reports whether InitSources has completed.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Wait blocks until background favicon lookups started by AddSource finish.
func (s *Store) Wait() {
	s.background.Wait()
}

// InitSources loads every persisted source, recomputes the derived counts
// from the items table and publishes the loaded registry.
func (s *Store) InitSources() error {
	rows, err := s.db.GetAllSources()
	if err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}
	unread, err := s.db.UnreadCounts()
	if err != nil {
		return fmt.Errorf("counting unread items: %w", err)
	}
	starred, err := s.db.StarredCounts()
	if err != nil {
		return fmt.Errorf("counting starred items: %w", err)
	}

	state := make(map[int]database.Source, len(rows))
	for _, src := range rows {
		src.UnreadCount = unread[src.SID]
		src.StarredCount = starred[src.SID]
		state[src.SID] = src
	}

	s.mu.Lock()
	s.sources = state
	s.initialized = true
	s.mu.Unlock()

	log.Printf("Loaded %d sources", len(state))
	event.Publish(s.bus, event.SourcesInitialized{Sources: state})
	return nil
}

// AddSource subscribes to url. The feed is fetched first; only a feed that
// parses is persisted. On success the new sid is returned, the favicon is
// resolved in the background and the fetched items are stored. Batch adds
// are part of an import and leave error reporting to the caller.
func (s *Store) AddSource(ctx context.Context, url, name string, batch bool) (int, error) {
	if !s.Initialized() {
		return -1, ErrUninitialized
	}
	event.Publish(s.bus, event.SourceAddStarted{URL: url, Batch: batch})

	sid, err := s.addSource(ctx, url, name, batch)
	if err != nil {
		event.Publish(s.bus, event.SourceAddFailed{URL: url, Err: err, Batch: batch})
		return -1, err
	}
	return sid, nil
}

func (s *Store) addSource(ctx context.Context, url, name string, batch bool) (int, error) {
	src, feed, err := s.fetcher.FetchMetaData(ctx, database.NewSource(url, name))
	if err != nil {
		return -1, err
	}
	inserted, err := s.insertSource(src)
	if err != nil {
		return -1, err
	}

	items := s.fetcher.CheckItems(inserted, feed.Items)
	inserted.UnreadCount = len(items)
	inserted.StarredCount = 0

	s.mu.Lock()
	next := maps.Clone(s.sources)
	next[inserted.SID] = inserted
	s.sources = next
	delete(s.pending, inserted.SID)
	s.mu.Unlock()

	event.Publish(s.bus, event.SourceAdded{Source: inserted, Batch: batch})

	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.UpdateFavicon(bg, []int{inserted.SID}, false)
	}()

	stored, err := s.db.InsertItems(items)
	if err != nil {
		log.Printf("Storing items of new source %s failed: %v", inserted.URL, err)
		s.recount(inserted.SID)
		return inserted.SID, nil
	}
	if len(stored) != len(items) {
		s.recount(inserted.SID)
	}
	return inserted.SID, nil
}

// insertSource persists src under the next free sid: one above the
// largest sid that is registered or inserted but not yet registered.
func (s *Store) insertSource(src database.Source) (database.Source, error) {
	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	s.mu.RLock()
	next := -1
	for sid := range s.sources {
		next = max(next, sid)
	}
	for sid := range s.pending {
		next = max(next, sid)
	}
	s.mu.RUnlock()
	src.SID = next + 1

	inserted, err := s.db.InsertSource(src)
	if errors.Is(err, database.ErrAlreadyExists) {
		return database.Source{}, fmt.Errorf("%s: %w", src.URL, ErrSourceExists)
	}
	if err != nil {
		return database.Source{}, fmt.Errorf("inserting source %s: %w", src.URL, err)
	}

	s.mu.Lock()
	s.pending[inserted.SID] = struct{}{}
	s.mu.Unlock()
	return inserted, nil
}

// UpdateSource persists a full replacement of src. The derived counts are
// owned by the registry and keep their current values.
func (s *Store) UpdateSource(src database.Source) error {
	_, err := s.update(src.SID, func(database.Source) (database.Source, bool) {
		return src, true
	})
	return err
}

// ToggleSourceHidden flips the hidden flag of sid.
func (s *Store) ToggleSourceHidden(sid int) error {
	_, err := s.update(sid, func(cur database.Source) (database.Source, bool) {
		cur.Hidden = !cur.Hidden
		return cur, true
	})
	return err
}

// update applies fn to the current snapshot of sid and persists the
// result. fn may veto the write by returning false.
func (s *Store) update(sid int, fn func(database.Source) (database.Source, bool)) (bool, error) {
	updated, ok, err := s.commitUpdate(sid, fn)
	if err != nil || !ok {
		return false, err
	}
	event.Publish(s.bus, event.SourceUpdated{Source: updated})
	return true, nil
}

func (s *Store) commitUpdate(sid int, fn func(database.Source) (database.Source, bool)) (database.Source, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, ok := s.Source(sid)
	if !ok {
		return database.Source{}, false, fmt.Errorf("source %d: %w", sid, database.ErrNotFound)
	}
	next, ok := fn(cur)
	if !ok {
		return database.Source{}, false, nil
	}
	next.SID = sid
	if err := s.db.ReplaceSource(next); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return database.Source{}, false, fmt.Errorf("%s: %w", next.URL, ErrSourceExists)
		}
		return database.Source{}, false, fmt.Errorf("updating source %d: %w", sid, err)
	}

	s.mu.Lock()
	if c, ok := s.sources[sid]; ok {
		next.UnreadCount = c.UnreadCount
		next.StarredCount = c.StarredCount
	}
	m := maps.Clone(s.sources)
	m[sid] = next
	s.sources = m
	s.mu.Unlock()
	return next, true, nil
}

// SetLastFetched records when sid was last fetched. It is bookkeeping
// for fetch scheduling and publishes nothing.
func (s *Store) SetLastFetched(sid int, t time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, ok := s.Source(sid); !ok {
		return fmt.Errorf("source %d: %w", sid, database.ErrNotFound)
	}
	if err := s.db.UpdateSourceLastFetched(sid, t); err != nil {
		return fmt.Errorf("updating last fetched of source %d: %w", sid, err)
	}
	s.mutate(func(m map[int]database.Source) {
		if src, ok := m[sid]; ok {
			src.LastFetched = t
			m[sid] = src
		}
	})
	return nil
}

// UpdateFavicon resolves icons concurrently. With nil sids every source
// without an icon is a candidate. A result is written only if the source
// still exists with the same URL, and, unless force is set, still has no
// icon.
func (s *Store) UpdateFavicon(ctx context.Context, sids []int, force bool) {
	snapshot := s.Sources()
	var candidates []database.Source
	if sids == nil {
		for _, src := range snapshot {
			if src.IconURL == nil {
				candidates = append(candidates, src)
			}
		}
	} else {
		for _, sid := range sids {
			if src, ok := snapshot[sid]; ok {
				candidates = append(candidates, src)
			}
		}
	}

	var wg sync.WaitGroup
	for _, src := range candidates {
		wg.Add(1)
		go func(sid int, url string) {
			defer wg.Done()
			favicon, err := s.fetcher.FetchFavicon(ctx, url)
			if err != nil {
				log.Printf("Favicon for %s: %v", url, err)
				favicon = ""
			}
			_, err = s.update(sid, func(cur database.Source) (database.Source, bool) {
				if cur.URL != url || (!force && cur.IconURL != nil) {
					return cur, false
				}
				cur.IconURL = &favicon
				return cur, true
			})
			if err != nil && !errors.Is(err, database.ErrNotFound) {
				log.Printf("Saving favicon of source %d: %v", sid, err)
			}
		}(src.SID, src.URL)
	}
	wg.Wait()
}

// DeleteSource removes src and its items. Outside a batch the operation is
// reported as a busy settings operation.
func (s *Store) DeleteSource(src database.Source, batch bool) error {
	if !batch {
		event.Publish(s.bus, event.SavingStarted{})
		defer event.Publish(s.bus, event.SavingFinished{})
	}

	removed, err := s.commitDelete(src.SID)
	if err != nil {
		return err
	}
	event.Publish(s.bus, event.SourceDeleted{Source: removed})
	return nil
}

func (s *Store) commitDelete(sid int) (database.Source, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.DeleteSource(sid); err != nil {
		return database.Source{}, fmt.Errorf("deleting source %d: %w", sid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed, ok := s.sources[sid]
	if !ok {
		removed = database.Source{SID: sid}
	}
	m := maps.Clone(s.sources)
	delete(m, sid)
	s.sources = m
	return removed, nil
}

// DeleteSources deletes each source in turn as one busy operation. Every
// source is attempted; the failures are joined.
func (s *Store) DeleteSources(srcs []database.Source) error {
	event.Publish(s.bus, event.SavingStarted{})
	defer event.Publish(s.bus, event.SavingFinished{})

	var errs []error
	for _, src := range srcs {
		if err := s.DeleteSource(src, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateUnreadCounts recomputes every unread count from the items table.
func (s *Store) UpdateUnreadCounts() error {
	counts, err := s.db.UnreadCounts()
	if err != nil {
		return fmt.Errorf("counting unread items: %w", err)
	}
	s.mutate(func(m map[int]database.Source) {
		for sid, src := range m {
			src.UnreadCount = counts[sid]
			m[sid] = src
		}
	})
	return nil
}

// UpdateStarredCounts recomputes every starred count from the items table.
func (s *Store) UpdateStarredCounts() error {
	counts, err := s.db.StarredCounts()
	if err != nil {
		return fmt.Errorf("counting starred items: %w", err)
	}
	s.mutate(func(m map[int]database.Source) {
		for sid, src := range m {
			src.StarredCount = counts[sid]
			m[sid] = src
		}
	})
	return nil
}

// FetchItemsSuccess adds newly fetched items to the counts of their
// sources. Unread items raise the unread count; only items that arrive
// already starred raise the starred count.
func (s *Store) FetchItemsSuccess(items []database.Item) {
	unread := map[int]int{}
	starred := map[int]int{}
	for _, it := range items {
		if !it.HasRead {
			unread[it.Source]++
		}
		if it.Starred {
			starred[it.Source]++
		}
	}
	if len(unread) == 0 && len(starred) == 0 {
		return
	}
	s.mutate(func(m map[int]database.Source) {
		for sid, src := range m {
			src.UnreadCount += unread[sid]
			src.StarredCount += starred[sid]
			m[sid] = src
		}
	})
}

// MarkReadDone accounts for item having been marked read.
func (s *Store) MarkReadDone(item database.Item) {
	s.adjust(item.Source, -1, 0)
}

// MarkUnreadDone accounts for item having been marked unread.
func (s *Store) MarkUnreadDone(item database.Item) {
	s.adjust(item.Source, 1, 0)
}

// ToggleStarredDone accounts for a toggled star. item carries the new state.
func (s *Store) ToggleStarredDone(item database.Item) {
	if item.Starred {
		s.adjust(item.Source, 0, 1)
	} else {
		s.adjust(item.Source, 0, -1)
	}
}

// MarkAllReadDone accounts for a mark-all-read on sids. Without a cutoff
// the unread counts drop to zero; with one they are recomputed.
func (s *Store) MarkAllReadDone(sids []int, before time.Time) {
	if !before.IsZero() {
		if err := s.UpdateUnreadCounts(); err != nil {
			log.Printf("Recounting unread items: %v", err)
		}
		return
	}
	s.mutate(func(m map[int]database.Source) {
		for _, sid := range sids {
			if src, ok := m[sid]; ok {
				src.UnreadCount = 0
				m[sid] = src
			}
		}
	})
}

func (s *Store) adjust(sid, unread, starred int) {
	s.mutate(func(m map[int]database.Source) {
		src, ok := m[sid]
		if !ok {
			return
		}
		src.UnreadCount = max(0, src.UnreadCount+unread)
		src.StarredCount = max(0, src.StarredCount+starred)
		m[sid] = src
	})
}

func (s *Store) recount(sid int) {
	if err := s.UpdateUnreadCounts(); err != nil {
		log.Printf("Recounting unread items of source %d: %v", sid, err)
	}
}

// mutate installs a modified copy of the registry.
func (s *Store) mutate(fn func(map[int]database.Source)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := maps.Clone(s.sources)
	fn(m)
	s.sources = m
}
