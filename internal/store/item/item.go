// Package item caches fetched items and owns their read and starred state.
package item

import (
	"cmp"
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/leser/internal/collect"
	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/event"
	"github.com/TobiSchelling/leser/internal/fetch"
)

// DB is the item persistence the cache needs.
type DB interface {
	InsertItems([]database.Item) ([]database.Item, error)
	GetItem(id int64) (*database.Item, error)
	SetItemRead(id int64, read bool) error
	SetItemStarred(id int64, starred bool) error
	MarkAllRead(sids []int, before time.Time) (int64, error)
}

// Fetcher downloads and normalizes a source's feed.
type Fetcher interface {
	FetchMetaData(ctx context.Context, src database.Source) (database.Source, *collect.Feed, error)
	CheckItems(src database.Source, entries []*gofeed.Item) []database.Item
}

// Extractor returns the readable text behind a link.
type Extractor interface {
	ExtractContent(ctx context.Context, url string) (*fetch.Article, error)
}

// Sources is the part of the source registry fetching needs.
type Sources interface {
	Sources() map[int]database.Source
	Source(sid int) (database.Source, bool)
	SetLastFetched(sid int, t time.Time) error
}

// Store is the in-memory item cache.
type Store struct {
	db          DB
	fetcher     Fetcher
	extractor   Extractor
	sources     Sources
	bus         *event.Bus
	concurrency int

	fetching atomic.Bool

	mu    sync.RWMutex
	items map[int64]database.Item
}

// New creates an empty cache. concurrency bounds parallel source fetches.
func New(db DB, fetcher Fetcher, extractor Extractor, sources Sources, bus *event.Bus, concurrency int) *Store {
	return &Store{
		db:          db,
		fetcher:     fetcher,
		extractor:   extractor,
		sources:     sources,
		bus:         bus,
		concurrency: max(1, concurrency),
		items:       make(map[int64]database.Item),
	}
}

// Fetching reports whether a fetch is running.
func (s *Store) Fetching() bool {
	return s.fetching.Load()
}

type fetchResult struct {
	src   database.Source
	items []database.Item
	err   error
}

// FetchItems fetches every due source and stores the new items. A source
// is due when it has no fetch frequency or its last fetch is older than
// it. Per-source failures are published and do not abort the run. A call
// made while a fetch is running returns immediately.
func (s *Store) FetchItems(ctx context.Context, background bool) error {
	if !s.fetching.CompareAndSwap(false, true) {
		return nil
	}
	defer s.fetching.Store(false)

	now := time.Now()
	var due []database.Source
	for _, src := range s.sources.Sources() {
		if src.FetchFrequency > 0 && now.Before(src.LastFetched.Add(time.Duration(src.FetchFrequency)*time.Minute)) {
			continue
		}
		due = append(due, src)
	}
	slices.SortFunc(due, func(a, b database.Source) int { return cmp.Compare(a.SID, b.SID) })

	event.Publish(s.bus, event.FetchStarted{Total: len(due)})

	var wg sync.WaitGroup
	jobs := make(chan database.Source, len(due))
	results := make(chan fetchResult, len(due))

	for i := 0; i < min(s.concurrency, len(due)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range jobs {
				if ctx.Err() != nil {
					results <- fetchResult{src: src, err: ctx.Err()}
					continue
				}
				items, err := s.fetchSource(ctx, src)
				results <- fetchResult{src: src, items: items, err: err}
			}
		}()
	}
	for _, src := range due {
		jobs <- src
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var fetched []database.Item
	failed := 0
	for r := range results {
		if r.err != nil {
			failed++
			event.Publish(s.bus, event.FetchFailed{Source: r.src, Err: r.err})
		} else {
			fetched = append(fetched, r.items...)
		}
		event.Publish(s.bus, event.FetchProgressed{})
	}

	slices.SortFunc(fetched, func(a, b database.Item) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	s.LoadItems(fetched)
	log.Printf("Fetched %d sources: %d new items, %d failed", len(due), len(fetched), failed)

	event.Publish(s.bus, event.ItemsFetched{Items: fetched, Background: background})
	return ctx.Err()
}

// fetchSource downloads one source and stores its new items. Items of a
// source deleted while its feed was downloading are discarded.
func (s *Store) fetchSource(ctx context.Context, src database.Source) ([]database.Item, error) {
	_, feed, err := s.fetcher.FetchMetaData(ctx, src)
	if err != nil {
		return nil, err
	}
	items := s.fetcher.CheckItems(src, feed.Items)

	if _, ok := s.sources.Source(src.SID); !ok {
		return nil, nil
	}
	inserted, err := s.db.InsertItems(items)
	if err != nil {
		return nil, fmt.Errorf("storing items of %s: %w", src.URL, err)
	}
	if err := s.sources.SetLastFetched(src.SID, time.Now()); err != nil {
		log.Printf("Recording fetch time of %s: %v", src.URL, err)
	}
	return inserted, nil
}

// LoadItems adds items to the cache.
func (s *Store) LoadItems(items []database.Item) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.items[it.ID] = it
	}
}

// Item returns a cached item.
func (s *Store) Item(id int64) (database.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	return it, ok
}

// Len returns the number of cached items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// get returns id from the cache, loading it from the database on a miss.
func (s *Store) get(id int64) (database.Item, error) {
	if it, ok := s.Item(id); ok {
		return it, nil
	}
	it, err := s.db.GetItem(id)
	if err != nil {
		return database.Item{}, fmt.Errorf("loading item %d: %w", id, err)
	}
	if it == nil {
		return database.Item{}, fmt.Errorf("item %d: %w", id, database.ErrNotFound)
	}
	s.LoadItems([]database.Item{*it})
	return *it, nil
}

func (s *Store) put(it database.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = it
}

// MarkRead marks id read. Marking a read item is a no-op.
func (s *Store) MarkRead(id int64) error {
	return s.setRead(id, true)
}

// MarkUnread marks id unread. Marking an unread item is a no-op.
func (s *Store) MarkUnread(id int64) error {
	return s.setRead(id, false)
}

func (s *Store) setRead(id int64, read bool) error {
	it, err := s.get(id)
	if err != nil {
		return err
	}
	if it.HasRead == read {
		return nil
	}
	if err := s.db.SetItemRead(id, read); err != nil {
		return fmt.Errorf("marking item %d: %w", id, err)
	}
	it.HasRead = read
	s.put(it)
	event.Publish(s.bus, event.ItemReadChanged{Item: it, Read: read})
	return nil
}

// ToggleStarred flips the starred flag of id.
func (s *Store) ToggleStarred(id int64) error {
	it, err := s.get(id)
	if err != nil {
		return err
	}
	starred := !it.Starred
	if err := s.db.SetItemStarred(id, starred); err != nil {
		return fmt.Errorf("starring item %d: %w", id, err)
	}
	it.Starred = starred
	s.put(it)
	event.Publish(s.bus, event.ItemStarChanged{Item: it, Starred: starred})
	return nil
}

// MarkAllRead marks every item of sids read. A non-zero before limits it
// to items dated before that instant.
func (s *Store) MarkAllRead(sids []int, before time.Time) error {
	if len(sids) == 0 {
		return nil
	}
	if _, err := s.db.MarkAllRead(sids, before); err != nil {
		return fmt.Errorf("marking all read: %w", err)
	}

	s.mu.Lock()
	for id, it := range s.items {
		if it.HasRead || !slices.Contains(sids, it.Source) {
			continue
		}
		if !before.IsZero() && !it.Date.Before(before) {
			continue
		}
		it.HasRead = true
		s.items[id] = it
	}
	s.mu.Unlock()

	event.Publish(s.bus, event.AllMarkedRead{Sids: slices.Clone(sids), Before: before})
	return nil
}

// FreeMemory drops every cached item not in keep.
func (s *Store) FreeMemory(keep map[int64]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.items {
		if _, ok := keep[id]; !ok {
			delete(s.items, id)
		}
	}
}

// DropSource removes the cached items of a deleted source.
func (s *Store) DropSource(sid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, it := range s.items {
		if it.Source == sid {
			delete(s.items, id)
		}
	}
}

// LoadFullContent replaces the content of id with the readable text of its
// page. Used for sources that open items as full content.
func (s *Store) LoadFullContent(ctx context.Context, id int64) (database.Item, error) {
	it, err := s.get(id)
	if err != nil {
		return database.Item{}, err
	}
	article, err := s.extractor.ExtractContent(ctx, it.Link)
	if err != nil {
		return database.Item{}, fmt.Errorf("loading full content of item %d: %w", id, err)
	}
	it.Content = article.Text
	s.put(it)
	return it, nil
}
