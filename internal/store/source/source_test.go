package source

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/leser/internal/collect"
	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/event"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeFetcher struct {
	mu      sync.Mutex
	items   map[string][]string // feed url -> item links
	favicon func(url string) (string, error)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{items: map[string][]string{}}
}

func (f *fakeFetcher) serve(url string, links ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[url] = links
}

func (f *fakeFetcher) FetchMetaData(_ context.Context, src database.Source) (database.Source, *collect.Feed, error) {
	f.mu.Lock()
	links, ok := f.items[src.URL]
	f.mu.Unlock()
	if !ok {
		return src, nil, fmt.Errorf("fetching feed %s: connection refused", src.URL)
	}
	if src.Name == "" {
		src.Name = "Feed " + src.URL
	}
	feed := &collect.Feed{Title: src.Name}
	for _, l := range links {
		feed.Items = append(feed.Items, &gofeed.Item{Title: l, Link: l})
	}
	return src, feed, nil
}

func (f *fakeFetcher) CheckItems(src database.Source, entries []*gofeed.Item) []database.Item {
	now := time.Now()
	var items []database.Item
	for _, e := range entries {
		items = append(items, database.Item{Source: src.SID, Title: e.Title, Link: e.Link, Date: now, FetchedDate: now})
	}
	return items
}

func (f *fakeFetcher) FetchFavicon(_ context.Context, url string) (string, error) {
	if f.favicon == nil {
		return "", nil
	}
	return f.favicon(url)
}

type recorder struct {
	mu      sync.Mutex
	added   []event.SourceAdded
	failed  []event.SourceAddFailed
	updated []event.SourceUpdated
	deleted []event.SourceDeleted
	saving  int
	depth   int
}

func record(bus *event.Bus) *recorder {
	r := &recorder{}
	event.Subscribe(bus, func(e event.SourceAdded) { r.mu.Lock(); r.added = append(r.added, e); r.mu.Unlock() })
	event.Subscribe(bus, func(e event.SourceAddFailed) { r.mu.Lock(); r.failed = append(r.failed, e); r.mu.Unlock() })
	event.Subscribe(bus, func(e event.SourceUpdated) { r.mu.Lock(); r.updated = append(r.updated, e); r.mu.Unlock() })
	event.Subscribe(bus, func(e event.SourceDeleted) { r.mu.Lock(); r.deleted = append(r.deleted, e); r.mu.Unlock() })
	event.Subscribe(bus, func(event.SavingStarted) { r.mu.Lock(); r.saving++; r.depth++; r.mu.Unlock() })
	event.Subscribe(bus, func(event.SavingFinished) { r.mu.Lock(); r.depth--; r.mu.Unlock() })
	return r
}

func newTestStore(t *testing.T) (*Store, *database.DB, *fakeFetcher, *recorder) {
	t.Helper()
	db := openTestDB(t)
	fetcher := newFakeFetcher()
	bus := event.NewBus()
	rec := record(bus)
	return New(db, fetcher, bus), db, fetcher, rec
}

func TestAddSourceBeforeInit(t *testing.T) {
	s, _, fetcher, _ := newTestStore(t)
	fetcher.serve("https://a.example/rss")

	_, err := s.AddSource(context.Background(), "https://a.example/rss", "", false)
	if !errors.Is(err, ErrUninitialized) {
		t.Errorf("expected ErrUninitialized, got %v", err)
	}
}

func TestInitSourcesCounts(t *testing.T) {
	s, db, _, _ := newTestStore(t)
	db.InsertSource(database.Source{SID: 3, URL: "https://a.example/rss", Name: "A"})
	now := time.Now()
	db.InsertItems([]database.Item{
		{Source: 3, Title: "1", Link: "l1", Date: now, FetchedDate: now},
		{Source: 3, Title: "2", Link: "l2", Date: now, FetchedDate: now, Starred: true},
		{Source: 3, Title: "3", Link: "l3", Date: now, FetchedDate: now, HasRead: true},
	})

	var initialized map[int]database.Source
	event.Subscribe(s.bus, func(e event.SourcesInitialized) { initialized = e.Sources })

	if err := s.InitSources(); err != nil {
		t.Fatalf("InitSources: %v", err)
	}
	src, ok := s.Source(3)
	if !ok {
		t.Fatal("expected source 3")
	}
	if src.UnreadCount != 2 || src.StarredCount != 1 {
		t.Errorf("unexpected counts unread=%d starred=%d", src.UnreadCount, src.StarredCount)
	}
	if len(initialized) != 1 {
		t.Errorf("expected SourcesInitialized with 1 source, got %d", len(initialized))
	}
}

func TestAddSource(t *testing.T) {
	s, db, fetcher, rec := newTestStore(t)
	fetcher.serve("https://a.example/rss", "https://a.example/1", "https://a.example/2")
	icon := "https://a.example/favicon.ico"
	fetcher.favicon = func(string) (string, error) { return icon, nil }
	s.InitSources()

	sid, err := s.AddSource(context.Background(), "https://a.example/rss", "", false)
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	s.Wait()

	if sid != 0 {
		t.Errorf("expected first sid 0, got %d", sid)
	}
	src, _ := s.Source(sid)
	if src.UnreadCount != 2 {
		t.Errorf("expected unread 2, got %d", src.UnreadCount)
	}
	if src.IconURL == nil || *src.IconURL != icon {
		t.Errorf("expected favicon to be resolved, got %v", src.IconURL)
	}
	if len(rec.added) != 1 || rec.added[0].Source.SID != sid {
		t.Errorf("expected one SourceAdded, got %+v", rec.added)
	}

	items, _ := db.GetItems([]int{sid}, 0, 10)
	if len(items) != 2 {
		t.Errorf("expected 2 stored items, got %d", len(items))
	}
	persisted, _ := db.GetSource(sid)
	if persisted == nil || persisted.IconURL == nil {
		t.Error("expected favicon to be persisted")
	}
}

func TestAddSourceDuplicate(t *testing.T) {
	s, _, fetcher, rec := newTestStore(t)
	fetcher.serve("https://a.example/rss")
	s.InitSources()

	if _, err := s.AddSource(context.Background(), "https://a.example/rss", "", true); err != nil {
		t.Fatalf("first AddSource: %v", err)
	}
	_, err := s.AddSource(context.Background(), "https://a.example/rss", "", true)
	if !errors.Is(err, ErrSourceExists) {
		t.Fatalf("expected ErrSourceExists, got %v", err)
	}
	if !errors.Is(err, database.ErrAlreadyExists) {
		t.Error("duplicate error should match database.ErrAlreadyExists")
	}
	s.Wait()

	if len(rec.failed) != 1 || !rec.failed[0].Batch {
		t.Errorf("expected one batch SourceAddFailed, got %+v", rec.failed)
	}
	if len(s.Sources()) != 1 {
		t.Errorf("expected 1 source, got %d", len(s.Sources()))
	}
}

func TestAddSourceFetchFailure(t *testing.T) {
	s, db, _, rec := newTestStore(t)
	s.InitSources()

	_, err := s.AddSource(context.Background(), "https://down.example/rss", "", false)
	if err == nil || errors.Is(err, ErrSourceExists) {
		t.Fatalf("expected a generic fetch error, got %v", err)
	}
	if len(rec.failed) != 1 || rec.failed[0].Batch {
		t.Errorf("expected one interactive SourceAddFailed, got %+v", rec.failed)
	}
	all, _ := db.GetAllSources()
	if len(all) != 0 {
		t.Errorf("nothing should be persisted, got %d sources", len(all))
	}
}

func TestConcurrentAddSourceIDs(t *testing.T) {
	s, db, fetcher, _ := newTestStore(t)
	db.InsertSource(database.Source{SID: 4, URL: "https://existing.example/rss", Name: "E"})
	s.InitSources()

	const n = 12
	for i := 0; i < n; i++ {
		fetcher.serve(fmt.Sprintf("https://f%d.example/rss", i))
	}

	var wg sync.WaitGroup
	sids := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sids[i], errs[i] = s.AddSource(context.Background(), fmt.Sprintf("https://f%d.example/rss", i), "", true)
		}(i)
	}
	wg.Wait()
	s.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("AddSource %d: %v", i, err)
		}
	}
	slices.Sort(sids)
	for i, sid := range sids {
		if sid != 5+i {
			t.Fatalf("expected ids 5..%d, got %v", 4+n, sids)
		}
	}
}

func TestFetchItemsSuccessCounts(t *testing.T) {
	s, db, _, _ := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss"})
	db.InsertSource(database.Source{SID: 2, URL: "https://two.example/rss"})
	now := time.Now()
	var items []database.Item
	for i := 0; i < 5; i++ {
		items = append(items, database.Item{Source: 1, Link: fmt.Sprintf("l%d", i), Date: now, FetchedDate: now})
	}
	db.InsertItems(items)
	s.InitSources()

	s.FetchItemsSuccess([]database.Item{
		{Source: 1, Link: "n1"},
		{Source: 1, Link: "n2"},
		{Source: 1, Link: "n3"},
	})

	one, _ := s.Source(1)
	two, _ := s.Source(2)
	if one.UnreadCount != 8 {
		t.Errorf("expected source 1 unread 8, got %d", one.UnreadCount)
	}
	if one.StarredCount != 0 {
		t.Errorf("starred count must not grow for unread items, got %d", one.StarredCount)
	}
	if two.UnreadCount != 0 {
		t.Errorf("source 2 should be untouched, got %d", two.UnreadCount)
	}

	s.FetchItemsSuccess([]database.Item{{Source: 2, Starred: true, HasRead: true}})
	two, _ = s.Source(2)
	if two.StarredCount != 1 || two.UnreadCount != 0 {
		t.Errorf("expected starred 1 unread 0, got %+v", two)
	}
}

func TestReadAndStarCounts(t *testing.T) {
	s, db, _, _ := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss"})
	s.InitSources()
	s.FetchItemsSuccess([]database.Item{{Source: 1}, {Source: 1}})

	s.MarkReadDone(database.Item{Source: 1})
	s.ToggleStarredDone(database.Item{Source: 1, Starred: true})
	src, _ := s.Source(1)
	if src.UnreadCount != 1 || src.StarredCount != 1 {
		t.Errorf("unexpected counts %+v", src)
	}

	s.MarkUnreadDone(database.Item{Source: 1})
	s.ToggleStarredDone(database.Item{Source: 1, Starred: false})
	s.ToggleStarredDone(database.Item{Source: 1, Starred: false})
	src, _ = s.Source(1)
	if src.UnreadCount != 2 || src.StarredCount != 0 {
		t.Errorf("unexpected counts %+v", src)
	}

	s.MarkAllReadDone([]int{1}, time.Time{})
	src, _ = s.Source(1)
	if src.UnreadCount != 0 {
		t.Errorf("expected unread 0 after mark all read, got %d", src.UnreadCount)
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s, db, _, _ := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss"})
	s.InitSources()

	before := s.Sources()
	s.FetchItemsSuccess([]database.Item{{Source: 1}})
	if before[1].UnreadCount != 0 {
		t.Error("earlier snapshot was modified in place")
	}
	if s.Sources()[1].UnreadCount != 1 {
		t.Error("new snapshot should carry the update")
	}
}

func TestUpdateSourceKeepsCounts(t *testing.T) {
	s, db, _, rec := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss", Name: "Old"})
	s.InitSources()
	s.FetchItemsSuccess([]database.Item{{Source: 1}})

	src, _ := s.Source(1)
	src.Name = "New"
	src.UnreadCount = 99
	if err := s.UpdateSource(src); err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}

	got, _ := s.Source(1)
	if got.Name != "New" || got.UnreadCount != 1 {
		t.Errorf("unexpected source %+v", got)
	}
	persisted, _ := db.GetSource(1)
	if persisted.Name != "New" {
		t.Errorf("expected persisted rename, got %q", persisted.Name)
	}
	if len(rec.updated) != 1 {
		t.Errorf("expected one SourceUpdated, got %d", len(rec.updated))
	}

	if err := s.UpdateSource(database.Source{SID: 42, URL: "x"}); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown source, got %v", err)
	}
}

func TestUpdateSourceURLConflict(t *testing.T) {
	s, db, _, rec := newTestStore(t)
	db.InsertSource(database.Source{SID: 0, URL: "https://a.example/rss", Name: "A"})
	db.InsertSource(database.Source{SID: 1, URL: "https://b.example/rss", Name: "B"})
	s.InitSources()

	b, _ := s.Source(1)
	b.URL = "https://a.example/rss"
	err := s.UpdateSource(b)
	if !errors.Is(err, ErrSourceExists) {
		t.Fatalf("expected ErrSourceExists, got %v", err)
	}

	all, _ := db.GetAllSources()
	if len(all) != 2 {
		t.Fatalf("expected both rows to survive, got %d", len(all))
	}
	if got, _ := s.Source(1); got.URL != "https://b.example/rss" {
		t.Errorf("registry took the rejected URL: %q", got.URL)
	}
	if len(rec.updated) != 0 {
		t.Errorf("rejected update published %d events", len(rec.updated))
	}
}

func TestToggleSourceHidden(t *testing.T) {
	s, db, _, rec := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss"})
	s.InitSources()

	if err := s.ToggleSourceHidden(1); err != nil {
		t.Fatalf("ToggleSourceHidden: %v", err)
	}
	src, _ := s.Source(1)
	if !src.Hidden || !rec.updated[0].Source.Hidden {
		t.Error("expected source to be hidden")
	}
}

func TestUpdateFaviconSkipsDeletedSource(t *testing.T) {
	s, db, fetcher, _ := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss"})
	s.InitSources()

	release := make(chan struct{})
	started := make(chan struct{})
	fetcher.favicon = func(string) (string, error) {
		close(started)
		<-release
		return "https://one.example/favicon.ico", nil
	}

	done := make(chan struct{})
	go func() {
		s.UpdateFavicon(context.Background(), nil, false)
		close(done)
	}()
	<-started
	src, _ := s.Source(1)
	if err := s.DeleteSource(src, false); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	close(release)
	<-done

	if _, ok := s.Source(1); ok {
		t.Error("favicon write resurrected a deleted source in memory")
	}
	if row, _ := db.GetSource(1); row != nil {
		t.Error("favicon write resurrected a deleted source row")
	}
}

func TestUpdateFaviconSkipsChangedURL(t *testing.T) {
	s, db, fetcher, _ := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss"})
	s.InitSources()

	release := make(chan struct{})
	started := make(chan struct{})
	fetcher.favicon = func(string) (string, error) {
		close(started)
		<-release
		return "https://one.example/favicon.ico", nil
	}

	done := make(chan struct{})
	go func() {
		s.UpdateFavicon(context.Background(), []int{1}, true)
		close(done)
	}()
	<-started
	src, _ := s.Source(1)
	src.URL = "https://moved.example/rss"
	s.UpdateSource(src)
	close(release)
	<-done

	got, _ := s.Source(1)
	if got.IconURL != nil {
		t.Errorf("icon for the old URL must not be written, got %q", *got.IconURL)
	}
}

func TestUpdateFaviconForce(t *testing.T) {
	s, db, fetcher, _ := newTestStore(t)
	old := "old.ico"
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss", IconURL: &old})
	s.InitSources()
	fetcher.favicon = func(string) (string, error) { return "new.ico", nil }

	s.UpdateFavicon(context.Background(), nil, false)
	got, _ := s.Source(1)
	if *got.IconURL != "old.ico" {
		t.Errorf("sources with an icon are not candidates, got %q", *got.IconURL)
	}

	s.UpdateFavicon(context.Background(), []int{1}, false)
	got, _ = s.Source(1)
	if *got.IconURL != "old.ico" {
		t.Errorf("without force an existing icon is kept, got %q", *got.IconURL)
	}

	s.UpdateFavicon(context.Background(), []int{1}, true)
	got, _ = s.Source(1)
	if *got.IconURL != "new.ico" {
		t.Errorf("force should replace the icon, got %q", *got.IconURL)
	}
}

func TestUpdateFaviconFailureStoresEmpty(t *testing.T) {
	s, db, fetcher, _ := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss"})
	s.InitSources()
	fetcher.favicon = func(string) (string, error) { return "", errors.New("timeout") }

	s.UpdateFavicon(context.Background(), nil, false)
	got, _ := s.Source(1)
	if got.IconURL == nil || *got.IconURL != "" {
		t.Errorf("expected empty icon marker, got %v", got.IconURL)
	}
}

func TestDeleteSource(t *testing.T) {
	s, db, _, rec := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss", Name: "One"})
	now := time.Now()
	db.InsertItems([]database.Item{{Source: 1, Link: "l1", Date: now, FetchedDate: now}})
	s.InitSources()

	src, _ := s.Source(1)
	if err := s.DeleteSource(src, false); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if len(s.Sources()) != 0 {
		t.Error("expected source to be removed")
	}
	if len(rec.deleted) != 1 || rec.deleted[0].Source.Name != "One" {
		t.Errorf("expected SourceDeleted with last snapshot, got %+v", rec.deleted)
	}
	if rec.saving != 1 || rec.depth != 0 {
		t.Errorf("expected one balanced busy bracket, got saving=%d depth=%d", rec.saving, rec.depth)
	}
	items, _ := db.GetItems([]int{1}, 0, 10)
	if len(items) != 0 {
		t.Error("expected items to be deleted")
	}
}

func TestDeleteSourcesAggregatesErrors(t *testing.T) {
	s, db, _, rec := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss"})
	db.InsertSource(database.Source{SID: 2, URL: "https://two.example/rss"})
	s.InitSources()

	err := s.DeleteSources([]database.Source{{SID: 1}, {SID: 9}, {SID: 2}})
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected joined ErrNotFound, got %v", err)
	}
	if len(s.Sources()) != 0 {
		t.Errorf("expected both existing sources deleted, got %d left", len(s.Sources()))
	}
	if rec.saving != 1 || rec.depth != 0 {
		t.Errorf("batch should be one busy bracket, got saving=%d depth=%d", rec.saving, rec.depth)
	}
}

func TestUpdateCountsAfterCleanup(t *testing.T) {
	s, db, _, _ := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss"})
	old := time.Now().Add(-48 * time.Hour)
	db.InsertItems([]database.Item{
		{Source: 1, Link: "old", Date: old, FetchedDate: old},
		{Source: 1, Link: "starred", Date: old, FetchedDate: old, Starred: true},
	})
	s.InitSources()

	db.DeleteItemsBefore(time.Now().Add(-24 * time.Hour))
	if err := s.UpdateUnreadCounts(); err != nil {
		t.Fatalf("UpdateUnreadCounts: %v", err)
	}
	if err := s.UpdateStarredCounts(); err != nil {
		t.Fatalf("UpdateStarredCounts: %v", err)
	}
	src, _ := s.Source(1)
	if src.UnreadCount != 1 || src.StarredCount != 1 {
		t.Errorf("unexpected counts %+v", src)
	}
}

func TestSetLastFetched(t *testing.T) {
	s, db, _, rec := newTestStore(t)
	db.InsertSource(database.Source{SID: 1, URL: "https://one.example/rss"})
	s.InitSources()
	updates := len(rec.updated)

	at := time.Unix(time.Now().Unix(), 0)
	if err := s.SetLastFetched(1, at); err != nil {
		t.Fatalf("SetLastFetched: %v", err)
	}
	src, _ := s.Source(1)
	if !src.LastFetched.Equal(at) {
		t.Errorf("snapshot LastFetched = %v, want %v", src.LastFetched, at)
	}
	stored, _ := db.GetSource(1)
	if !stored.LastFetched.Equal(at) {
		t.Errorf("stored LastFetched = %v, want %v", stored.LastFetched, at)
	}
	if len(rec.updated) != updates {
		t.Error("SetLastFetched should not publish SourceUpdated")
	}
	if err := s.SetLastFetched(7, at); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
