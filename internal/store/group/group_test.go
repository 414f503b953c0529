package group

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/event"
	"github.com/TobiSchelling/leser/internal/platform"
)

type memPersister struct {
	mu     sync.Mutex
	groups []database.SourceGroup
	saves  int
}

func (p *memPersister) LoadGroups() ([]database.SourceGroup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groups, nil
}

func (p *memPersister) SaveGroups(groups []database.SourceGroup) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = groups
	p.saves++
	return nil
}

// fakeSources assigns sids sequentially and reports adds to onAdd, the
// way the registry's SourceAdded event reaches the group store.
type fakeSources struct {
	mu      sync.Mutex
	sources map[int]database.Source
	failing map[string]bool
	onAdd   func(database.Source)
}

func newFakeSources() *fakeSources {
	return &fakeSources{sources: map[int]database.Source{}, failing: map[string]bool{}}
}

func (f *fakeSources) Sources() map[int]database.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]database.Source, len(f.sources))
	for k, v := range f.sources {
		out[k] = v
	}
	return out
}

func (f *fakeSources) AddSource(_ context.Context, url, name string, _ bool) (int, error) {
	f.mu.Lock()
	if f.failing[url] {
		f.mu.Unlock()
		return -1, fmt.Errorf("fetching feed %s: timeout", url)
	}
	for _, s := range f.sources {
		if s.URL == url {
			f.mu.Unlock()
			return -1, database.ErrAlreadyExists
		}
	}
	src := database.Source{SID: len(f.sources), URL: url, Name: name}
	f.sources[src.SID] = src
	onAdd := f.onAdd
	f.mu.Unlock()
	if onAdd != nil {
		onAdd(src)
	}
	return src.SID, nil
}

type fakePlatform struct {
	open     []byte
	saved    bytes.Buffer
	errTitle string
	errBody  string
}

func (p *fakePlatform) ShowOpenDialog([]platform.FileFilter) ([]byte, bool, error) {
	return p.open, p.open != nil, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (p *fakePlatform) ShowSaveDialog([]platform.FileFilter, string) (io.WriteCloser, error) {
	return nopCloser{&p.saved}, nil
}

func (p *fakePlatform) ShowErrorBox(title, content string) {
	p.errTitle, p.errBody = title, content
}

type keyTranslator struct{}

func (keyTranslator) Get(key string, params ...map[string]any) string {
	for _, p := range params {
		for k, v := range p {
			key += fmt.Sprintf(" %s=%v", k, v)
		}
	}
	return key
}

type fixture struct {
	store    *Store
	persist  *memPersister
	sources  *fakeSources
	platform *fakePlatform
	bus      *event.Bus
}

func newFixture(t *testing.T, groups ...database.SourceGroup) *fixture {
	t.Helper()
	f := &fixture{
		persist:  &memPersister{groups: groups},
		sources:  newFakeSources(),
		platform: &fakePlatform{},
		bus:      event.NewBus(),
	}
	f.store = New(f.persist, f.bus, f.sources, f.platform, keyTranslator{})
	f.sources.onAdd = f.store.AddSourceSuccess
	return f
}

func sourceSet(sids ...int) map[int]database.Source {
	m := make(map[int]database.Source, len(sids))
	for _, sid := range sids {
		m[sid] = database.Source{SID: sid}
	}
	return m
}

func assertPartition(t *testing.T, groups []database.SourceGroup, sources map[int]database.Source) {
	t.Helper()
	seen := map[int]int{}
	for _, g := range groups {
		if !g.IsMultiple && len(g.Sids) != 1 {
			t.Errorf("singleton group with %d sids: %+v", len(g.Sids), g)
		}
		for _, sid := range g.Sids {
			if _, ok := sources[sid]; !ok {
				t.Errorf("group holds unknown sid %d", sid)
			}
			seen[sid]++
		}
	}
	for sid := range sources {
		if seen[sid] != 1 {
			t.Errorf("sid %d appears in %d groups", sid, seen[sid])
		}
	}
}

func TestFixBrokenGroups(t *testing.T) {
	f := newFixture(t,
		database.SourceGroup{Sids: []int{1, 9}, Name: "News", IsMultiple: true},
		database.NewSingletonGroup(8),
		database.NewNamedGroup("Empty"),
		database.NewSingletonGroup(2),
	)
	sources := sourceSet(1, 2, 3, 4)

	if !f.store.FixBrokenGroups(sources) {
		t.Fatal("expected groups to be repaired")
	}
	groups := f.store.Groups()
	assertPartition(t, groups, sources)

	if len(groups) != 5 {
		t.Fatalf("expected 5 groups, got %d: %+v", len(groups), groups)
	}
	if groups[0].Name != "News" || !reflect.DeepEqual(groups[0].Sids, []int{1}) {
		t.Errorf("stale sid should be dropped from News: %+v", groups[0])
	}
	if groups[1].Name != "Empty" || len(groups[1].Sids) != 0 {
		t.Errorf("empty named group should be kept: %+v", groups[1])
	}
	if groups[3].Sids[0] != 3 || groups[4].Sids[0] != 4 {
		t.Errorf("orphans should be appended as singletons: %+v", groups[3:])
	}
	if f.persist.saves != 1 {
		t.Errorf("expected 1 save, got %d", f.persist.saves)
	}
}

func TestFixBrokenGroupsIdempotent(t *testing.T) {
	f := newFixture(t, database.SourceGroup{Sids: []int{5, 1}, Name: "X", IsMultiple: true})
	sources := sourceSet(1, 2, 3)

	f.store.FixBrokenGroups(sources)
	first := f.store.Groups()
	saves := f.persist.saves

	if f.store.FixBrokenGroups(sources) {
		t.Error("second repair should report no change")
	}
	if !reflect.DeepEqual(first, f.store.Groups()) {
		t.Errorf("second repair changed groups:\n%+v\n%+v", first, f.store.Groups())
	}
	if f.persist.saves != saves {
		t.Errorf("second repair should not persist, saves %d -> %d", saves, f.persist.saves)
	}
}

func TestFixBrokenGroupsDuplicateSid(t *testing.T) {
	f := newFixture(t,
		database.SourceGroup{Sids: []int{1}, Name: "A", IsMultiple: true},
		database.SourceGroup{Sids: []int{1, 2}, Name: "B", IsMultiple: true},
	)
	sources := sourceSet(1, 2)
	f.store.FixBrokenGroups(sources)
	assertPartition(t, f.store.Groups(), sources)
}

func TestCreateSourceGroupReusesName(t *testing.T) {
	f := newFixture(t, database.NewSingletonGroup(0))

	first := f.store.CreateSourceGroup("News")
	second := f.store.CreateSourceGroup("News")
	if first != second || first != 1 {
		t.Errorf("expected index 1 twice, got %d and %d", first, second)
	}
	count := 0
	for _, g := range f.store.Groups() {
		if g.Name == "News" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one News group, got %d", count)
	}
	if f.store.CreateSourceGroup("news") == first {
		t.Error("name matching is case-sensitive")
	}
}

func TestDeleteSourceDone(t *testing.T) {
	f := newFixture(t,
		database.SourceGroup{Sids: []int{1}, Name: "News", IsMultiple: true},
		database.NewSingletonGroup(2),
		database.NewSingletonGroup(3),
	)
	var changed []database.SourceGroup
	event.Subscribe(f.bus, func(e event.GroupsChanged) { changed = e.Groups })

	f.store.DeleteSourceDone(database.Source{SID: 2})
	f.store.DeleteSourceDone(database.Source{SID: 1})

	groups := f.store.Groups()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %+v", groups)
	}
	if groups[0].Name != "News" || len(groups[0].Sids) != 0 {
		t.Errorf("named group should survive empty: %+v", groups[0])
	}
	if groups[1].Sids[0] != 3 {
		t.Errorf("unexpected remaining group %+v", groups[1])
	}
	if !reflect.DeepEqual(changed, groups) {
		t.Error("GroupsChanged should carry the latest groups")
	}

	saves := f.persist.saves
	f.store.DeleteSourceDone(database.Source{SID: 42})
	if f.persist.saves != saves {
		t.Error("deleting an ungrouped sid should not persist")
	}
}

func TestAddSourceToGroup(t *testing.T) {
	f := newFixture(t,
		database.NewNamedGroup("News"),
		database.NewSingletonGroup(1),
		database.NewSingletonGroup(2),
	)
	if err := f.store.AddSourceToGroup(0, 1); err != nil {
		t.Fatalf("AddSourceToGroup: %v", err)
	}
	groups := f.store.Groups()
	if len(groups) != 2 || !reflect.DeepEqual(groups[0].Sids, []int{1}) {
		t.Errorf("unexpected groups %+v", groups)
	}
	if err := f.store.AddSourceToGroup(5, 1); !errors.Is(err, ErrGroupIndex) {
		t.Errorf("expected ErrGroupIndex, got %v", err)
	}

	if err := f.store.AddSourceToGroup(1, 1); !errors.Is(err, ErrNotFolder) {
		t.Errorf("expected ErrNotFolder, got %v", err)
	}
	after := f.store.Groups()
	if !reflect.DeepEqual(after, groups) {
		t.Errorf("rejected move changed groups: %+v", after)
	}
	for _, g := range after {
		if !g.IsMultiple && len(g.Sids) != 1 {
			t.Errorf("singleton group holds %v", g.Sids)
		}
	}
}

func TestRemoveSourceFromGroup(t *testing.T) {
	f := newFixture(t,
		database.SourceGroup{Sids: []int{1, 2, 3}, Name: "News", IsMultiple: true, Expanded: true},
		database.NewSingletonGroup(4),
	)
	if err := f.store.RemoveSourceFromGroup(0, []int{1, 3}); err != nil {
		t.Fatalf("RemoveSourceFromGroup: %v", err)
	}
	groups := f.store.Groups()
	want := [][]int{{2}, {1}, {3}, {4}}
	if len(groups) != len(want) {
		t.Fatalf("unexpected groups %+v", groups)
	}
	for i, sids := range want {
		if !reflect.DeepEqual(groups[i].Sids, sids) {
			t.Errorf("group %d: expected %v, got %v", i, sids, groups[i].Sids)
		}
	}
}

func TestDeleteSourceGroup(t *testing.T) {
	f := newFixture(t,
		database.NewSingletonGroup(0),
		database.SourceGroup{Sids: []int{1, 2}, Name: "News", IsMultiple: true},
		database.NewSingletonGroup(3),
	)
	if err := f.store.DeleteSourceGroup(1); err != nil {
		t.Fatalf("DeleteSourceGroup: %v", err)
	}
	groups := f.store.Groups()
	if len(groups) != 4 {
		t.Fatalf("expected 4 singleton groups, got %+v", groups)
	}
	for i, g := range groups {
		if g.IsMultiple || g.Sids[0] != i {
			t.Errorf("unexpected group %d: %+v", i, g)
		}
	}
}

func TestUpdateAndToggleGroup(t *testing.T) {
	f := newFixture(t, database.SourceGroup{Sids: []int{1}, Name: "Old", IsMultiple: true, Expanded: true})
	before := f.store.Groups()

	g := before[0]
	g.Name = "New"
	if err := f.store.UpdateSourceGroup(0, g); err != nil {
		t.Fatalf("UpdateSourceGroup: %v", err)
	}
	if err := f.store.ToggleGroupExpansion(0); err != nil {
		t.Fatalf("ToggleGroupExpansion: %v", err)
	}
	after := f.store.Groups()[0]
	if after.Name != "New" || after.Expanded {
		t.Errorf("unexpected group %+v", after)
	}
	if before[0].Name != "Old" || !before[0].Expanded {
		t.Error("earlier snapshot was modified in place")
	}
	if err := f.store.ToggleGroupExpansion(-1); !errors.Is(err, ErrGroupIndex) {
		t.Errorf("expected ErrGroupIndex, got %v", err)
	}
}

const importDoc = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="1.0"><head><title>t</title></head><body>
  <outline text="Solo" type="rss" xmlUrl="https://solo.example/rss"/>
  <outline text="News">
    <outline text="A" type="rss" xmlUrl="https://a.example/rss"/>
    <outline text="Broken" type="rss" xmlUrl="https://broken.example/rss"/>
    <outline text="B" type="rss" xmlUrl="https://b.example/rss"/>
  </outline>
  <outline text="Later"/>
</body></opml>`

func TestImportOPMLFrom(t *testing.T) {
	f := newFixture(t)
	f.sources.failing["https://broken.example/rss"] = true

	var started, finished, depth int
	var progressed atomic.Int32
	event.Subscribe(f.bus, func(e event.FetchStarted) { started = e.Total })
	event.Subscribe(f.bus, func(event.FetchProgressed) { progressed.Add(1) })
	event.Subscribe(f.bus, func(event.ItemsFetched) { finished++ })
	event.Subscribe(f.bus, func(event.SavingStarted) { depth++ })
	event.Subscribe(f.bus, func(event.SavingFinished) { depth-- })

	res, err := f.store.ImportOPMLFrom(context.Background(), strings.NewReader(importDoc))
	if err != nil {
		t.Fatalf("ImportOPMLFrom: %v", err)
	}
	if len(res.Added) != 3 || len(res.Failed) != 1 || res.Failed[0].URL != "https://broken.example/rss" {
		t.Errorf("unexpected result %+v", res)
	}
	if started != 4 || progressed.Load() != 4 || finished != 1 {
		t.Errorf("expected 4/4/1 fetch events, got %d/%d/%d", started, progressed.Load(), finished)
	}
	if depth != 0 {
		t.Errorf("busy bracket not balanced: %d", depth)
	}

	groups := f.store.Groups()
	assertPartition(t, groups, f.sources.Sources())
	byName := map[string]database.SourceGroup{}
	for _, g := range groups {
		if g.IsMultiple {
			byName[g.Name] = g
		}
	}
	if len(byName["News"].Sids) != 2 {
		t.Errorf("expected 2 sources in News, got %+v", byName["News"])
	}
	if _, ok := byName["Later"]; !ok {
		t.Error("expected empty Later group")
	}
}

func TestImportOPMLReportsFailures(t *testing.T) {
	f := newFixture(t)
	f.sources.failing["https://broken.example/rss"] = true
	f.platform.open = []byte(importDoc)

	if _, err := f.store.ImportOPML(context.Background()); err != nil {
		t.Fatalf("ImportOPML: %v", err)
	}
	if f.platform.errTitle != "sources.errorImport count=1" {
		t.Errorf("unexpected error title %q", f.platform.errTitle)
	}
	if !strings.Contains(f.platform.errBody, "https://broken.example/rss") {
		t.Errorf("error body should name the failed feed: %q", f.platform.errBody)
	}
}

func TestImportOPMLParseError(t *testing.T) {
	f := newFixture(t)
	f.platform.open = []byte("<opml><body><outline>")

	if _, err := f.store.ImportOPML(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
	if f.platform.errTitle != "sources.errorParse" {
		t.Errorf("unexpected error title %q", f.platform.errTitle)
	}
}

func TestImportOPMLCancelled(t *testing.T) {
	f := newFixture(t)
	res, err := f.store.ImportOPML(context.Background())
	if err != nil || res != nil {
		t.Errorf("cancelled dialog should be a no-op, got %v %v", res, err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newFixture(t)
	for _, u := range []string{"https://a.example/rss", "https://b.example/rss", "https://c.example/rss"} {
		src.sources.AddSource(context.Background(), u, strings.TrimPrefix(u, "https://"), false)
	}
	news := src.store.CreateSourceGroup("News")
	src.store.AddSourceToGroup(news, 0)
	news = src.store.CreateSourceGroup("News")
	src.store.AddSourceToGroup(news, 2)
	src.store.CreateSourceGroup("Empty")

	if err := src.store.ExportOPML(); err != nil {
		t.Fatalf("ExportOPML: %v", err)
	}

	dst := newFixture(t)
	if _, err := dst.store.ImportOPMLFrom(context.Background(), bytes.NewReader(src.platform.saved.Bytes())); err != nil {
		t.Fatalf("ImportOPMLFrom: %v", err)
	}

	if !reflect.DeepEqual(describeGroups(src), describeGroups(dst)) {
		t.Errorf("round trip mismatch:\n%v\n%v", describeGroups(src), describeGroups(dst))
	}
}

// describeGroups maps each named group to its sorted source URLs and
// collects ungrouped URLs under "".
func describeGroups(f *fixture) map[string][]string {
	sources := f.sources.Sources()
	out := map[string][]string{}
	for _, g := range f.store.Groups() {
		key := ""
		if g.IsMultiple {
			key = g.Name
			if _, ok := out[key]; !ok {
				out[key] = []string{}
			}
		}
		for _, sid := range g.Sids {
			out[key] = append(out[key], sources[sid].URL)
		}
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}
