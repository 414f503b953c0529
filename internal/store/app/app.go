// Package app holds the session UI state: fetch progress, the settings
// panel and its busy flag, context menus, the operational log and the
// auto-fetch timer.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/platform"
)

// ErrSettingsBusy is returned when the settings panel cannot close because
// a busy operation is still running.
var ErrSettingsBusy = errors.New("settings are being saved")

// Preferences is the persisted preference store.
type Preferences interface {
	FetchInterval() int
	DefaultMenu() bool
	SetDefaultMenu(open bool) error
	Locale() string
}

// Platform is the host integration the app state drives.
type Platform interface {
	IsFocused() bool
	Focus()
	OpenExternal(url string) error
	ShowErrorBox(title, content string)
	Notify(n platform.Notification)
	WindowBreakpoint() bool
}

// Translator returns localized strings for the active locale.
type Translator interface {
	Get(key string, params ...map[string]any) string
	SetLocale(locale string)
	Locale() string
}

// Sources is the part of the source registry the app state calls into.
type Sources interface {
	Source(sid int) (database.Source, bool)
	UpdateSource(src database.Source) error
	UpdateUnreadCounts() error
	UpdateStarredCounts() error
}

// Feeds is the part of the feed views the app state calls into.
type Feeds interface {
	InitFeeds(force bool) error
	LoadedItemIDs() map[int64]struct{}
	ShowItem(id int64)
}

// Items is the part of the item cache the app state calls into.
type Items interface {
	FetchItems(ctx context.Context, background bool) error
	FreeMemory(keep map[int64]struct{})
}

// Articles deletes stored items.
type Articles interface {
	DeleteItemsBefore(t time.Time) (int64, error)
}

// IconValidator checks that a URL serves an image.
type IconValidator interface {
	ValidateFavicon(ctx context.Context, url string) bool
}

// Options wires a Store to its collaborators.
type Options struct {
	Settings Preferences
	Platform Platform
	Intl     Translator
	Sources  Sources
	Feeds    Feeds
	Items    Items
	Articles Articles
	Icons    IconValidator

	// NewTimer arms auto-fetch timers. Defaults to time.AfterFunc.
	NewTimer TimerFunc
	// Notifications enables system notifications for new items.
	Notifications bool
}

// Store owns the session UI state.
type Store struct {
	opts Options

	mu          sync.Mutex
	state       State
	savingDepth int

	timerMu sync.Mutex
	timer   Timer
	gen     int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the session state.
func New(opts Options) *Store {
	if opts.NewTimer == nil {
		opts.NewTimer = afterFunc
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{opts: opts, ctx: ctx, cancel: cancel}
	s.state = State{
		Menu:    opts.Settings.DefaultMenu() && opts.Platform.WindowBreakpoint(),
		MenuKey: MenuKeyAll,
	}
	return s
}

// State returns a snapshot of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) update(fn func(st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// appendLog adds an entry; the caller holds mu.
func appendLog(st *State, entry Log) {
	st.LogMenu.Logs = append(slices.Clip(st.LogMenu.Logs), entry)
}

// InitIntl activates the persisted locale.
func (s *Store) InitIntl() {
	s.opts.Intl.SetLocale(s.opts.Settings.Locale())
	locale := s.opts.Intl.Locale()
	s.update(func(st *State) { st.Locale = locale })
}

func (s *Store) InitSourcesSuccess() {
	s.update(func(st *State) { st.SourceInit = true })
}

func (s *Store) InitFeedsSuccess() {
	s.update(func(st *State) { st.FeedInit = true })
}

// FetchItemsRequest starts a fetch of total per-source steps.
func (s *Store) FetchItemsRequest(total int) {
	s.update(func(st *State) {
		st.FetchingItems = true
		st.FetchingProgress = 0
		st.FetchingTotal = total
	})
}

// FetchItemsIntermediate records one settled step.
func (s *Store) FetchItemsIntermediate() {
	s.update(func(st *State) { st.FetchingProgress++ })
}

// FetchItemsFailure logs a source that could not be fetched.
func (s *Store) FetchItemsFailure(src database.Source, err error) {
	title := s.opts.Intl.Get("log.fetchFailure", map[string]any{"name": src.Name})
	log.Printf("Fetching %s failed: %v", src.URL, err)
	s.update(func(st *State) {
		st.LogMenu.Notify = !st.LogMenu.Display
		appendLog(st, newLog(LogFailure, title, err.Error(), 0))
	})
}

// FetchItemsSuccess ends a fetch. A summary is logged unless nothing new
// arrived.
func (s *Store) FetchItemsSuccess(items []database.Item) {
	title := s.opts.Intl.Get("log.fetchSuccess", map[string]any{"count": len(items)})
	s.update(func(st *State) {
		st.FetchingItems = false
		st.FetchingTotal = 0
		st.LastFetched = time.Now()
		if len(items) > 0 {
			appendLog(st, newLog(LogInfo, title, "", 0))
		}
	})
	if len(items) > 0 {
		log.Printf("Fetched %d new items", len(items))
	}
}

// AddSourceRequest marks a source add in flight.
func (s *Store) AddSourceRequest() {
	s.update(func(st *State) {
		st.FetchingItems = true
		st.Settings.Changed = true
	})
	s.SavingStarted()
}

// AddSourceDone ends a source add, successful or not.
func (s *Store) AddSourceDone() {
	s.update(func(st *State) { st.FetchingItems = st.FetchingTotal != 0 })
	s.SavingFinished()
}

// AddSourceFailure ends a failed add. Interactive adds show the error.
func (s *Store) AddSourceFailure(url string, err error, batch bool) {
	s.AddSourceDone()
	log.Printf("Adding source %s failed: %v", url, err)
	if batch {
		return
	}
	title := s.opts.Intl.Get("sources.errorAdd")
	if errors.Is(err, database.ErrAlreadyExists) {
		title = s.opts.Intl.Get("sources.exist")
	}
	s.opts.Platform.ShowErrorBox(title, err.Error())
}

// SavingStarted enters a busy settings operation. Operations nest.
func (s *Store) SavingStarted() {
	s.update(func(st *State) {
		s.savingDepth++
		st.Settings.Changed = true
		st.Settings.Saving = true
	})
}

// SavingFinished leaves a busy settings operation.
func (s *Store) SavingFinished() {
	s.update(func(st *State) {
		s.savingDepth = max(0, s.savingDepth-1)
		st.Settings.Saving = s.savingDepth > 0
	})
}

// MarkSettingsChanged records that sources or groups were edited, so
// closing the settings panel reloads the feeds.
func (s *Store) MarkSettingsChanged() {
	s.update(func(st *State) { st.Settings.Changed = true })
}

// PushNotification announces a newly fetched item. A system notification
// is shown only while the reader is not focused; the log entry is always
// added.
func (s *Store) PushNotification(item database.Item) {
	src, _ := s.opts.Sources.Source(item.Source)

	if s.opts.Notifications && !s.opts.Platform.IsFocused() {
		s.opts.Platform.Notify(platform.Notification{
			Title: item.Title,
			Body:  src.Name,
			Icon:  item.Thumb,
			OnClick: func() {
				cur, ok := s.opts.Sources.Source(item.Source)
				if ok && cur.OpenTarget == database.OpenExternal {
					if err := s.opts.Platform.OpenExternal(item.Link); err != nil {
						log.Printf("Opening %s: %v", item.Link, err)
					}
				} else if !s.State().Settings.Display {
					s.opts.Platform.Focus()
					s.opts.Feeds.ShowItem(item.ID)
				}
			},
		})
	}

	s.update(func(st *State) {
		st.LogMenu.Notify = true
		appendLog(st, newLog(LogArticle, item.Title, src.Name, item.ID))
	})
}

// OpenTextMenu opens the text-selection menu.
func (s *Store) OpenTextMenu(pos [2]int, text, url string) {
	s.update(func(st *State) {
		st.ContextMenu = ContextMenu{Type: MenuText, Position: pos, Text: text, URL: url}
	})
}

// OpenItemMenu opens the menu of item within feedID.
func (s *Store) OpenItemMenu(feedID string, item database.Item, pos [2]int) {
	s.update(func(st *State) {
		st.ContextMenu = ContextMenu{Type: MenuItem, Position: pos, Item: &item, FeedID: feedID}
	})
}

// OpenViewMenu toggles the view menu.
func (s *Store) OpenViewMenu() {
	s.toggleMenu(MenuView, "#view-toggle")
}

// OpenMarkAllMenu toggles the mark-all-read menu.
func (s *Store) OpenMarkAllMenu() {
	s.toggleMenu(MenuMarkAll, "#mark-all-toggle")
}

func (s *Store) toggleMenu(typ ContextMenuType, anchor string) {
	s.update(func(st *State) {
		if st.ContextMenu.Type == typ {
			st.ContextMenu = ContextMenu{}
			return
		}
		st.ContextMenu = ContextMenu{Type: typ, Anchor: anchor}
	})
}

// OpenImageMenu opens the image menu.
func (s *Store) OpenImageMenu(pos [2]int) {
	s.update(func(st *State) {
		st.ContextMenu = ContextMenu{Type: MenuImage, Position: pos}
	})
}

// OpenGroupMenu opens the menu for a selection of sources.
func (s *Store) OpenGroupMenu(sids []int, pos [2]int) {
	sids = slices.Clone(sids)
	s.update(func(st *State) {
		st.ContextMenu = ContextMenu{Type: MenuGroup, Position: pos, Sids: sids}
	})
}

// CloseContextMenu hides any open context menu.
func (s *Store) CloseContextMenu() {
	s.update(func(st *State) {
		if st.ContextMenu.Type != MenuHidden {
			st.ContextMenu = ContextMenu{}
		}
	})
}

// ToggleLogMenu shows or hides the operational log and clears its badge.
func (s *Store) ToggleLogMenu() {
	s.update(func(st *State) {
		st.LogMenu.Display = !st.LogMenu.Display
		st.LogMenu.Notify = false
	})
}

// ToggleSettings opens or closes the settings panel. Operations still
// running keep the panel busy until they finish.
func (s *Store) ToggleSettings(open bool, sids []int) {
	sids = slices.Clone(sids)
	s.update(func(st *State) {
		st.Settings = Settings{Display: open, Sids: sids, Saving: s.savingDepth > 0}
	})
}

// ExitSettings closes the settings panel. If anything changed the feeds
// are reloaded and unreferenced items released. It is refused while a busy
// operation is running.
func (s *Store) ExitSettings() error {
	st := s.State()
	if st.Settings.Saving {
		return ErrSettingsBusy
	}
	if !st.Settings.Changed {
		s.ToggleSettings(false, nil)
		return nil
	}

	s.SavingStarted()
	s.SelectAllArticles()
	err := s.opts.Feeds.InitFeeds(true)
	s.SavingFinished()
	s.ToggleSettings(false, nil)
	if err != nil {
		return fmt.Errorf("reloading feeds: %w", err)
	}
	s.FreeMemory()
	return nil
}

// DeleteArticles removes unstarred items older than days and recomputes
// the source counts.
func (s *Store) DeleteArticles(days int) (int64, error) {
	s.SavingStarted()
	defer s.SavingFinished()

	before := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.opts.Articles.DeleteItemsBefore(before)
	if err != nil {
		return 0, fmt.Errorf("deleting articles: %w", err)
	}
	if err := s.opts.Sources.UpdateUnreadCounts(); err != nil {
		return n, err
	}
	if err := s.opts.Sources.UpdateStarredCounts(); err != nil {
		return n, err
	}
	log.Printf("Deleted %d articles older than %d days", n, days)
	return n, nil
}

// UpdateSourceIcon sets a user-chosen icon after checking that it serves
// an image.
func (s *Store) UpdateSourceIcon(ctx context.Context, src database.Source, iconURL string) error {
	s.SavingStarted()
	defer s.SavingFinished()

	if !s.opts.Icons.ValidateFavicon(ctx, iconURL) {
		s.opts.Platform.ShowErrorBox(s.opts.Intl.Get("sources.badIcon"), "")
		return fmt.Errorf("icon %s is not an image", iconURL)
	}
	src.IconURL = &iconURL
	return s.opts.Sources.UpdateSource(src)
}

func (s *Store) SyncWithServiceRequest() {
	s.update(func(st *State) { st.Syncing = true })
}

func (s *Store) SyncWithServiceSuccess() {
	s.update(func(st *State) { st.Syncing = false })
}

func (s *Store) SyncWithServiceFailure(err error) {
	title := s.opts.Intl.Get("log.syncFailure")
	s.update(func(st *State) {
		st.Syncing = false
		st.LogMenu.Notify = true
		appendLog(st, newLog(LogFailure, title, err.Error(), 0))
	})
}

// FreeMemory drops cached items no loaded feed references.
func (s *Store) FreeMemory() {
	s.opts.Items.FreeMemory(s.opts.Feeds.LoadedItemIDs())
}

// SelectAllArticles switches the view to every visible source.
func (s *Store) SelectAllArticles() {
	s.SelectSources(MenuKeyAll, s.opts.Intl.Get("allArticles"))
}

// SelectSources switches the view to a menu selection. On narrow windows
// the side menu closes.
func (s *Store) SelectSources(menuKey, title string) {
	wide := s.opts.Platform.WindowBreakpoint()
	s.update(func(st *State) {
		st.Menu = st.Menu && wide
		st.MenuKey = menuKey
		st.Title = title
	})
}

// ToggleMenu flips the side menu and persists the choice.
func (s *Store) ToggleMenu() {
	s.SetMenu(!s.State().Menu)
}

// SetMenu shows or hides the side menu and persists the choice.
func (s *Store) SetMenu(display bool) {
	s.update(func(st *State) { st.Menu = display })
	if err := s.opts.Settings.SetDefaultMenu(display); err != nil {
		log.Printf("Saving menu preference: %v", err)
	}
}
