// Package coordinator builds the stores, wires their events together and
// runs the startup sequence. It is the only package that knows every store.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/TobiSchelling/leser/internal/collect"
	"github.com/TobiSchelling/leser/internal/config"
	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/event"
	"github.com/TobiSchelling/leser/internal/fetch"
	"github.com/TobiSchelling/leser/internal/locale"
	"github.com/TobiSchelling/leser/internal/platform"
	"github.com/TobiSchelling/leser/internal/settings"
	"github.com/TobiSchelling/leser/internal/store/app"
	"github.com/TobiSchelling/leser/internal/store/feed"
	"github.com/TobiSchelling/leser/internal/store/group"
	"github.com/TobiSchelling/leser/internal/store/item"
	"github.com/TobiSchelling/leser/internal/store/source"
)

// Fetcher is everything the stores need from the network.
type Fetcher interface {
	source.Fetcher
	item.Fetcher
	app.IconValidator
}

// Options overrides collaborators, mainly for tests. Zero values select
// the real implementations.
type Options struct {
	Platform  platform.Platform
	Fetcher   Fetcher
	Extractor item.Extractor
	NewTimer  app.TimerFunc
}

// Coordinator owns every store of a session.
type Coordinator struct {
	Config   *config.Config
	DB       *database.DB
	Bus      *event.Bus
	Intl     *locale.Bundle
	Settings *settings.Settings
	Platform platform.Platform

	Sources *source.Store
	Groups  *group.Store
	Feeds   *feed.Store
	Items   *item.Store
	App     *app.Store

	unsubscribe []func()
}

// New builds the stores over db and wires their events.
func New(cfg *config.Config, db *database.DB, opts Options) (*Coordinator, error) {
	if cfg.Locale == "" {
		cfg.Locale = locale.Detect()
	}
	prefs := settings.New(db, cfg)
	intl, err := locale.New(prefs.Locale())
	if err != nil {
		return nil, fmt.Errorf("loading translations: %w", err)
	}

	if opts.Platform == nil {
		opts.Platform = platform.NewTerminal()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = collect.NewCollector(cfg)
	}
	if opts.Extractor == nil {
		opts.Extractor = fetch.NewContentFetcher(time.Duration(cfg.Fetch.TimeoutSeconds)*time.Second, cfg.Fetch.UserAgent)
	}

	bus := event.NewBus()
	c := &Coordinator{
		Config:   cfg,
		DB:       db,
		Bus:      bus,
		Intl:     intl,
		Settings: prefs,
		Platform: opts.Platform,
	}
	c.Sources = source.New(db, opts.Fetcher, bus)
	c.Groups = group.New(prefs, bus, c.Sources, opts.Platform, intl)
	c.Items = item.New(db, opts.Fetcher, opts.Extractor, c.Sources, bus, cfg.Fetch.Concurrency)
	c.Feeds = feed.New(db, c.Sources, c.Items, bus, cfg.Feed.PageSize)
	c.App = app.New(app.Options{
		Settings:      prefs,
		Platform:      opts.Platform,
		Intl:          intl,
		Sources:       c.Sources,
		Feeds:         c.Feeds,
		Items:         c.Items,
		Articles:      db,
		Icons:         opts.Fetcher,
		NewTimer:      opts.NewTimer,
		Notifications: cfg.Notifications,
	})
	c.wire()
	return c, nil
}

func (c *Coordinator) on(unsub func()) {
	c.unsubscribe = append(c.unsubscribe, unsub)
}

// wire declares every cross-store reaction. Handlers run synchronously in
// the publisher's goroutine, in the order subscribed here.
func (c *Coordinator) wire() {
	b := c.Bus

	c.on(event.Subscribe(b, func(e event.SourcesInitialized) {
		c.Groups.FixBrokenGroups(e.Sources)
		c.App.InitSourcesSuccess()
	}))
	c.on(event.Subscribe(b, func(event.SourceAddStarted) {
		c.App.AddSourceRequest()
	}))
	c.on(event.Subscribe(b, func(e event.SourceAdded) {
		c.Groups.AddSourceSuccess(e.Source)
		if !e.Source.Hidden {
			c.Feeds.UnhideSource(e.Source.SID)
		}
		c.App.AddSourceDone()
	}))
	c.on(event.Subscribe(b, func(e event.SourceAddFailed) {
		c.App.AddSourceFailure(e.URL, e.Err, e.Batch)
	}))
	c.on(event.Subscribe(b, func(e event.SourceUpdated) {
		if e.Source.Hidden {
			c.Feeds.HideSource(e.Source.SID)
		} else {
			c.Feeds.UnhideSource(e.Source.SID)
		}
	}))
	c.on(event.Subscribe(b, func(e event.SourceDeleted) {
		c.Groups.DeleteSourceDone(e.Source)
		c.Feeds.SourceDeleted(e.Source)
		c.Items.DropSource(e.Source.SID)
		c.App.MarkSettingsChanged()
	}))
	c.on(event.Subscribe(b, func(event.GroupsChanged) {
		c.App.MarkSettingsChanged()
	}))
	c.on(event.Subscribe(b, func(event.SavingStarted) {
		c.App.SavingStarted()
	}))
	c.on(event.Subscribe(b, func(event.SavingFinished) {
		c.App.SavingFinished()
	}))

	c.on(event.Subscribe(b, func(event.FeedsInitialized) {
		c.App.InitFeedsSuccess()
	}))
	c.on(event.Subscribe(b, func(e event.FetchStarted) {
		c.App.FetchItemsRequest(e.Total)
	}))
	c.on(event.Subscribe(b, func(event.FetchProgressed) {
		c.App.FetchItemsIntermediate()
	}))
	c.on(event.Subscribe(b, func(e event.FetchFailed) {
		c.App.FetchItemsFailure(e.Source, e.Err)
	}))
	c.on(event.Subscribe(b, func(e event.ItemsFetched) {
		c.Sources.FetchItemsSuccess(e.Items)
		c.Feeds.ItemsFetched(e.Items)
		c.App.FetchItemsSuccess(e.Items)
		if !e.Background {
			return
		}
		for _, it := range e.Items {
			if !it.HasRead {
				c.App.PushNotification(it)
			}
		}
	}))

	c.on(event.Subscribe(b, func(e event.ItemReadChanged) {
		if e.Read {
			c.Sources.MarkReadDone(e.Item)
		} else {
			c.Sources.MarkUnreadDone(e.Item)
		}
	}))
	c.on(event.Subscribe(b, func(e event.ItemStarChanged) {
		c.Sources.ToggleStarredDone(e.Item)
	}))
	c.on(event.Subscribe(b, func(e event.AllMarkedRead) {
		c.Sources.MarkAllReadDone(e.Sids, e.Before)
	}))
}

// Load brings the stores up from storage without touching the network:
// locale, sources, feeds and the all-articles view.
func (c *Coordinator) Load() error {
	c.App.InitIntl()
	if err := c.Sources.InitSources(); err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}
	if err := c.Feeds.InitFeeds(false); err != nil {
		return fmt.Errorf("loading feeds: %w", err)
	}
	c.App.SelectAllArticles()
	return nil
}

// Init runs the full startup sequence: Load, a first fetch and favicon
// resolution. Auto-fetch is armed last. Fetch failures are reported
// through the app log and do not fail Init.
func (c *Coordinator) Init(ctx context.Context) error {
	if err := c.Load(); err != nil {
		return err
	}
	if err := c.Items.FetchItems(ctx, false); err != nil {
		log.Printf("Initial fetch: %v", err)
	}
	c.Sources.UpdateFavicon(ctx, nil, false)
	c.App.SetupAutoFetch()
	log.Printf("Initialized %d sources", len(c.Sources.Sources()))
	return nil
}

// SelectSources switches the view to sids under menuKey. The all-articles
// key selects every visible source.
func (c *Coordinator) SelectSources(menuKey, title string, sids []int) error {
	if menuKey == app.MenuKeyAll {
		c.App.SelectAllArticles()
		return c.Feeds.InitFeeds(false)
	}
	c.App.SelectSources(menuKey, title)
	return c.Feeds.SelectSources(sids)
}

// SetLocale persists and activates a locale.
func (c *Coordinator) SetLocale(loc string) error {
	if err := c.Settings.SetLocale(loc); err != nil {
		return err
	}
	c.App.InitIntl()
	return nil
}

// SetFetchInterval persists the auto-fetch interval and rearms the timer.
func (c *Coordinator) SetFetchInterval(minutes int) error {
	if err := c.Settings.SetFetchInterval(minutes); err != nil {
		return err
	}
	c.App.SetupAutoFetch()
	return nil
}

// Close stops background work and detaches every subscription. The
// database stays open.
func (c *Coordinator) Close() {
	c.App.Close()
	c.Sources.Wait()
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	c.unsubscribe = nil
}
