package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/event"
	"github.com/TobiSchelling/leser/internal/store/app"
	"github.com/TobiSchelling/leser/internal/store/feed"
	"github.com/spf13/cobra"
)

// --- fetch command ---

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch new articles from all due sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		var fetched []database.Item
		unsub := event.Subscribe(s.Bus, func(e event.ItemsFetched) { fetched = e.Items })
		defer unsub()

		if err := s.Items.FetchItems(cmd.Context(), false); err != nil {
			return err
		}
		st := s.App.State()
		fmt.Printf("Fetched %d new article(s) from %d source(s)\n", len(fetched), st.FetchingTotal)
		printLogs(st.LogMenu.Logs, app.LogFailure)
		return nil
	},
}

// --- articles command ---

var articlesCmd = &cobra.Command{
	Use:   "articles",
	Short: "Browse and manage articles",
}

var (
	listSources []int
	listPages   int
	cleanDays   int
)

var articlesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the newest articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		feedID := feed.AllFeed
		if len(listSources) > 0 {
			if err := s.SelectSources("sources", "", listSources); err != nil {
				return err
			}
			feedID = feed.SelectedFeed
		}
		for i := 1; i < listPages; i++ {
			if err := s.Feeds.LoadMore(feedID); err != nil {
				return err
			}
		}

		f, _ := s.Feeds.Feed(feedID)
		srcs := s.Sources.Sources()
		for _, id := range f.ItemIDs {
			it, ok := s.Items.Item(id)
			if !ok {
				continue
			}
			mark := " "
			if !it.HasRead {
				mark = "*"
			}
			if it.Starred {
				mark += "+"
			} else {
				mark += " "
			}
			fmt.Printf("%s %6d  %s  %s\n", mark, it.ID, it.Date.Local().Format("2006-01-02 15:04"), it.Title)
			fmt.Printf("          %s\n", srcs[it.Source].Name)
		}
		if !f.AllLoaded {
			fmt.Printf("\nMore available: --pages %d\n", listPages+1)
		}
		return nil
	},
}

func itemCommand(use, short string, fn func(s *session, id int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			for _, arg := range args {
				id, err := intArg(arg, "article ID")
				if err != nil {
					return err
				}
				if err := fn(s, int64(id)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

var articlesReadCmd = itemCommand("read", "Mark articles as read", func(s *session, id int64) error {
	return s.Items.MarkRead(id)
})

var articlesUnreadCmd = itemCommand("unread", "Mark articles as unread", func(s *session, id int64) error {
	return s.Items.MarkUnread(id)
})

var articlesStarCmd = itemCommand("star", "Toggle the star of articles", func(s *session, id int64) error {
	return s.Items.ToggleStarred(id)
})

var articlesOpenCmd = itemCommand("open", "Open articles in the browser and mark them read", func(s *session, id int64) error {
	it, err := s.DB.GetItem(id)
	if err != nil {
		return fmt.Errorf("getting article %d: %w", id, err)
	}
	if it == nil {
		return fmt.Errorf("article %d not found", id)
	}
	if err := s.Platform.OpenExternal(it.Link); err != nil {
		return err
	}
	return s.Items.MarkRead(id)
})

var articlesShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print the readable text of an article",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := intArg(args[0], "article ID")
		if err != nil {
			return err
		}
		it, err := s.Items.LoadFullContent(cmd.Context(), int64(id))
		if err != nil {
			return err
		}
		fmt.Printf("%s\n%s\n\n%s\n", it.Title, it.Link, it.Content)
		return s.Items.MarkRead(it.ID)
	},
}

var markAllDays int

var articlesMarkAllCmd = &cobra.Command{
	Use:   "mark-all [source-id...]",
	Short: "Mark all articles read, optionally only those older than --days",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		var sids []int
		for _, arg := range args {
			src, err := s.source(arg)
			if err != nil {
				return err
			}
			sids = append(sids, src.SID)
		}
		if len(sids) == 0 {
			f, _ := s.Feeds.Feed(feed.AllFeed)
			sids = f.Sids
		}
		var before time.Time
		if markAllDays > 0 {
			before = time.Now().AddDate(0, 0, -markAllDays)
		}
		if err := s.Items.MarkAllRead(sids, before); err != nil {
			return err
		}
		fmt.Printf("Marked %d source(s) read\n", len(sids))
		return nil
	},
}

var articlesCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete articles older than --days, keeping starred ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.App.DeleteArticles(cleanDays)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d article(s) older than %d days\n", n, cleanDays)
		return nil
	},
}

func init() {
	articlesListCmd.Flags().IntSliceVarP(&listSources, "source", "s", nil, "Only list articles of these source IDs")
	articlesListCmd.Flags().IntVarP(&listPages, "pages", "p", 1, "Number of pages to load")
	articlesMarkAllCmd.Flags().IntVarP(&markAllDays, "days", "d", 0, "Only articles older than this many days")
	articlesCleanCmd.Flags().IntVarP(&cleanDays, "days", "d", 30, "Delete articles older than this many days")

	articlesCmd.AddCommand(articlesListCmd)
	articlesCmd.AddCommand(articlesShowCmd)
	articlesCmd.AddCommand(articlesOpenCmd)
	articlesCmd.AddCommand(articlesReadCmd)
	articlesCmd.AddCommand(articlesUnreadCmd)
	articlesCmd.AddCommand(articlesStarCmd)
	articlesCmd.AddCommand(articlesMarkAllCmd)
	articlesCmd.AddCommand(articlesCleanCmd)
}

// --- watch command ---

var watchInterval int

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep fetching in the background and announce new articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		unsub := event.Subscribe(s.Bus, func(e event.ItemsFetched) {
			srcs := s.Sources.Sources()
			for _, it := range e.Items {
				fmt.Printf("%s  %s: %s\n", it.Date.Local().Format("15:04"), srcs[it.Source].Name, it.Title)
			}
		})
		defer unsub()

		if watchInterval > 0 {
			if err := s.SetFetchInterval(watchInterval); err != nil {
				return err
			}
		}
		if err := s.Init(ctx); err != nil {
			return err
		}
		if s.Settings.FetchInterval() == 0 {
			log.Println("Auto-fetch is disabled; set an interval with --interval")
		}

		<-ctx.Done()
		log.Println("Stopping")
		return nil
	},
}

func init() {
	watchCmd.Flags().IntVarP(&watchInterval, "interval", "i", 0, "Fetch interval in minutes (saved)")
}

// --- log command ---

var logAll bool

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Fetch and print the operational log",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Items.FetchItems(cmd.Context(), false); err != nil {
			return err
		}
		s.Sources.UpdateFavicon(cmd.Context(), nil, false)

		logs := s.App.State().LogMenu.Logs
		if len(logs) == 0 {
			fmt.Println("Nothing to report.")
			return nil
		}
		if logAll {
			printLogs(logs, app.LogInfo, app.LogFailure, app.LogArticle)
		} else {
			printLogs(logs, app.LogInfo, app.LogFailure)
		}
		return nil
	},
}

func init() {
	logCmd.Flags().BoolVarP(&logAll, "all", "a", false, "Include article notifications")
}

func printLogs(logs []app.Log, types ...app.LogType) {
	for _, l := range logs {
		for _, t := range types {
			if l.Type != t {
				continue
			}
			prefix := "  "
			if l.Type == app.LogFailure {
				prefix = "! "
			}
			fmt.Printf("%s%s  %s\n", prefix, l.Time.Local().Format("15:04:05"), l.Title)
			if l.Details != "" {
				fmt.Printf("    %s\n", l.Details)
			}
		}
	}
}
