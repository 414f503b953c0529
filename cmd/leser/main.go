package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/TobiSchelling/leser/internal/config"
	"github.com/TobiSchelling/leser/internal/coordinator"
	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/platform"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "leser",
	Short:   "A feed reader for the terminal",
	Long:    "Leser follows RSS and Atom sources, groups them, and keeps track of what you have read.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Logging.Level == "DEBUG" {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(opmlCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(articlesCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(localeCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("leser", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/leser/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Add a source with: leser sources add <url>")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Sources:")
		fmt.Printf("  Total: %d\n", stats.Sources)
		fmt.Printf("  Hidden: %d\n", stats.HiddenSources)
		fmt.Println("\nArticles:")
		fmt.Printf("  Total: %d\n", stats.TotalItems)
		fmt.Printf("  Unread: %d\n", stats.UnreadItems)
		fmt.Printf("  Starred: %d\n", stats.StarredItems)
		return nil
	},
}

var localeCmd = &cobra.Command{
	Use:   "locale [code]",
	Short: "Show or set the display language",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if len(args) == 1 {
			if err := s.SetLocale(args[0]); err != nil {
				return err
			}
		}
		fmt.Println(s.App.State().Locale)
		return nil
	},
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "leser.db")
	return database.Open(dbPath)
}

// session is an opened database with its stores loaded.
type session struct {
	*coordinator.Coordinator
	term *platform.Terminal
}

// openSession loads the stores from storage. The caller must close it.
func openSession() (*session, error) {
	s, err := newSession()
	if err != nil {
		return nil, err
	}
	if err := s.Load(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newSession() (*session, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	term := platform.NewTerminal()
	c, err := coordinator.New(cfg, db, coordinator.Options{Platform: term})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &session{Coordinator: c, term: term}, nil
}

func (s *session) Close() {
	s.Coordinator.Close()
	s.DB.Close()
}

// source looks up a source by its sid argument.
func (s *session) source(arg string) (database.Source, error) {
	sid, err := strconv.Atoi(arg)
	if err != nil {
		return database.Source{}, fmt.Errorf("invalid source ID: %s", arg)
	}
	src, ok := s.Sources.Source(sid)
	if !ok {
		return database.Source{}, fmt.Errorf("source %d not found", sid)
	}
	return src, nil
}

func intArg(arg, what string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", what, arg)
	}
	return n, nil
}
