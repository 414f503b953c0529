package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	DataDir       string  `yaml:"data_dir"`
	Locale        string  `yaml:"locale"`
	Fetch         Fetch   `yaml:"fetch"`
	Feed          Feed    `yaml:"feed"`
	Notifications bool    `yaml:"notifications"`
	Logging       Logging `yaml:"logging"`
}

type Fetch struct {
	IntervalMinutes int    `yaml:"interval_minutes"`
	Concurrency     int    `yaml:"concurrency"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	UserAgent       string `yaml:"user_agent"`
}

type Feed struct {
	PageSize int `yaml:"page_size"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for leser.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "leser")
}

// DataDir returns the XDG data directory for leser.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "leser")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/leser/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'leser init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file, then applies environment overrides.
// A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}

	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Fetch: Fetch{
			IntervalMinutes: 30,
			Concurrency:     4,
			TimeoutSeconds:  15,
			UserAgent:       "Leser/1.0 (feed reader)",
		},
		Feed:          Feed{PageSize: 50},
		Notifications: true,
		Logging:       Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Fetch.Concurrency < 1 {
		cfg.Fetch.Concurrency = 1
	}
	if cfg.Feed.PageSize < 1 {
		cfg.Feed.PageSize = 50
	}
	return cfg, nil
}

// applyEnv overlays LESER_* environment variables on top of the file config.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("LESER_DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("LESER_LOCALE"); ok && v != "" {
		cfg.Locale = v
	}
	if v, ok := os.LookupEnv("LESER_FETCH_INTERVAL"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Fetch.IntervalMinutes = n
		}
	}
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
