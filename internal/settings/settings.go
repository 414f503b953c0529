// Package settings persists user preferences that outlive a session in the
// database settings table, falling back to the file configuration.
package settings

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/TobiSchelling/leser/internal/config"
	"github.com/TobiSchelling/leser/internal/database"
)

const (
	keyGroups        = "groups"
	keyFetchInterval = "fetch_interval"
	keyDefaultMenu   = "default_menu"
	keyLocale        = "locale"
)

// Settings reads and writes persisted preferences.
type Settings struct {
	db  *database.DB
	cfg *config.Config
}

// New returns settings backed by db with defaults from cfg.
func New(db *database.DB, cfg *config.Config) *Settings {
	return &Settings{db: db, cfg: cfg}
}

// LoadGroups returns the persisted group list, or an empty list if none
// was saved yet.
func (s *Settings) LoadGroups() ([]database.SourceGroup, error) {
	raw, ok, err := s.db.GetSetting(keyGroups)
	if err != nil {
		return nil, fmt.Errorf("loading groups: %w", err)
	}
	groups := []database.SourceGroup{}
	if !ok {
		return groups, nil
	}
	if err := json.Unmarshal([]byte(raw), &groups); err != nil {
		return nil, fmt.Errorf("decoding groups: %w", err)
	}
	for i := range groups {
		if groups[i].Sids == nil {
			groups[i].Sids = []int{}
		}
	}
	return groups, nil
}

// SaveGroups replaces the persisted group list.
func (s *Settings) SaveGroups(groups []database.SourceGroup) error {
	data, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("encoding groups: %w", err)
	}
	if err := s.db.SetSetting(keyGroups, string(data)); err != nil {
		return fmt.Errorf("saving groups: %w", err)
	}
	return nil
}

// FetchInterval returns the auto-fetch interval in minutes. Zero disables
// auto-fetch.
func (s *Settings) FetchInterval() int {
	raw, ok, err := s.db.GetSetting(keyFetchInterval)
	if err == nil && ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return s.cfg.Fetch.IntervalMinutes
}

// SetFetchInterval persists an interval override in minutes.
func (s *Settings) SetFetchInterval(minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("fetch interval must not be negative: %d", minutes)
	}
	return s.db.SetSetting(keyFetchInterval, strconv.Itoa(minutes))
}

// DefaultMenu reports whether the source menu starts open.
func (s *Settings) DefaultMenu() bool {
	raw, ok, err := s.db.GetSetting(keyDefaultMenu)
	if err != nil || !ok {
		return false
	}
	v, _ := strconv.ParseBool(raw)
	return v
}

// SetDefaultMenu persists whether the source menu starts open.
func (s *Settings) SetDefaultMenu(open bool) error {
	return s.db.SetSetting(keyDefaultMenu, strconv.FormatBool(open))
}

// Locale returns the persisted locale, or the configured one.
func (s *Settings) Locale() string {
	raw, ok, err := s.db.GetSetting(keyLocale)
	if err == nil && ok && raw != "" {
		return raw
	}
	return s.cfg.Locale
}

// SetLocale persists the UI locale.
func (s *Settings) SetLocale(locale string) error {
	return s.db.SetSetting(keyLocale, locale)
}
