// Package locale looks up localized UI strings from embedded YAML catalogs.
package locale

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Fallback is used when a key or locale is missing.
const Fallback = "en-US"

//go:embed catalogs/*.yaml
var catalogFS embed.FS

// Bundle holds every catalog, flattened to dotted keys, and the active locale.
type Bundle struct {
	mu       sync.RWMutex
	current  string
	catalogs map[string]map[string]string
}

// New loads the embedded catalogs and selects locale (or the fallback if
// it is unknown).
func New(locale string) (*Bundle, error) {
	entries, err := catalogFS.ReadDir("catalogs")
	if err != nil {
		return nil, fmt.Errorf("reading catalogs: %w", err)
	}

	b := &Bundle{catalogs: make(map[string]map[string]string)}
	for _, e := range entries {
		data, err := catalogFS.ReadFile("catalogs/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading catalog %s: %w", e.Name(), err)
		}
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("parsing catalog %s: %w", e.Name(), err)
		}
		flat := make(map[string]string)
		flatten("", tree, flat)
		b.catalogs[strings.TrimSuffix(e.Name(), ".yaml")] = flat
	}
	b.SetLocale(locale)
	return b, nil
}

// Detect returns a supported locale derived from $LANG, or the fallback.
func Detect() string {
	lang := os.Getenv("LANG")
	if lang == "" {
		return Fallback
	}
	lang = strings.SplitN(lang, ".", 2)[0]
	lang = strings.ReplaceAll(lang, "_", "-")
	if strings.HasPrefix(lang, "zh") {
		return "zh-CN"
	}
	return Fallback
}

// SetLocale switches the active locale. Unknown locales select the fallback.
func (b *Bundle) SetLocale(locale string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.catalogs[locale]; !ok {
		locale = Fallback
	}
	b.current = locale
}

// Locale returns the active locale.
func (b *Bundle) Locale() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Get returns the localized string for key with {name} placeholders
// substituted from params. A missing key returns the key itself.
func (b *Bundle) Get(key string, params ...map[string]any) string {
	b.mu.RLock()
	msg, ok := b.catalogs[b.current][key]
	if !ok {
		msg, ok = b.catalogs[Fallback][key]
	}
	b.mu.RUnlock()
	if !ok {
		return key
	}

	for _, p := range params {
		for k, v := range p {
			msg = strings.ReplaceAll(msg, "{"+k+"}", fmt.Sprint(v))
		}
	}
	return msg
}

func flatten(prefix string, tree map[string]any, out map[string]string) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}
