package group

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/event"
	"github.com/TobiSchelling/leser/internal/opml"
	"github.com/TobiSchelling/leser/internal/platform"
)

// ExportFileName is the file name proposed by the export dialog.
const ExportFileName = "leser-export.opml"

const importConcurrency = 8

// Sources is the part of the source registry import and export use.
type Sources interface {
	Sources() map[int]database.Source
	AddSource(ctx context.Context, url, name string, batch bool) (int, error)
}

// Platform provides the file dialogs and error display.
type Platform interface {
	ShowOpenDialog(filters []platform.FileFilter) ([]byte, bool, error)
	ShowSaveDialog(filters []platform.FileFilter, defaultName string) (io.WriteCloser, error)
	ShowErrorBox(title, content string)
}

// Translator returns localized strings.
type Translator interface {
	Get(key string, params ...map[string]any) string
}

// ImportFailure is one feed that could not be added.
type ImportFailure struct {
	URL string
	Err error
}

// ImportResult summarizes a finished import.
type ImportResult struct {
	Added  []int
	Failed []ImportFailure
}

// ImportOPML asks for a file and imports it. Parse failures and per-feed
// failures are reported through the platform error box.
func (s *Store) ImportOPML(ctx context.Context) (*ImportResult, error) {
	filters := []platform.FileFilter{{Name: s.intl.Get("sources.opmlFile"), Extensions: []string{"xml", "opml"}}}
	data, ok, err := s.platform.ShowOpenDialog(filters)
	if err != nil {
		return nil, fmt.Errorf("opening import file: %w", err)
	}
	if !ok {
		return nil, nil
	}

	res, err := s.ImportOPMLFrom(ctx, bytes.NewReader(data))
	if err != nil {
		s.platform.ShowErrorBox(s.intl.Get("sources.errorParse"), s.intl.Get("sources.errorParseHint"))
		return nil, err
	}
	if len(res.Failed) > 0 {
		lines := make([]string, len(res.Failed))
		for i, f := range res.Failed {
			lines[i] = f.URL + "\n" + f.Err.Error()
		}
		s.platform.ShowErrorBox(
			s.intl.Get("sources.errorImport", map[string]any{"count": len(res.Failed)}),
			strings.Join(lines, "\n"),
		)
	}
	return res, nil
}

// ImportOPMLFrom creates the document's named groups and adds every feed
// concurrently. A feed inside a folder is moved into the group of that
// name once it has been added. All adds settle before the result is
// returned; their completion order is unspecified.
func (s *Store) ImportOPMLFrom(ctx context.Context, r io.Reader) (*ImportResult, error) {
	event.Publish(s.bus, event.SavingStarted{})
	defer event.Publish(s.bus, event.SavingFinished{})

	doc, err := opml.Parse(r)
	if err != nil {
		return nil, err
	}
	for _, name := range doc.Groups {
		s.CreateSourceGroup(name)
	}

	event.Publish(s.bus, event.FetchStarted{Total: len(doc.Entries)})

	var (
		mu  sync.Mutex
		res = &ImportResult{}
		wg  sync.WaitGroup
		sem = make(chan struct{}, importConcurrency)
	)
	for _, e := range doc.Entries {
		wg.Add(1)
		go func(e opml.Entry) {
			defer wg.Done()
			defer event.Publish(s.bus, event.FetchProgressed{})
			sem <- struct{}{}
			defer func() { <-sem }()

			sid, err := s.sources.AddSource(ctx, e.URL, e.Name, true)
			if err != nil {
				mu.Lock()
				res.Failed = append(res.Failed, ImportFailure{URL: e.URL, Err: err})
				mu.Unlock()
				return
			}
			if e.Group != "" {
				s.AddSourceToNamedGroup(e.Group, sid)
			}
			mu.Lock()
			res.Added = append(res.Added, sid)
			mu.Unlock()
		}(e)
	}
	wg.Wait()

	event.Publish(s.bus, event.ItemsFetched{})
	return res, nil
}

// ExportOPML asks for a destination and writes the subscription list.
func (s *Store) ExportOPML() error {
	filters := []platform.FileFilter{{Name: s.intl.Get("sources.opmlFile"), Extensions: []string{"opml"}}}
	w, err := s.platform.ShowSaveDialog(filters, ExportFileName)
	if err != nil {
		s.platform.ShowErrorBox(s.intl.Get("settings.writeError"), err.Error())
		return err
	}
	if w == nil {
		return nil
	}

	err = s.ExportOPMLTo(w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.platform.ShowErrorBox(s.intl.Get("settings.writeError"), err.Error())
	}
	return err
}

// ExportOPMLTo writes the current groups and sources as OPML to w.
func (s *Store) ExportOPMLTo(w io.Writer) error {
	data, err := opml.Export(s.Groups(), s.sources.Sources())
	if err != nil {
		return fmt.Errorf("encoding opml: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing opml: %w", err)
	}
	return nil
}
