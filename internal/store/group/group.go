// Package group maintains the partition of sources into groups. Every
// known sid belongs to exactly one group; named groups may be empty,
// singleton groups always hold one sid.
package group

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/TobiSchelling/leser/internal/database"
	"github.com/TobiSchelling/leser/internal/event"
)

var (
	// ErrGroupIndex is returned for an index outside the group list.
	ErrGroupIndex = errors.New("group index out of range")
	// ErrNotFolder is returned when sources are moved into a singleton group.
	ErrNotFolder = errors.New("group is not a named group")
)

// Persister loads and saves the group list.
type Persister interface {
	LoadGroups() ([]database.SourceGroup, error)
	SaveGroups([]database.SourceGroup) error
}

// Store holds the group list. Every change installs a new slice of
// freshly cloned groups, so a slice returned by Groups never changes.
type Store struct {
	persist Persister
	bus     *event.Bus

	mu     sync.Mutex
	groups []database.SourceGroup

	saveMu sync.Mutex

	// Used by import/export.
	sources  Sources
	platform Platform
	intl     Translator
}

// New loads the persisted groups. A load failure starts from an empty list;
// the next repair rebuilds singleton groups for every source.
func New(persist Persister, bus *event.Bus, sources Sources, platform Platform, intl Translator) *Store {
	groups, err := persist.LoadGroups()
	if err != nil {
		log.Printf("Loading groups failed, starting empty: %v", err)
		groups = nil
	}
	return &Store{
		persist:  persist,
		bus:      bus,
		groups:   groups,
		sources:  sources,
		platform: platform,
		intl:     intl,
	}
}

// Groups returns the current group list. It must not be modified.
func (s *Store) Groups() []database.SourceGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups
}

// apply computes the next group list from the current one under the lock.
// fn returns false to leave the list untouched. On change GroupsChanged is
// published and, when save is set, the list is persisted.
func (s *Store) apply(save bool, fn func(cur []database.SourceGroup) ([]database.SourceGroup, bool)) bool {
	s.mu.Lock()
	next, changed := fn(s.groups)
	if changed {
		s.groups = next
	}
	s.mu.Unlock()

	if !changed {
		return false
	}
	event.Publish(s.bus, event.GroupsChanged{Groups: next})
	if save {
		s.save()
	}
	return true
}

// save writes the latest list. Writers queue on saveMu and each reads
// the list only once it holds the lock, so the last write is never stale.
func (s *Store) save() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.persist.SaveGroups(s.Groups()); err != nil {
		log.Printf("Saving groups: %v", err)
	}
}

// FixBrokenGroups reconciles the groups with the authoritative source set:
// stale sids are dropped, emptied singleton groups removed, and every
// ungrouped sid wrapped in a new singleton group. Nothing is written when
// the groups are already consistent. Reports whether anything changed.
func (s *Store) FixBrokenGroups(sources map[int]database.Source) bool {
	return s.apply(true, func(cur []database.SourceGroup) ([]database.SourceGroup, bool) {
		return fixBroken(cur, sources)
	})
}

func fixBroken(cur []database.SourceGroup, sources map[int]database.Source) ([]database.SourceGroup, bool) {
	left := make(map[int]struct{}, len(sources))
	for sid := range sources {
		left[sid] = struct{}{}
	}

	broken := false
	next := make([]database.SourceGroup, 0, len(cur))
	for _, g := range cur {
		kept := make([]int, 0, len(g.Sids))
		for _, sid := range g.Sids {
			if _, ok := left[sid]; ok {
				kept = append(kept, sid)
				delete(left, sid)
			}
		}
		if len(kept) != len(g.Sids) {
			broken = true
		}
		if !g.IsMultiple && len(kept) == 0 {
			continue
		}
		ng := g.Clone()
		ng.Sids = kept
		next = append(next, ng)
	}
	if !broken && len(left) == 0 {
		return cur, false
	}

	orphans := make([]int, 0, len(left))
	for sid := range left {
		orphans = append(orphans, sid)
	}
	slices.Sort(orphans)
	for _, sid := range orphans {
		next = append(next, database.NewSingletonGroup(sid))
	}
	return next, true
}

// ReorderSourceGroups replaces the whole list.
func (s *Store) ReorderSourceGroups(groups []database.SourceGroup) {
	next := make([]database.SourceGroup, len(groups))
	for i, g := range groups {
		next[i] = g.Clone()
	}
	s.apply(true, func([]database.SourceGroup) ([]database.SourceGroup, bool) {
		return next, true
	})
}

// CreateSourceGroup returns the index of the named group called name,
// creating an empty one at the end if none exists.
func (s *Store) CreateSourceGroup(name string) int {
	idx := -1
	s.apply(true, func(cur []database.SourceGroup) ([]database.SourceGroup, bool) {
		for i, g := range cur {
			if g.IsMultiple && g.Name == name {
				idx = i
				return cur, false
			}
		}
		idx = len(cur)
		return append(slices.Clip(cur), database.NewNamedGroup(name)), true
	})
	return idx
}

// AddSourceToGroup moves sid into the named group at idx, removing it from
// wherever it was. Singleton groups cannot take a second source.
func (s *Store) AddSourceToGroup(idx, sid int) error {
	var err error
	s.apply(true, func(cur []database.SourceGroup) ([]database.SourceGroup, bool) {
		if idx < 0 || idx >= len(cur) {
			err = fmt.Errorf("adding source %d to group %d: %w", sid, idx, ErrGroupIndex)
			return cur, false
		}
		if !cur[idx].IsMultiple {
			err = fmt.Errorf("adding source %d to group %d: %w", sid, idx, ErrNotFolder)
			return cur, false
		}
		return moveInto(cur, idx, sid), true
	})
	return err
}

func moveInto(cur []database.SourceGroup, idx, sid int) []database.SourceGroup {
	next := make([]database.SourceGroup, 0, len(cur))
	for i, g := range cur {
		ng := g.Clone()
		ng.Sids = slices.DeleteFunc(ng.Sids, func(x int) bool { return x == sid })
		if i == idx {
			ng.Sids = append(ng.Sids, sid)
		}
		if ng.IsMultiple || len(ng.Sids) > 0 {
			next = append(next, ng)
		}
	}
	return next
}

// AddSourceToNamedGroup moves sid into the named group called name, creating
// it when missing. Lookup by name keeps concurrent edits from shifting the
// target.
func (s *Store) AddSourceToNamedGroup(name string, sid int) {
	s.apply(true, func(cur []database.SourceGroup) ([]database.SourceGroup, bool) {
		idx := slices.IndexFunc(cur, func(g database.SourceGroup) bool {
			return g.IsMultiple && g.Name == name
		})
		if idx < 0 {
			cur = append(slices.Clip(cur), database.NewNamedGroup(name))
			idx = len(cur) - 1
		}
		return moveInto(cur, idx, sid), true
	})
}

// AddSourceSuccess appends a singleton group for a newly added source.
func (s *Store) AddSourceSuccess(src database.Source) {
	s.apply(true, func(cur []database.SourceGroup) ([]database.SourceGroup, bool) {
		for _, g := range cur {
			if slices.Contains(g.Sids, src.SID) {
				return cur, false
			}
		}
		return append(slices.Clip(cur), database.NewSingletonGroup(src.SID)), true
	})
}

// UpdateSourceGroup replaces the group at idx, e.g. to rename it.
func (s *Store) UpdateSourceGroup(idx int, group database.SourceGroup) error {
	var err error
	s.apply(true, func(cur []database.SourceGroup) ([]database.SourceGroup, bool) {
		if idx < 0 || idx >= len(cur) {
			err = fmt.Errorf("updating group %d: %w", idx, ErrGroupIndex)
			return cur, false
		}
		next := slices.Clone(cur)
		next[idx] = group.Clone()
		return next, true
	})
	return err
}

// ToggleGroupExpansion flips the expanded flag of the group at idx.
func (s *Store) ToggleGroupExpansion(idx int) error {
	var err error
	s.apply(true, func(cur []database.SourceGroup) ([]database.SourceGroup, bool) {
		if idx < 0 || idx >= len(cur) {
			err = fmt.Errorf("toggling group %d: %w", idx, ErrGroupIndex)
			return cur, false
		}
		next := slices.Clone(cur)
		g := cur[idx].Clone()
		g.Expanded = !g.Expanded
		next[idx] = g
		return next, true
	})
	return err
}

// RemoveSourceFromGroup takes sids out of the group at idx. Each removed
// sid becomes a singleton group placed right after it.
func (s *Store) RemoveSourceFromGroup(idx int, sids []int) error {
	var err error
	s.apply(true, func(cur []database.SourceGroup) ([]database.SourceGroup, bool) {
		if idx < 0 || idx >= len(cur) {
			err = fmt.Errorf("removing sources from group %d: %w", idx, ErrGroupIndex)
			return cur, false
		}
		g := cur[idx].Clone()
		var moved []int
		g.Sids = slices.DeleteFunc(g.Sids, func(sid int) bool {
			if slices.Contains(sids, sid) {
				moved = append(moved, sid)
				return true
			}
			return false
		})

		next := make([]database.SourceGroup, 0, len(cur)+len(moved))
		next = append(next, cur[:idx]...)
		if g.IsMultiple || len(g.Sids) > 0 {
			next = append(next, g)
		}
		for _, sid := range moved {
			next = append(next, database.NewSingletonGroup(sid))
		}
		next = append(next, cur[idx+1:]...)
		return next, true
	})
	return err
}

// DeleteSourceGroup dissolves the group at idx; its members become
// singleton groups in its place.
func (s *Store) DeleteSourceGroup(idx int) error {
	var err error
	s.apply(true, func(cur []database.SourceGroup) ([]database.SourceGroup, bool) {
		if idx < 0 || idx >= len(cur) {
			err = fmt.Errorf("deleting group %d: %w", idx, ErrGroupIndex)
			return cur, false
		}
		next := make([]database.SourceGroup, 0, len(cur)+len(cur[idx].Sids))
		next = append(next, cur[:idx]...)
		for _, sid := range cur[idx].Sids {
			next = append(next, database.NewSingletonGroup(sid))
		}
		next = append(next, cur[idx+1:]...)
		return next, true
	})
	return err
}

// DeleteSourceDone removes a deleted source from its group, dropping the
// group if it was a singleton.
func (s *Store) DeleteSourceDone(src database.Source) {
	s.apply(true, func(cur []database.SourceGroup) ([]database.SourceGroup, bool) {
		found := false
		next := make([]database.SourceGroup, 0, len(cur))
		for _, g := range cur {
			if !slices.Contains(g.Sids, src.SID) {
				next = append(next, g)
				continue
			}
			found = true
			ng := g.Clone()
			ng.Sids = slices.DeleteFunc(ng.Sids, func(x int) bool { return x == src.SID })
			if ng.IsMultiple || len(ng.Sids) > 0 {
				next = append(next, ng)
			}
		}
		return next, found
	})
}
