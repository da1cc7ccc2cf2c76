// Package store keeps the merged, display-ready entities of one kind in
// memory.  Writes are filtered by version so that updates for an id are
// applied in non-decreasing order regardless of the channel they arrived
// on.  Listeners receive the ids touched by each successful batch.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/restaurant-sync/internal/model"
)

// Origin tells the store where a write came from.  Only remote writes are
// subject to the version check.
type Origin int

const (
	// OriginRemote is a record from a refetch or a push event.
	OriginRemote Origin = iota
	// OriginLocal is the display copy produced by applying an override.
	OriginLocal
	// OriginTerminal is a terminal status validated by the engine, such as
	// a booking auto-completed at write time.
	OriginTerminal
)

// Write pairs an entity with its origin.
type Write struct {
	Entity model.Entity
	Origin Origin
}

// Delta lists the ids affected by one mutation batch.
type Delta struct {
	Added   []string
	Changed []string
	Removed []string
}

// Empty reports whether the delta carries no ids.
func (d Delta) Empty() bool { return len(d.Added)+len(d.Changed)+len(d.Removed) == 0 }

// Listener is invoked synchronously after each successful batch.
type Listener func(Delta)

type entry struct {
	entity   model.Entity
	lastSeen time.Time
}

type subscription struct {
	id int
	fn Listener
}

// Store is an indexed collection of entities of one kind.
type Store struct {
	kind      model.Kind
	retention time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	lmu       sync.Mutex
	listeners []subscription
	nextSub   int
}

// New returns an empty store for kind.  Entries missing from refetch
// batches are dropped once they have not been seen for retention; a
// non-positive retention disables dropping.
func New(kind model.Kind, retention time.Duration) *Store {
	return &Store{kind: kind, retention: retention, entries: make(map[string]*entry)}
}

// Kind returns the entity kind held by the store.
func (s *Store) Kind() model.Kind { return s.kind }

// Accepts reports whether a remote write with version would be applied
// for id.  Unknown ids always accept.
func (s *Store) Accepts(id string, version uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.entries[id]
	return !ok || version > cur.entity.Version
}

// Upsert applies a single write observed at now.  It returns false when
// the write was rejected as stale.
func (s *Store) Upsert(w Write, now time.Time) bool {
	s.mu.Lock()
	var d Delta
	applied := s.applyLocked(w, now, &d)
	s.mu.Unlock()
	s.notify(d)
	return applied
}

// BulkReplace applies writes with the same rule as Upsert, then removes
// entries absent from the batch that were last seen before now minus the
// retention window.  Ids for which retain returns true are never removed.
// It returns the delta that was delivered to listeners.
func (s *Store) BulkReplace(writes []Write, now time.Time, retain func(id string) bool) Delta {
	s.mu.Lock()
	var d Delta
	seen := make(map[string]bool, len(writes))
	for _, w := range writes {
		seen[w.Entity.ID] = true
		s.applyLocked(w, now, &d)
	}
	if s.retention > 0 {
		cutoff := now.Add(-s.retention)
		for id, e := range s.entries {
			if seen[id] || !e.lastSeen.Before(cutoff) {
				continue
			}
			if retain != nil && retain(id) {
				continue
			}
			delete(s.entries, id)
			d.Removed = append(d.Removed, id)
		}
		sort.Strings(d.Removed)
	}
	s.mu.Unlock()
	s.notify(d)
	return d
}

// applyLocked must be called with s.mu held for writing.  Only remote
// writes count as a sighting; a rejected remote write still refreshes it.
func (s *Store) applyLocked(w Write, now time.Time, d *Delta) bool {
	in := w.Entity
	cur, ok := s.entries[in.ID]
	if !ok {
		s.entries[in.ID] = &entry{entity: in.Clone(), lastSeen: now}
		d.Added = append(d.Added, in.ID)
		return true
	}
	if w.Origin == OriginRemote {
		cur.lastSeen = now
	}

	switch w.Origin {
	case OriginRemote:
		if in.Version <= cur.entity.Version {
			return false
		}
	default:
		// local and terminal writes never lower the version
		if in.Version < cur.entity.Version {
			in.Version = cur.entity.Version
		}
	}
	cur.entity = in.Clone()
	d.Changed = append(d.Changed, in.ID)
	return true
}

// Touch notifies listeners that the derived view of ids changed without
// mutating anything.  Unknown ids are ignored.
func (s *Store) Touch(ids ...string) {
	s.mu.RLock()
	var d Delta
	for _, id := range ids {
		if _, ok := s.entries[id]; ok {
			d.Changed = append(d.Changed, id)
		}
	}
	s.mu.RUnlock()
	s.notify(d)
}

// Get returns a copy of the entity stored under id.
func (s *Store) Get(id string) (model.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return model.Entity{}, false
	}
	return e.entity.Clone(), true
}

// Snapshot returns copies of all entities ordered by id.
func (s *Store) Snapshot() []model.Entity {
	s.mu.RLock()
	out := make([]model.Entity, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.entity.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.lmu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners = append(s.listeners, subscription{id: id, fn: fn})
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		for i, sub := range s.listeners {
			if sub.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(d Delta) {
	if d.Empty() {
		return
	}
	s.lmu.Lock()
	subs := make([]subscription, len(s.listeners))
	copy(subs, s.listeners)
	s.lmu.Unlock()
	for _, sub := range subs {
		sub.fn(d)
	}
}
