// Package ledger keeps the locally applied field overrides of one entity
// kind.  An override is the optimistic answer to a user action: it patches
// server data before display until a newer server record proves that the
// backend has caught up, at which point the override is reconciled away.
//
// Overrides live in memory and are written through to a Persister so that
// they survive a restart.  Persistence is best effort.  A failed write is
// logged, the override stays in memory for the session and the ledger
// reports itself degraded.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-sync/internal/model"
)

// Persister stores the override set of each entity.  Save replaces the
// whole set for entityID; Delete removes it.  Implementations must be safe
// for concurrent use.
type Persister interface {
	Save(ctx context.Context, entityID string, overrides []model.Override) error
	Delete(ctx context.Context, entityID string) error
	LoadAll(ctx context.Context) (map[string][]model.Override, error)
}

// Ledger is the override table of one entity kind.  A nil persister keeps
// overrides for the lifetime of the process only.
type Ledger struct {
	persister Persister
	log       *zap.SugaredLogger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]map[string]model.Override

	degraded atomic.Bool
}

// New returns an empty ledger.  log may be nil.
func New(persister Persister, log *zap.SugaredLogger) *Ledger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{
		persister: persister,
		log:       log,
		now:       time.Now,
		entries:   make(map[string]map[string]model.Override),
	}
}

// Load replays persisted overrides into memory.  Entries already present
// in memory win over persisted ones.
func (l *Ledger) Load(ctx context.Context) error {
	if l.persister == nil {
		return nil
	}
	all, err := l.persister.LoadAll(ctx)
	if err != nil {
		l.degraded.Store(true)
		l.log.Warnw("loading persisted overrides failed", "error", err)
		return fmt.Errorf("load overrides: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, list := range all {
		fields := l.entries[id]
		if fields == nil {
			fields = make(map[string]model.Override, len(list))
			l.entries[id] = fields
		}
		for _, o := range list {
			if _, ok := fields[o.Field]; ok {
				continue
			}
			o.EntityID = id
			fields[o.Field] = o
			n++
		}
	}
	l.log.Infow("overrides restored", "entities", len(all), "overrides", n)
	return nil
}

// Set records value for (id, field) against the server version the user
// acted on.  The last write per field wins.  Set returns immediately; a
// persistence failure only marks the ledger degraded.
func (l *Ledger) Set(ctx context.Context, id, field string, value any, atVersion uint64) {
	l.mu.Lock()
	fields := l.entries[id]
	if fields == nil {
		fields = make(map[string]model.Override)
		l.entries[id] = fields
	}
	fields[field] = model.Override{
		EntityID:          id,
		Field:             field,
		Value:             value,
		RecordedAtVersion: atVersion,
		RecordedAt:        l.now().UTC(),
	}
	list := sortedList(fields)
	l.mu.Unlock()

	l.persist(ctx, id, list)
}

// Get returns a copy of the overrides recorded for id, keyed by field.
// The map is empty when there are none.
func (l *Ledger) Get(id string) map[string]model.Override {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]model.Override, len(l.entries[id]))
	for f, o := range l.entries[id] {
		out[f] = o
	}
	return out
}

// Has reports whether id has at least one pending override.
func (l *Ledger) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries[id]) > 0
}

// Fields returns the sorted names of the overridden fields of id.
func (l *Ledger) Fields(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.entries[id]))
	for f := range l.entries[id] {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Count returns the total number of pending overrides.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, fields := range l.entries {
		n += len(fields)
	}
	return n
}

// Degraded reports whether a persistence call has failed since start.
func (l *Ledger) Degraded() bool { return l.degraded.Load() }

// Reconcile drops the (id, field) override when the authoritative source
// has moved past it: either atVersion is newer than the version the
// override was recorded against, or it is not older and already carries
// the overridden value.  It reports whether the override was removed.
func (l *Ledger) Reconcile(ctx context.Context, id, field string, authoritative any, atVersion uint64) bool {
	l.mu.Lock()
	o, ok := l.entries[id][field]
	if !ok || !supersedes(o, authoritative, atVersion) {
		l.mu.Unlock()
		return false
	}
	list := l.removeLocked(id, field)
	l.mu.Unlock()

	l.persist(ctx, id, list)
	return true
}

// ReconcileEntity reconciles every override of ent.ID against ent.  The
// status override is compared with ent.Status, all others with
// ent.Fields.  It returns the removed field names.
func (l *Ledger) ReconcileEntity(ctx context.Context, ent model.Entity) []string {
	l.mu.Lock()
	var removed []string
	var list []model.Override
	for field, o := range l.entries[ent.ID] {
		if supersedes(o, authoritativeValue(ent, field), ent.Version) {
			removed = append(removed, field)
		}
	}
	for _, field := range removed {
		list = l.removeLocked(ent.ID, field)
	}
	l.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	sort.Strings(removed)
	l.log.Debugw("overrides reconciled", "id", ent.ID, "fields", removed, "version", ent.Version)
	l.persist(ctx, ent.ID, list)
	return removed
}

// ApplyOverrides returns a copy of ent patched with its pending overrides.
// It never mutates ent.
func (l *Ledger) ApplyOverrides(ent model.Entity) model.Entity {
	l.mu.RLock()
	fields := l.entries[ent.ID]
	if len(fields) == 0 {
		l.mu.RUnlock()
		return ent
	}
	out := ent.Clone()
	for field, o := range fields {
		if field == model.FieldStatus {
			out.Status = statusOf(o.Value)
			continue
		}
		if out.Fields == nil {
			out.Fields = make(map[string]any, len(fields))
		}
		out.Fields[field] = o.Value
	}
	l.mu.RUnlock()
	return out
}

// removeLocked must be called with l.mu held.  It returns the remaining
// overrides of id.
func (l *Ledger) removeLocked(id, field string) []model.Override {
	fields := l.entries[id]
	delete(fields, field)
	if len(fields) == 0 {
		delete(l.entries, id)
		return nil
	}
	return sortedList(fields)
}

func (l *Ledger) persist(ctx context.Context, id string, list []model.Override) {
	if l.persister == nil {
		return
	}
	var err error
	if len(list) == 0 {
		err = l.persister.Delete(ctx, id)
	} else {
		err = l.persister.Save(ctx, id, list)
	}
	if err != nil {
		l.degraded.Store(true)
		l.log.Warnw("override persistence failed, keeping in memory", "id", id, "error", err)
	}
}

func supersedes(o model.Override, authoritative any, atVersion uint64) bool {
	if atVersion > o.RecordedAtVersion {
		return true
	}
	return atVersion >= o.RecordedAtVersion && sameValue(o.Value, authoritative)
}

// sameValue compares by printed form so that values restored from JSON
// (float64, string) match their typed originals (int, model.Status).
func sameValue(a, b any) bool { return fmt.Sprint(a) == fmt.Sprint(b) }

func authoritativeValue(ent model.Entity, field string) any {
	if field == model.FieldStatus {
		return ent.Status
	}
	return ent.Fields[field]
}

func statusOf(v any) model.Status {
	switch s := v.(type) {
	case model.Status:
		return s
	case string:
		return model.ParseStatus(s)
	}
	return model.ParseStatus(fmt.Sprint(v))
}

func sortedList(fields map[string]model.Override) []model.Override {
	list := make([]model.Override, 0, len(fields))
	for _, o := range fields {
		list = append(list, o)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Field < list[j].Field })
	return list
}
