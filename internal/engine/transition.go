// Package engine evaluates the lifecycle state machine of orders and
// bookings.  It is pure: no call mutates its arguments, and the same
// (entity, now) pair always yields the same answer.  The transition tables
// are expressed as looplab/fsm event descriptions; a throwaway FSM seeded
// with the entity's status answers "is this edge legal" for each request.
package engine

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"github.com/iliyamo/restaurant-sync/internal/model"
)

// Engine holds the transition tables and the default duration used when a
// booking carries no duration hint.
type Engine struct {
	defaultDuration time.Duration
	tables          map[model.Kind][]fsm.EventDesc
}

// New builds an Engine.  A non-positive defaultDuration falls back to
// model.DefaultDurationHint.
func New(defaultDuration time.Duration) *Engine {
	if defaultDuration <= 0 {
		defaultDuration = model.DefaultDurationHint
	}
	return &Engine{
		defaultDuration: defaultDuration,
		tables: map[model.Kind][]fsm.EventDesc{
			model.KindOrder:   orderTable(),
			model.KindBooking: bookingTable(),
		},
	}
}

func eventFor(target model.Status) string { return "to_" + string(target) }

func edge(dst model.Status, src ...model.Status) fsm.EventDesc {
	s := make([]string, len(src))
	for i, v := range src {
		s[i] = string(v)
	}
	return fsm.EventDesc{Name: eventFor(dst), Src: s, Dst: string(dst)}
}

func orderTable() []fsm.EventDesc {
	return []fsm.EventDesc{
		edge(model.StatusConfirmed, model.StatusPending),
		edge(model.StatusPreparing, model.StatusConfirmed),
		edge(model.StatusReadyForService, model.StatusPreparing),
		edge(model.StatusServed, model.StatusReadyForService),
		edge(model.StatusCompleted, model.StatusServed),
		edge(model.StatusCancelled,
			model.StatusPending, model.StatusConfirmed, model.StatusPreparing, model.StatusReadyForService),
	}
}

func bookingTable() []fsm.EventDesc {
	return []fsm.EventDesc{
		edge(model.StatusConfirmed, model.StatusPending, model.StatusBooked),
		edge(model.StatusReserved, model.StatusPending, model.StatusBooked),
		edge(model.StatusOccupied, model.StatusConfirmed, model.StatusReserved),
		edge(model.StatusCompleted, model.StatusConfirmed, model.StatusReserved, model.StatusOccupied),
		edge(model.StatusCancelled,
			model.StatusPending, model.StatusBooked, model.StatusConfirmed, model.StatusReserved, model.StatusOccupied),
	}
}

func (e *Engine) durationOf(ent model.Entity) time.Duration {
	if ent.DurationHint > 0 {
		return ent.DurationHint
	}
	return e.defaultDuration
}

// EffectiveStatus returns the status ent should be displayed with at now.
// A non-terminal booking whose scheduled slot plus duration has elapsed
// reads as COMPLETED.  Orders are never auto-completed.  The stored status
// is untouched.
func (e *Engine) EffectiveStatus(ent model.Entity, now time.Time) model.Status {
	if ent.Kind != model.KindBooking || ent.Status.Terminal() {
		return ent.Status
	}
	start := ent.ScheduledAt
	if start.IsZero() {
		start = ent.CreatedAt
	}
	if start.IsZero() {
		return ent.Status
	}
	if now.After(start.Add(e.durationOf(ent))) {
		return model.StatusCompleted
	}
	return ent.Status
}

// Normalize commits the effective status into a copy of ent.  The boolean
// reports whether an auto-transition happened.
func (e *Engine) Normalize(ent model.Entity, now time.Time) (model.Entity, bool) {
	eff := e.EffectiveStatus(ent, now)
	if eff == ent.Status {
		return ent, false
	}
	out := ent.Clone()
	out.Status = eff
	return out, true
}

// CanTransition reports whether target is reachable in one step from the
// current status of a kind.
func (e *Engine) CanTransition(kind model.Kind, current, target model.Status) bool {
	table, ok := e.tables[kind]
	if !ok || !current.ValidFor(kind) || !target.ValidFor(kind) {
		return false
	}
	machine := fsm.NewFSM(string(current), table, fsm.Callbacks{})
	return machine.Can(eventFor(target))
}

// RequestTransition validates an explicit transition and returns the
// entity with its new status.  Cancellation is checked against the stored
// status so that a user's cancel wins over a time-derived completion; every
// other target is checked against the effective status at now.  On failure
// the returned error is an *InvalidTransitionError and ent is returned
// unchanged.
func (e *Engine) RequestTransition(ent model.Entity, target model.Status, now time.Time) (model.Entity, error) {
	from := ent.Status
	if target != model.StatusCancelled {
		from = e.EffectiveStatus(ent, now)
	}
	invalid := &model.InvalidTransitionError{ID: ent.ID, Kind: ent.Kind, From: from, To: target}
	if !e.CanTransition(ent.Kind, from, target) {
		return ent, invalid
	}

	machine := fsm.NewFSM(string(from), e.tables[ent.Kind], fsm.Callbacks{})
	if err := machine.Event(context.Background(), eventFor(target)); err != nil {
		return ent, invalid
	}
	out := ent.Clone()
	out.Status = model.Status(machine.Current())
	return out, nil
}
