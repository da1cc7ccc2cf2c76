package model

import "time"

// Kind tags an entity as an order or a table booking.  Both kinds share
// the same structure; only their status graphs differ.
type Kind string

const (
	KindOrder   Kind = "ORDER"
	KindBooking Kind = "BOOKING"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool { return k == KindOrder || k == KindBooking }

// Collection returns the plural lowercase name used in URLs, ledger
// namespaces and broker routing keys ("orders", "bookings").
func (k Kind) Collection() string {
	switch k {
	case KindOrder:
		return "orders"
	case KindBooking:
		return "bookings"
	}
	return ""
}

// KindFromCollection is the inverse of Collection.  The second result is
// false for unknown names.
func KindFromCollection(s string) (Kind, bool) {
	switch s {
	case "orders":
		return KindOrder, true
	case "bookings":
		return KindBooking, true
	}
	return "", false
}

// DefaultDurationHint is applied to entities whose record carries no
// duration.  Bookings occupy a table for two hours unless told otherwise.
const DefaultDurationHint = 2 * time.Hour

// Entity is an order or a booking as tracked by the synchronization core.
//
// Fields:
//
//	ID           – opaque identifier, stable for the entity's lifetime.
//	Kind         – ORDER or BOOKING.
//	Status       – current lifecycle state.
//	ScheduledAt  – booking time; orders use their creation time.
//	CreatedAt    – creation timestamp.
//	DurationHint – expected occupancy/preparation time.
//	Version      – server-assigned counter, increases on every change.
//	Fields       – display attributes passed through untouched.
type Entity struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	CreatedAt    time.Time      `json:"created_at"`
	DurationHint time.Duration  `json:"-"`
	Version      uint64         `json:"version"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Deadline is the instant after which a non-terminal booking counts as
// completed.  A zero ScheduledAt falls back to CreatedAt.
func (e Entity) Deadline() time.Time {
	start := e.ScheduledAt
	if start.IsZero() {
		start = e.CreatedAt
	}
	d := e.DurationHint
	if d <= 0 {
		d = DefaultDurationHint
	}
	return start.Add(d)
}

// Clone returns a copy whose Fields map can be mutated without touching e.
func (e Entity) Clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
