// Package queue defines the payloads received from and published to the
// message broker, and the consumer that listens to the entity change
// stream.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/restaurant-sync/internal/model"
)

// Routing keys of the entity change stream.
const (
	RoutingKeyOrderChanged   = "order.changed"
	RoutingKeyBookingChanged = "booking.changed"
)

// RoutingKey returns the change routing key of kind.
func RoutingKey(kind model.Kind) string {
	if kind == model.KindBooking {
		return RoutingKeyBookingChanged
	}
	return RoutingKeyOrderChanged
}

// EntityRecord is the wire form of an order or booking as served by the
// backend, both in fetch responses and inside push events.
type EntityRecord struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind,omitempty"`
	Status          string         `json:"status"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	CreatedAt       *time.Time     `json:"created_at,omitempty"`
	DurationMinutes int            `json:"duration_minutes,omitempty"`
	Version         uint64         `json:"version"`
	Fields          map[string]any `json:"fields,omitempty"`
}

// ToEntity validates r as a record of kind and converts it.  A record
// with no kind is assumed to be of kind.  Every failure wraps
// model.ErrInvalidEvent.
func (r EntityRecord) ToEntity(kind model.Kind) (model.Entity, error) {
	if strings.TrimSpace(r.ID) == "" {
		return model.Entity{}, fmt.Errorf("%w: missing id", model.ErrInvalidEvent)
	}
	if r.Kind != "" && model.Kind(strings.ToUpper(r.Kind)) != kind {
		return model.Entity{}, fmt.Errorf("%w: %s has kind %q, want %s", model.ErrInvalidEvent, r.ID, r.Kind, kind)
	}
	status := model.ParseStatus(r.Status)
	if !status.ValidFor(kind) {
		return model.Entity{}, fmt.Errorf("%w: %s has status %q not valid for %s", model.ErrInvalidEvent, r.ID, r.Status, kind)
	}
	if r.DurationMinutes < 0 {
		return model.Entity{}, fmt.Errorf("%w: %s has negative duration", model.ErrInvalidEvent, r.ID)
	}

	e := model.Entity{
		ID:           r.ID,
		Kind:         kind,
		Status:       status,
		DurationHint: time.Duration(r.DurationMinutes) * time.Minute,
		Version:      r.Version,
		Fields:       r.Fields,
	}
	if r.CreatedAt != nil {
		e.CreatedAt = r.CreatedAt.UTC()
	}
	if r.ScheduledAt != nil {
		e.ScheduledAt = r.ScheduledAt.UTC()
	} else if kind == model.KindOrder {
		e.ScheduledAt = e.CreatedAt
	}
	return e, nil
}

// RecordFrom is the inverse of ToEntity.
func RecordFrom(e model.Entity) EntityRecord {
	r := EntityRecord{
		ID:              e.ID,
		Kind:            string(e.Kind),
		Status:          string(e.Status),
		DurationMinutes: int(e.DurationHint / time.Minute),
		Version:         e.Version,
		Fields:          e.Fields,
	}
	if !e.ScheduledAt.IsZero() {
		t := e.ScheduledAt
		r.ScheduledAt = &t
	}
	if !e.CreatedAt.IsZero() {
		t := e.CreatedAt
		r.CreatedAt = &t
	}
	return r
}

// EntityChangedEvent is published by the backend whenever an order or a
// booking changes.  Delivery is at-least-once and unordered, so EventID
// is informational only; ordering relies on Entity.Version.
type EntityChangedEvent struct {
	EventID string       `json:"event_id"`
	Kind    string       `json:"kind"`
	Entity  EntityRecord `json:"entity"`
}

// DecodeEntityChanged parses and validates a push payload for kind.
func DecodeEntityChanged(body []byte, kind model.Kind) (EntityChangedEvent, model.Entity, error) {
	var ev EntityChangedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, model.Entity{}, fmt.Errorf("%w: unmarshal: %v", model.ErrInvalidEvent, err)
	}
	if ev.Kind != "" && model.Kind(strings.ToUpper(ev.Kind)) != kind {
		return ev, model.Entity{}, fmt.Errorf("%w: event kind %q, want %s", model.ErrInvalidEvent, ev.Kind, kind)
	}
	ent, err := ev.Entity.ToEntity(kind)
	return ev, ent, err
}

// OutOfSyncAlert is published when an optimistic user action could not be
// confirmed by the backend after its retry.
type OutOfSyncAlert struct {
	AlertID  string    `json:"alert_id"`
	Kind     string    `json:"kind"`
	EntityID string    `json:"entity_id"`
	Field    string    `json:"field"`
	Value    any       `json:"value"`
	Reason   string    `json:"reason"`
	RaisedAt time.Time `json:"raised_at"`
}
