package model

import "strings"

// Status is a lifecycle state of an order or a booking.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusConfirmed       Status = "CONFIRMED"
	StatusPreparing       Status = "PREPARING"
	StatusReadyForService Status = "READY_FOR_SERVICE"
	StatusServed          Status = "SERVED"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"

	// Booking-only states.  BOOKED and RESERVED are legacy names still
	// emitted by older backends; they behave like PENDING and CONFIRMED.
	StatusBooked   Status = "BOOKED"
	StatusReserved Status = "RESERVED"
	StatusOccupied Status = "OCCUPIED"
)

var orderStatuses = map[Status]bool{
	StatusPending: true, StatusConfirmed: true, StatusPreparing: true,
	StatusReadyForService: true, StatusServed: true, StatusCompleted: true,
	StatusCancelled: true,
}

var bookingStatuses = map[Status]bool{
	StatusPending: true, StatusBooked: true, StatusConfirmed: true,
	StatusReserved: true, StatusOccupied: true, StatusCompleted: true,
	StatusCancelled: true,
}

// ParseStatus normalises s (case-insensitive) to a Status.  It does not
// validate membership; use ValidFor for that.
func ParseStatus(s string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(s)))
}

// ValidFor reports whether s belongs to the state set of kind k.
func (s Status) ValidFor(k Kind) bool {
	switch k {
	case KindOrder:
		return orderStatuses[s]
	case KindBooking:
		return bookingStatuses[s]
	}
	return false
}

// Terminal reports whether no further transition (other than an order's
// SERVED → COMPLETED close-out) is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusServed
}
