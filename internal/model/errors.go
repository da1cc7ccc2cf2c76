// Package model holds the entity types shared by every layer of the
// synchronization service together with the error taxonomy.  Sentinel
// values let callers such as HTTP handlers tell failure scenarios apart
// with errors.Is; wrapped errors keep their cause.
package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is matched by *InvalidTransitionError.  It is a
	// local validation failure and never reaches the store.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrStaleUpdate marks an incoming record whose version is not newer
	// than the stored one.  Such updates are dropped silently.
	ErrStaleUpdate = errors.New("stale update")

	// ErrRemoteCallFailed wraps any failure of a backend call (fetch or
	// transition).
	ErrRemoteCallFailed = errors.New("remote call failed")

	// ErrPushChannelLost is returned once the push consumer has exhausted
	// its reconnect budget.
	ErrPushChannelLost = errors.New("push channel lost")

	// ErrNotFound is returned for ids the store has never seen.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidEvent marks a push payload that failed shape validation.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidField rejects a field action on the status field or on an
	// empty field name.
	ErrInvalidField = errors.New("invalid field")
)

// InvalidTransitionError reports the current and the requested status of
// a rejected transition.
type InvalidTransitionError struct {
	ID   string
	Kind Kind
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s %s: %s -> %s", e.Kind, e.ID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
