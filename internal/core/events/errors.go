package events

import (
	"errors"
	"fmt"
)

var (
	// ErrEventNotFound is returned when an id matches no live event.
	ErrEventNotFound = errors.New("event not found")
)

// InvalidEventError reports an event violating its own invariants.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event: %s", e.Reason)
}

// ForbiddenAccountEventModification reports an attempt to modify a
// non-editable account stream or to break the active-event invariant.
type ForbiddenAccountEventModification struct {
	StreamID string
	Reason   string
}

func (e *ForbiddenAccountEventModification) Error() string {
	return fmt.Sprintf("forbidden modification of account stream %q: %s", e.StreamID, e.Reason)
}
