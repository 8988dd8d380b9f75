package systemstreams

import (
	"errors"
	"fmt"
)

// Catalogue build failures are fatal: the process must refuse to serve with
// an invalid catalogue.

var (
	// ErrDuplicateStreamID is returned when two catalogue entries collide,
	// with or without their prefix.
	ErrDuplicateStreamID = errors.New("duplicate system stream id")

	// ErrUnknownStream is returned by lookups for ids absent from the
	// catalogue.
	ErrUnknownStream = errors.New("unknown system stream")
)

// InvalidStreamError reports a catalogue entry that fails schema validation.
type InvalidStreamError struct {
	ID     string
	Reason string
}

func (e *InvalidStreamError) Error() string {
	return fmt.Sprintf("invalid system stream %q: %s", e.ID, e.Reason)
}

// InvalidCustomStreamError reports a customer stream violating the "other"
// placement constraints.
type InvalidCustomStreamError struct {
	ID     string
	Reason string
}

func (e *InvalidCustomStreamError) Error() string {
	return fmt.Sprintf("invalid custom stream %q: %s", e.ID, e.Reason)
}
