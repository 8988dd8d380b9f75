package accesses

import (
	"errors"
	"fmt"
)

var (
	// ErrAccessNotFound is returned when a token or id matches no live access.
	ErrAccessNotFound = errors.New("access not found")

	// ErrAccessNameTaken is returned when (name, type, deviceName) collides
	// with a non-deleted access.
	ErrAccessNameTaken = errors.New("access name already taken")
)

// InvalidPermissionError reports a malformed permission record or access.
type InvalidPermissionError struct {
	Reason string
}

func (e *InvalidPermissionError) Error() string {
	return fmt.Sprintf("invalid permission: %s", e.Reason)
}

// ForbiddenError reports an operation the evaluated access may not perform.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return e.Reason }
