package users

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound is returned when a lookup finds no matching user.
	ErrUserNotFound = errors.New("user not found")

	// ErrUsernameTaken is returned when the username is already indexed.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrPasswordReused is returned when a new password matches one of the
	// retained previous hashes.
	ErrPasswordReused = errors.New("password was used recently")

	// ErrWrongPassword is returned when a password check fails.
	ErrWrongPassword = errors.New("wrong password")
)

// InvalidUsernameError reports a username failing the format check.
type InvalidUsernameError struct {
	Username string
	Reason   string
}

func (e *InvalidUsernameError) Error() string {
	return fmt.Sprintf("invalid username %q: %s", e.Username, e.Reason)
}

// WeakPasswordError reports a password outside the configured length or
// complexity bounds.
type WeakPasswordError struct {
	Reason string
}

func (e *WeakPasswordError) Error() string {
	return fmt.Sprintf("password does not meet requirements: %s", e.Reason)
}
