package register

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrInvalidInvitation is returned when the register rejects the
	// invitation token.
	ErrInvalidInvitation = errors.New("invalid invitation token")

	// ErrUsernameReserved is returned when the username is taken
	// cluster-wide.
	ErrUsernameReserved = errors.New("username is reserved")
)

// DuplicateFieldsError reports uniqueness collisions; Fields maps each
// colliding field to the (sanitised) value.
type DuplicateFieldsError struct {
	Fields map[string]string
}

func (e *DuplicateFieldsError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("duplicate fields: %s", strings.Join(keys, ", "))
}

// UnexpectedStatusError wraps register replies outside the mapped codes.
type UnexpectedStatusError struct {
	Status int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("register replied %d: %s", e.Status, e.Body)
}

// sanitizeDuplicates keeps only reported collisions whose value matches
// what this request actually submitted (or the username itself); anything
// else would leak another user's data and is dropped with a warning.
func sanitizeDuplicates(reported, submitted map[string]string, username string, log zerolog.Logger) map[string]string {
	out := make(map[string]string, len(reported))
	for field, value := range reported {
		if field == "username" && value == username {
			out[field] = value
			continue
		}
		if submitted[field] == value {
			out[field] = value
			continue
		}
		log.Warn().
			Str("field", field).
			Str("username", username).
			Msg("register reported a duplicate not matching this request; dropped")
	}
	return out
}
