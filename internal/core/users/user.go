package users

import (
	"regexp"
	"strings"
)

// Usernames are lowercase, digits and inner hyphens, 5 to 60 characters.
var usernameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// User is the account view of one user: the identity pair plus the active
// value of each account stream, keyed by the unprefixed stream id.
type User struct {
	ID       string                 `json:"id"`
	Username string                 `json:"username"`
	Account  map[string]interface{} `json:"-"`
}

// Attribute returns the active account value under the unprefixed stream
// id, or nil when the user has none.
func (u *User) Attribute(streamID string) interface{} {
	if u.Account == nil {
		return nil
	}
	return u.Account[streamID]
}

// NormalizeUsername lowercases and trims a username as received from
// clients; validation happens separately.
func NormalizeUsername(username string) string {
	return strings.TrimSpace(strings.ToLower(username))
}

// ValidateUsername checks the normalized username against the format rules.
func ValidateUsername(username string) error {
	if len(username) < 5 || len(username) > 60 {
		return &InvalidUsernameError{Username: username, Reason: "must be between 5 and 60 characters"}
	}
	if !usernameRegex.MatchString(username) {
		return &InvalidUsernameError{Username: username,
			Reason: "must contain only lowercase letters, digits and hyphens, starting and ending with a letter or digit"}
	}
	return nil
}

// PasswordEntry is one retained password hash.
type PasswordEntry struct {
	Hash      string  `json:"hash"`
	CreatedBy string  `json:"createdBy"`
	Created   float64 `json:"created"`
}
