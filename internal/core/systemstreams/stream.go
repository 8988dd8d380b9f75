// Package systemstreams builds the immutable catalogue of reserved and
// customer-declared system streams. Account attributes (username, email,
// language, ...) are not rows of their own: they are events attached to the
// streams declared here, and every downstream rule about indexing,
// uniqueness, visibility and editability of account data derives from this
// catalogue.
package systemstreams

import (
	"regexp"
	"strings"
	"time"
)

// Now returns the current time as a unix timestamp in seconds, the
// resolution every stored timestamp uses.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

const (
	// ReservedPrefix marks built-in system streams.
	ReservedPrefix = ":_system:"
	// CustomerPrefix marks operator-declared system streams.
	CustomerPrefix = ":system:"

	// ActiveMarker tags the authoritative event of a unique or indexed
	// account stream.
	ActiveMarker = ".active"
	// UniqueMarker tags events whose value participates in cluster-wide
	// uniqueness.
	UniqueMarker = ".unique"

	// UnknownDate is the sentinel creation/modification time for catalogue
	// entries, which exist "since forever".
	UnknownDate float64 = 10000000.00000001

	systemUser = "system"
)

// TypeRegexp constrains stored event types: "<class>/<format>".
var TypeRegexp = regexp.MustCompile(`^[a-z0-9-]+/[a-z0-9-]+$`)

// SystemStream is one node of the catalogue tree.
type SystemStream struct {
	ID                     string          `json:"id"`
	Name                   string          `json:"name"`
	Type                   string          `json:"type"`
	ParentID               string          `json:"parentId,omitempty"`
	Children               []*SystemStream `json:"children,omitempty"`
	Default                interface{}     `json:"default,omitempty"`
	IsIndexed              bool            `json:"isIndexed"`
	IsUnique               bool            `json:"isUnique"`
	IsShown                bool            `json:"isShown"`
	IsEditable             bool            `json:"isEditable"`
	IsRequiredInValidation bool            `json:"isRequiredInValidation"`
	RegexValidation        string          `json:"regexValidation,omitempty"`
	Created                float64         `json:"created"`
	CreatedBy              string          `json:"createdBy"`
	Modified               float64         `json:"modified"`
	ModifiedBy             string          `json:"modifiedBy"`
}

// IsPrefixed reports whether id already carries a system prefix.
func IsPrefixed(id string) bool {
	return strings.HasPrefix(id, ReservedPrefix) || strings.HasPrefix(id, CustomerPrefix)
}

// EnsureReservedPrefix prefixes id with ReservedPrefix exactly once.
func EnsureReservedPrefix(id string) string {
	if IsPrefixed(id) {
		return id
	}
	return ReservedPrefix + id
}

// EnsureCustomerPrefix prefixes id with CustomerPrefix exactly once.
func EnsureCustomerPrefix(id string) string {
	if IsPrefixed(id) {
		return id
	}
	return CustomerPrefix + id
}

// WithoutPrefix strips either system prefix from id.
func WithoutPrefix(id string) string {
	if s, ok := strings.CutPrefix(id, ReservedPrefix); ok {
		return s
	}
	if s, ok := strings.CutPrefix(id, CustomerPrefix); ok {
		return s
	}
	return id
}

// IsMarker reports whether id is one of the helper marker streams.
// Markers are deliberately unprefixed: they tag events, they never hold
// account values themselves.
func IsMarker(id string) bool {
	return id == ActiveMarker || id == UniqueMarker
}
