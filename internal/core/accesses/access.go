// Package accesses holds the capability-token model: the persisted Access
// record, its permission list, and the in-memory evaluator answering the
// can* questions method handlers ask.
package accesses

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the three access kinds.
type Type string

const (
	TypePersonal Type = "personal"
	TypeApp      Type = "app"
	TypeShared   Type = "shared"
)

// Level is a permission level on a stream or tag.
type Level string

const (
	LevelNone       Level = "none"
	LevelRead       Level = "read"
	LevelCreateOnly Level = "create-only"
	LevelContribute Level = "contribute"
	LevelManage     Level = "manage"
)

// rank orders levels. create-only shares contribute's rank; its narrower
// semantics (no read, no update, no delete) are handled by the predicates,
// not the ordering.
func (l Level) rank() int {
	switch l {
	case LevelNone:
		return -1
	case LevelRead:
		return 0
	case LevelCreateOnly, LevelContribute:
		return 1
	case LevelManage:
		return 2
	}
	return -1
}

// AtLeast reports whether l grants at least the rank of other.
func (l Level) AtLeast(other Level) bool { return l.rank() >= other.rank() }

// Valid reports whether l is one of the five levels.
func (l Level) Valid() bool {
	switch l {
	case LevelNone, LevelRead, LevelCreateOnly, LevelContribute, LevelManage:
		return true
	}
	return false
}

// Feature names the non-stream capabilities an access may carry.
type Feature string

const (
	FeatureSelfRevoke    Feature = "selfRevoke"
	FeatureSelfAudit     Feature = "selfAudit"
	FeatureForcedStreams Feature = "forcedStreams"
)

// SettingForbidden disables a feature for this access and its descendants.
const SettingForbidden = "forbidden"

// Permission is one capability record: a stream grant, a tag grant, or a
// feature toggle.
type Permission interface {
	permission()
	Validate() error
}

// StreamPermission grants a level on a stream subtree.
type StreamPermission struct {
	StreamID string `json:"streamId"`
	Level    Level  `json:"level"`
}

func (StreamPermission) permission() {}

func (p StreamPermission) Validate() error {
	if p.StreamID == "" {
		return &InvalidPermissionError{Reason: "streamId is required"}
	}
	if !p.Level.Valid() {
		return &InvalidPermissionError{Reason: fmt.Sprintf("unknown level %q", p.Level)}
	}
	return nil
}

// TagPermission grants a level on events carrying a tag.
type TagPermission struct {
	Tag   string `json:"tag"`
	Level Level  `json:"level"`
}

func (TagPermission) permission() {}

func (p TagPermission) Validate() error {
	if p.Tag == "" {
		return &InvalidPermissionError{Reason: "tag is required"}
	}
	if !p.Level.Valid() {
		return &InvalidPermissionError{Reason: fmt.Sprintf("unknown level %q", p.Level)}
	}
	return nil
}

// FeaturePermission toggles a feature. selfRevoke and selfAudit carry a
// setting; forcedStreams carries the stream list appended to every created
// event.
type FeaturePermission struct {
	Feature Feature  `json:"feature"`
	Setting string   `json:"setting,omitempty"`
	Streams []string `json:"streams,omitempty"`
}

func (FeaturePermission) permission() {}

func (p FeaturePermission) Validate() error {
	switch p.Feature {
	case FeatureSelfRevoke, FeatureSelfAudit:
		if p.Setting != "" && p.Setting != SettingForbidden {
			return &InvalidPermissionError{Reason: fmt.Sprintf("unknown setting %q for %s", p.Setting, p.Feature)}
		}
	case FeatureForcedStreams:
		if len(p.Streams) == 0 {
			return &InvalidPermissionError{Reason: "forcedStreams requires a non-empty streams list"}
		}
	default:
		return &InvalidPermissionError{Reason: fmt.Sprintf("unknown feature %q", p.Feature)}
	}
	return nil
}

// Permissions is the ordered permission list of one access.
type Permissions []Permission

// UnmarshalJSON dispatches each record on its discriminating key.
func (ps *Permissions) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Permissions, 0, len(raws))
	for _, raw := range raws {
		var probe struct {
			StreamID *string `json:"streamId"`
			Tag      *string `json:"tag"`
			Feature  *string `json:"feature"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return err
		}
		var p Permission
		switch {
		case probe.StreamID != nil:
			var sp StreamPermission
			if err := json.Unmarshal(raw, &sp); err != nil {
				return err
			}
			p = sp
		case probe.Tag != nil:
			var tp TagPermission
			if err := json.Unmarshal(raw, &tp); err != nil {
				return err
			}
			p = tp
		case probe.Feature != nil:
			var fp FeaturePermission
			if err := json.Unmarshal(raw, &fp); err != nil {
				return err
			}
			p = fp
		default:
			return &InvalidPermissionError{Reason: "permission must carry streamId, tag or feature"}
		}
		if err := p.Validate(); err != nil {
			return err
		}
		out = append(out, p)
	}
	*ps = out
	return nil
}

// Validate checks every record.
func (ps Permissions) Validate() error {
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Access is the persisted capability token record.
type Access struct {
	ID          string         `json:"id"`
	Token       string         `json:"token,omitempty"`
	Type        Type           `json:"type"`
	Name        string         `json:"name"`
	DeviceName  string         `json:"deviceName,omitempty"`
	Permissions Permissions    `json:"permissions,omitempty"`
	Calls       map[string]int `json:"calls,omitempty"`
	Created     float64        `json:"created"`
	CreatedBy   string         `json:"createdBy"`
	Modified    float64        `json:"modified"`
	ModifiedBy  string         `json:"modifiedBy"`
	Expires     *float64       `json:"expires,omitempty"`
	Deleted     *float64       `json:"deleted,omitempty"`
	Integrity   string         `json:"integrity,omitempty"`
}

// IsPersonal reports whether a is the user's own full-power token.
func (a *Access) IsPersonal() bool { return a.Type == TypePersonal }

// IsExpired reports whether a carries an expiry in the past of now
// (seconds since epoch).
func (a *Access) IsExpired(now float64) bool {
	return a.Expires != nil && *a.Expires < now
}

// Validate checks the record's own invariants (not authority — see
// Logic.CanCreateAccess for that).
func (a *Access) Validate() error {
	switch a.Type {
	case TypePersonal, TypeApp, TypeShared:
	default:
		return &InvalidPermissionError{Reason: fmt.Sprintf("unknown access type %q", a.Type)}
	}
	if a.Type != TypePersonal && a.Name == "" {
		return &InvalidPermissionError{Reason: "name is required"}
	}
	if a.Type != TypeApp && a.DeviceName != "" {
		return &InvalidPermissionError{Reason: "deviceName is only allowed on app accesses"}
	}
	return a.Permissions.Validate()
}
