// Package events holds the timestamped-fact model at the heart of the API:
// typed events attached to streams, with versioning (history rows), soft
// deletion (tombstones) and the query model the store compiles to SQL.
package events

import (
	"github.com/google/uuid"

	"Strata/internal/core/systemstreams"
)

// UniversalTag terminates every stored streamIds list. A query for it
// matches every live event ("match-all" trick of the full-text index).
const UniversalTag = ".."

// Attachment describes one file attached to an event. Byte storage is an
// external collaborator; only the metadata lives here.
type Attachment struct {
	ID        string `json:"id"`
	FileName  string `json:"fileName"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	ReadToken string `json:"readToken,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// Event is one timestamped typed fact. A record with HeadID set is a frozen
// past version of the event HeadID points to; a record without is the live
// event.
type Event struct {
	ID          string                 `json:"id"`
	StreamIDs   []string               `json:"streamIds"`
	Type        string                 `json:"type"`
	Content     interface{}            `json:"content,omitempty"`
	Time        float64                `json:"time"`
	EndTime     *float64               `json:"endTime,omitempty"`
	Description string                 `json:"description,omitempty"`
	Attachments []Attachment           `json:"attachments,omitempty"`
	ClientData  map[string]interface{} `json:"clientData,omitempty"`
	Trashed     bool                   `json:"trashed,omitempty"`
	Deleted     *float64               `json:"deleted,omitempty"`
	HeadID      string                 `json:"headId,omitempty"`
	Integrity   string                 `json:"integrity,omitempty"`
	Created     float64                `json:"created"`
	CreatedBy   string                 `json:"createdBy"`
	Modified    float64                `json:"modified"`
	ModifiedBy  string                 `json:"modifiedBy"`
}

// IsHistory reports whether e is a frozen past version.
func (e *Event) IsHistory() bool { return e.HeadID != "" }

// IsRunning reports whether e has no end time yet.
func (e *Event) IsRunning() bool { return e.EndTime == nil }

// HasStream reports whether id appears in StreamIDs.
func (e *Event) HasStream(id string) bool {
	for _, s := range e.StreamIDs {
		if s == id {
			return true
		}
	}
	return false
}

// AccountStreamID returns the single account stream e is attached to, if
// any. Markers and non-account streams are skipped.
func (e *Event) AccountStreamID(cat *systemstreams.Catalogue) (string, bool) {
	for _, s := range e.StreamIDs {
		if systemstreams.IsMarker(s) {
			continue
		}
		if cat.IsAccountStream(s) {
			return s, true
		}
	}
	return "", false
}

// AccountStreamCount counts distinct account streams in StreamIDs; account
// events must reference exactly one.
func (e *Event) AccountStreamCount(cat *systemstreams.Catalogue) int {
	n := 0
	for _, s := range e.StreamIDs {
		if !systemstreams.IsMarker(s) && cat.IsAccountStream(s) {
			n++
		}
	}
	return n
}

// Snapshot returns a history copy of e frozen under headID. The copy gets
// its own id: event ids are unique across live and history rows, only
// HeadID links the version back to its head.
func (e *Event) Snapshot(headID string) *Event {
	clone := *e
	clone.ID = uuid.NewString()
	clone.HeadID = headID
	clone.StreamIDs = append([]string(nil), e.StreamIDs...)
	clone.Attachments = append([]Attachment(nil), e.Attachments...)
	return &clone
}
