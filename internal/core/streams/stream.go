// Package streams holds the per-user stream tree outside the system
// catalogue: plain hierarchical containers events attach to.
package streams

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStreamNotFound is returned when an id matches no stream.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamExists is returned on id collisions.
	ErrStreamExists = errors.New("stream already exists")
)

// InvalidStreamIDError reports a stream id failing the format or
// reserved-word check.
type InvalidStreamIDError struct {
	ID     string
	Reason string
}

func (e *InvalidStreamIDError) Error() string {
	return fmt.Sprintf("invalid stream id %q: %s", e.ID, e.Reason)
}

// Stream is one node of a user's stream tree.
type Stream struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	ParentID   string                 `json:"parentId,omitempty"`
	ClientData map[string]interface{} `json:"clientData,omitempty"`
	Trashed    bool                   `json:"trashed,omitempty"`
	Created    float64                `json:"created"`
	CreatedBy  string                 `json:"createdBy"`
	Modified   float64                `json:"modified"`
	ModifiedBy string                 `json:"modifiedBy"`
}

// Repository persists one user's stream tree.
type Repository interface {
	Create(ctx context.Context, userID string, s *Stream) error
	Get(ctx context.Context, userID, id string) (*Stream, error)
	GetAll(ctx context.Context, userID string) ([]*Stream, error)
	Update(ctx context.Context, userID string, s *Stream) error
	Delete(ctx context.Context, userID, id string) error
	DeleteAll(ctx context.Context, userID string) error
	// Ancestors returns the parent chain of id, nearest first.
	Ancestors(ctx context.Context, userID, id string) ([]string, error)
}
