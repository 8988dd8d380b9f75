package events

import "context"

// Iterator is a pull-based, finite, non-restartable cursor over events.
// The caller owns back-pressure and must Close it.
type Iterator interface {
	// Next advances the cursor; false means exhaustion or error.
	Next() bool
	// Event returns the current event; valid until the next call to Next.
	Event() *Event
	// Err reports the first error encountered, if any.
	Err() error
	Close() error
}

// Repository persists and queries one user's events. Implementations
// serialize writes per user; reads are concurrent.
type Repository interface {
	Create(ctx context.Context, userID string, e *Event) error

	GetOne(ctx context.Context, userID, id string) (*Event, error)

	// Get lists live events matching the query (deleted and history rows
	// implicitly excluded).
	Get(ctx context.Context, userID string, q Query) ([]*Event, error)

	// GetStreamed is Get as a lazy cursor, for large result sets.
	GetStreamed(ctx context.Context, userID string, q Query) (Iterator, error)

	// Update rewrites every non-key column; exactly one row must match.
	Update(ctx context.Context, userID string, e *Event) error

	// AddHistory freezes a pre-image: snapshot.HeadID must be set.
	AddHistory(ctx context.Context, userID string, snapshot *Event) error

	// GetHistory returns the frozen versions of an event, oldest first.
	GetHistory(ctx context.Context, userID, headID string) ([]*Event, error)

	// Tombstone marks the event deleted and collapses its streamIds to the
	// universal tag.
	Tombstone(ctx context.Context, userID, id string, deletedAt float64) error

	// DeleteMany physically deletes matching rows (TTL cleanup, user
	// deletion, test fixtures). With a stream match present it iterates ids
	// and deletes row by row.
	DeleteMany(ctx context.Context, userID string, q Query) (int64, error)

	// MinimizeHistory blanks the content-bearing columns of an event's
	// history rows after the live event is hard-deleted.
	MinimizeHistory(ctx context.Context, userID, headID string) error

	// Terms lists known streamIds tokens matching the LIKE pattern, from
	// the full-text vocabulary.
	Terms(ctx context.Context, userID, pattern string) ([]string, error)
}
