package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"Strata/internal/core/events"
)

const eventColumns = `eventid, headId, streamIds, time, endTime, deleted, type, content,
	description, clientData, integrity, attachments, trashed, created, createdBy, modified, modifiedBy`

// EventRepository implements events.Repository over the per-user pool.
type EventRepository struct {
	pool *Pool
}

// NewEventRepository creates the SQLite-backed event store.
func NewEventRepository(pool *Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

var _ events.Repository = (*EventRepository)(nil)

// Create inserts one event; the FTS index follows through triggers.
func (r *EventRepository) Create(ctx context.Context, userID string, e *events.Event) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	row, err := eventToDB(e)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rowArgs(row)...)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
		}
		return nil
	})
}

// GetOne returns the live event with the given id, tombstones included so
// callers can distinguish "deleted" from "never existed".
func (r *EventRepository) GetOne(ctx context.Context, userID, id string) (*events.Event, error) {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return nil, err
	}
	row := udb.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE eventid = ? AND headId IS NULL`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, events.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return e, nil
}

// Get lists live events matching the query.
func (r *EventRepository) Get(ctx context.Context, userID string, q events.Query) ([]*events.Event, error) {
	it, err := r.GetStreamed(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*events.Event
	for it.Next() {
		out = append(out, it.Event())
	}
	return out, it.Err()
}

// GetStreamed returns a lazy cursor over matching live events.
func (r *EventRepository) GetStreamed(ctx context.Context, userID string, q events.Query) (events.Iterator, error) {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return nil, err
	}
	compiled, err := compileConditions(q.Conditions, true)
	if err != nil {
		return nil, err
	}
	rows, err := udb.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE `+compiled.where+orderAndLimit(q),
		compiled.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return &rowIterator{rows: rows}, nil
}

// Update rewrites every non-key column of the live event. History capture
// is the caller's duty (AddHistory with the pre-image first).
func (r *EventRepository) Update(ctx context.Context, userID string, e *events.Event) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	row, err := eventToDB(e)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE events SET
				headId = ?, streamIds = ?, time = ?, endTime = ?, deleted = ?, type = ?,
				content = ?, description = ?, clientData = ?, integrity = ?, attachments = ?,
				trashed = ?, created = ?, createdBy = ?, modified = ?, modifiedBy = ?
			WHERE eventid = ? AND headId IS NULL`,
			row.headID, row.streamIDs, row.time, row.endTime, row.deleted, row.typ,
			row.content, row.description, row.clientData, row.integrity, row.attachments,
			row.trashed, row.created, row.createdBy, row.modified, row.modifiedBy,
			e.ID)
		if err != nil {
			return fmt.Errorf("failed to update event %s: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return events.ErrEventNotFound
		}
		return nil
	})
}

// AddHistory freezes a pre-image under its own id.
func (r *EventRepository) AddHistory(ctx context.Context, userID string, snapshot *events.Event) error {
	if snapshot.HeadID == "" {
		return &events.InvalidEventError{Reason: "history rows must reference their head event"}
	}
	return r.Create(ctx, userID, snapshot)
}

// GetHistory returns the frozen versions of an event, oldest first.
func (r *EventRepository) GetHistory(ctx context.Context, userID, headID string) ([]*events.Event, error) {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return nil, err
	}
	rows, err := udb.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE headId = ? ORDER BY modified ASC`, headID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history of %s: %w", headID, err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Tombstone marks the event deleted and collapses its streamIds to the
// universal tag. The row stays behind until TTL cleanup.
func (r *EventRepository) Tombstone(ctx context.Context, userID, id string, deletedAt float64) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE events SET deleted = ?, streamIds = ?, modified = ?
			WHERE eventid = ? AND headId IS NULL AND deleted IS NULL`,
			deletedAt, events.UniversalTag, deletedAt, id)
		if err != nil {
			return fmt.Errorf("failed to tombstone event %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return events.ErrEventNotFound
		}
		return nil
	})
}

// DeleteMany physically deletes matching rows. The SQL dialect cannot
// DELETE across a MATCH, so a stream-scoped delete first collects ids and
// removes them one by one inside a single transaction.
func (r *EventRepository) DeleteMany(ctx context.Context, userID string, q events.Query) (int64, error) {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return 0, err
	}
	compiled, err := compileConditions(q.Conditions, false)
	if err != nil {
		return 0, err
	}

	if !q.HasStreamsQuery() {
		var n int64
		err := udb.write(ctx, func(db *sql.DB) error {
			res, err := db.ExecContext(ctx, `DELETE FROM events WHERE `+compiled.where, compiled.args...)
			if err != nil {
				return fmt.Errorf("failed to delete events: %w", err)
			}
			n, err = res.RowsAffected()
			return err
		})
		return n, err
	}

	var n int64
	err = udb.writeTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT eventid FROM events WHERE `+compiled.where, compiled.args...)
		if err != nil {
			return fmt.Errorf("failed to collect events to delete: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE eventid = ?`, id); err != nil {
				return fmt.Errorf("failed to delete event %s: %w", id, err)
			}
			n++
		}
		return nil
	})
	return n, err
}

// MinimizeHistory blanks the content-bearing columns of the history rows of
// a hard-deleted event (privacy: the versions stay countable, not readable).
func (r *EventRepository) MinimizeHistory(ctx context.Context, userID, headID string) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			UPDATE events SET
				streamIds = ?, content = NULL, description = NULL,
				clientData = NULL, attachments = NULL, integrity = NULL
			WHERE headId = ?`,
			events.UniversalTag, headID)
		if err != nil {
			return fmt.Errorf("failed to minimize history of %s: %w", headID, err)
		}
		return nil
	})
}

// Terms lists known streamIds tokens matching the LIKE pattern.
func (r *EventRepository) Terms(ctx context.Context, userID, pattern string) ([]string, error) {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return nil, err
	}
	rows, err := udb.db.QueryContext(ctx,
		`SELECT term FROM events_fts_v WHERE term LIKE ? ORDER BY term`, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list terms: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, err
		}
		out = append(out, term)
	}
	return out, rows.Err()
}

// --- scanning ----------------------------------------------------------

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scannable) (*events.Event, error) {
	var row eventRow
	err := s.Scan(
		&row.eventID, &row.headID, &row.streamIDs, &row.time, &row.endTime,
		&row.deleted, &row.typ, &row.content, &row.description, &row.clientData,
		&row.integrity, &row.attachments, &row.trashed, &row.created,
		&row.createdBy, &row.modified, &row.modifiedBy)
	if err != nil {
		return nil, err
	}
	return eventFromDB(&row)
}

func rowArgs(row *eventRow) []interface{} {
	return []interface{}{
		row.eventID, row.headID, row.streamIDs, row.time, row.endTime,
		row.deleted, row.typ, row.content, row.description, row.clientData,
		row.integrity, row.attachments, row.trashed, row.created,
		row.createdBy, row.modified, row.modifiedBy,
	}
}

// rowIterator adapts *sql.Rows to events.Iterator.
type rowIterator struct {
	rows    *sql.Rows
	current *events.Event
	err     error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	e, err := scanEvent(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.current = e
	return true
}

func (it *rowIterator) Event() *events.Event { return it.current }

func (it *rowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowIterator) Close() error { return it.rows.Close() }
