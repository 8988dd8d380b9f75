package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"Strata/internal/core/streams"
)

const streamColumns = `streamid, name, parentId, clientData, trashed,
	created, createdBy, modified, modifiedBy`

// StreamRepository implements streams.Repository in the per-user store.
type StreamRepository struct {
	pool *Pool
}

// NewStreamRepository creates the SQLite-backed stream store.
func NewStreamRepository(pool *Pool) *StreamRepository {
	return &StreamRepository{pool: pool}
}

var _ streams.Repository = (*StreamRepository)(nil)

func (r *StreamRepository) Create(ctx context.Context, userID string, s *streams.Stream) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	clientData, err := encodeJSONColumn(s.ClientData)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO streams (`+streamColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.Name, nullString(s.ParentID), clientData, boolToInt(s.Trashed),
			s.Created, s.CreatedBy, s.Modified, s.ModifiedBy)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", streams.ErrStreamExists, s.ID)
			}
			return fmt.Errorf("failed to insert stream %s: %w", s.ID, err)
		}
		return nil
	})
}

func (r *StreamRepository) Get(ctx context.Context, userID, id string) (*streams.Stream, error) {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return nil, err
	}
	row := udb.db.QueryRowContext(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE streamid = ?`, id)
	s, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, streams.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", id, err)
	}
	return s, nil
}

func (r *StreamRepository) GetAll(ctx context.Context, userID string) ([]*streams.Stream, error) {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return nil, err
	}
	rows, err := udb.db.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM streams ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()

	var out []*streams.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *StreamRepository) Update(ctx context.Context, userID string, s *streams.Stream) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	clientData, err := encodeJSONColumn(s.ClientData)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE streams SET
				name = ?, parentId = ?, clientData = ?, trashed = ?,
				created = ?, createdBy = ?, modified = ?, modifiedBy = ?
			WHERE streamid = ?`,
			s.Name, nullString(s.ParentID), clientData, boolToInt(s.Trashed),
			s.Created, s.CreatedBy, s.Modified, s.ModifiedBy, s.ID)
		if err != nil {
			return fmt.Errorf("failed to update stream %s: %w", s.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return streams.ErrStreamNotFound
		}
		return nil
	})
}

// Delete removes the stream row. Reparenting or deleting its descendants
// and events is the service's duty.
func (r *StreamRepository) Delete(ctx context.Context, userID, id string) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM streams WHERE streamid = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete stream %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return streams.ErrStreamNotFound
		}
		return nil
	})
}

func (r *StreamRepository) DeleteAll(ctx context.Context, userID string) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM streams`)
		return err
	})
}

// Ancestors walks the parent chain with a recursive CTE, nearest first.
// The walk is capped to break cycles left behind by partial writes.
func (r *StreamRepository) Ancestors(ctx context.Context, userID, id string) ([]string, error) {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return nil, err
	}
	rows, err := udb.db.QueryContext(ctx, `
		WITH RECURSIVE chain(streamid, parentId, depth) AS (
			SELECT streamid, parentId, 0 FROM streams WHERE streamid = ?
			UNION ALL
			SELECT s.streamid, s.parentId, chain.depth + 1
			FROM streams s JOIN chain ON s.streamid = chain.parentId
			WHERE chain.depth < 128
		)
		SELECT streamid FROM chain WHERE depth > 0 ORDER BY depth ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ancestors of %s: %w", id, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		out = append(out, sid)
	}
	return out, rows.Err()
}

func scanStream(s scannable) (*streams.Stream, error) {
	var (
		st         streams.Stream
		parentID   sql.NullString
		clientData sql.NullString
		trashed    int
	)
	err := s.Scan(&st.ID, &st.Name, &parentID, &clientData, &trashed,
		&st.Created, &st.CreatedBy, &st.Modified, &st.ModifiedBy)
	if err != nil {
		return nil, err
	}
	st.ParentID = parentID.String
	st.Trashed = trashed != 0
	if clientData.Valid {
		if err := json.Unmarshal([]byte(clientData.String), &st.ClientData); err != nil {
			return nil, fmt.Errorf("failed to decode clientData of %s: %w", st.ID, err)
		}
	}
	return &st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
