package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"Strata/internal/core/accesses"
)

const accessColumns = `accessid, token, type, name, deviceName, permissions, calls,
	created, createdBy, modified, modifiedBy, expires, deleted, integrity`

// AccessRepository implements accesses.Repository in the per-user store.
type AccessRepository struct {
	pool *Pool
}

// NewAccessRepository creates the SQLite-backed access store.
func NewAccessRepository(pool *Pool) *AccessRepository {
	return &AccessRepository{pool: pool}
}

var _ accesses.Repository = (*AccessRepository)(nil)

func (r *AccessRepository) Create(ctx context.Context, userID string, a *accesses.Access) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	perms, calls, err := encodeAccess(a)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO accesses (`+accessColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, nullString(a.Token), string(a.Type), nullString(a.Name),
			nullString(a.DeviceName), perms, calls,
			a.Created, a.CreatedBy, a.Modified, a.ModifiedBy,
			nullFloat(a.Expires), nullFloat(a.Deleted), nullString(a.Integrity))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: token collision for access %s", accesses.ErrAccessNameTaken, a.ID)
			}
			return fmt.Errorf("failed to insert access %s: %w", a.ID, err)
		}
		return nil
	})
}

func (r *AccessRepository) GetByToken(ctx context.Context, userID, token string) (*accesses.Access, error) {
	return r.getOne(ctx, userID, `token = ? AND deleted IS NULL`, token)
}

func (r *AccessRepository) GetByID(ctx context.Context, userID, id string) (*accesses.Access, error) {
	return r.getOne(ctx, userID, `accessid = ?`, id)
}

func (r *AccessRepository) FindSimilar(ctx context.Context, userID, name string, typ accesses.Type, deviceName string) (*accesses.Access, error) {
	if deviceName == "" {
		return r.getOne(ctx, userID,
			`name = ? AND type = ? AND deviceName IS NULL AND deleted IS NULL`, name, string(typ))
	}
	return r.getOne(ctx, userID,
		`name = ? AND type = ? AND deviceName = ? AND deleted IS NULL`, name, string(typ), deviceName)
}

func (r *AccessRepository) GetAll(ctx context.Context, userID string) ([]*accesses.Access, error) {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return nil, err
	}
	rows, err := udb.db.QueryContext(ctx, `
		SELECT `+accessColumns+` FROM accesses WHERE deleted IS NULL ORDER BY created ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accesses: %w", err)
	}
	defer rows.Close()

	var out []*accesses.Access
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AccessRepository) Update(ctx context.Context, userID string, a *accesses.Access) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	perms, calls, err := encodeAccess(a)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE accesses SET
				token = ?, type = ?, name = ?, deviceName = ?, permissions = ?, calls = ?,
				created = ?, createdBy = ?, modified = ?, modifiedBy = ?,
				expires = ?, deleted = ?, integrity = ?
			WHERE accessid = ?`,
			nullString(a.Token), string(a.Type), nullString(a.Name), nullString(a.DeviceName),
			perms, calls, a.Created, a.CreatedBy, a.Modified, a.ModifiedBy,
			nullFloat(a.Expires), nullFloat(a.Deleted), nullString(a.Integrity), a.ID)
		if err != nil {
			return fmt.Errorf("failed to update access %s: %w", a.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return accesses.ErrAccessNotFound
		}
		return nil
	})
}

// Delete tombstones the access: the token is freed for reuse, the record
// stays for audit.
func (r *AccessRepository) Delete(ctx context.Context, userID, id string, deletedAt float64) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE accesses SET deleted = ?, token = NULL, modified = ?
			WHERE accessid = ? AND deleted IS NULL`,
			deletedAt, deletedAt, id)
		if err != nil {
			return fmt.Errorf("failed to delete access %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return accesses.ErrAccessNotFound
		}
		return nil
	})
}

func (r *AccessRepository) DeleteAll(ctx context.Context, userID string) error {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return err
	}
	return udb.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM accesses`)
		return err
	})
}

func (r *AccessRepository) getOne(ctx context.Context, userID, where string, args ...interface{}) (*accesses.Access, error) {
	udb, err := r.pool.Get(userID)
	if err != nil {
		return nil, err
	}
	row := udb.db.QueryRowContext(ctx, `SELECT `+accessColumns+` FROM accesses WHERE `+where, args...)
	a, err := scanAccess(row)
	if err == sql.ErrNoRows {
		return nil, accesses.ErrAccessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access: %w", err)
	}
	return a, nil
}

func encodeAccess(a *accesses.Access) (perms, calls sql.NullString, err error) {
	if len(a.Permissions) > 0 {
		data, err := json.Marshal(a.Permissions)
		if err != nil {
			return perms, calls, fmt.Errorf("failed to encode permissions: %w", err)
		}
		perms = sql.NullString{String: string(data), Valid: true}
	}
	if len(a.Calls) > 0 {
		data, err := json.Marshal(a.Calls)
		if err != nil {
			return perms, calls, fmt.Errorf("failed to encode calls: %w", err)
		}
		calls = sql.NullString{String: string(data), Valid: true}
	}
	return perms, calls, nil
}

func scanAccess(s scannable) (*accesses.Access, error) {
	var (
		a                             accesses.Access
		typ                           string
		token, name, device           sql.NullString
		perms, calls, integrity       sql.NullString
		expires, deleted              sql.NullFloat64
		created, modified             sql.NullFloat64
		createdBy, modifiedBy         sql.NullString
	)
	err := s.Scan(&a.ID, &token, &typ, &name, &device, &perms, &calls,
		&created, &createdBy, &modified, &modifiedBy, &expires, &deleted, &integrity)
	if err != nil {
		return nil, err
	}
	a.Type = accesses.Type(typ)
	a.Token = token.String
	a.Name = name.String
	a.DeviceName = device.String
	a.Integrity = integrity.String
	a.Created = created.Float64
	a.CreatedBy = createdBy.String
	a.Modified = modified.Float64
	a.ModifiedBy = modifiedBy.String
	if expires.Valid {
		v := expires.Float64
		a.Expires = &v
	}
	if deleted.Valid {
		v := deleted.Float64
		a.Deleted = &v
	}
	if perms.Valid {
		if err := json.Unmarshal([]byte(perms.String), &a.Permissions); err != nil {
			return nil, fmt.Errorf("failed to decode permissions of %s: %w", a.ID, err)
		}
	}
	if calls.Valid {
		if err := json.Unmarshal([]byte(calls.String), &a.Calls); err != nil {
			return nil, fmt.Errorf("failed to decode calls of %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
