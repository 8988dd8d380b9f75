package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"Strata/internal/core/systemstreams"
	"Strata/internal/core/users"
)

// usernameCacheSize bounds the hot username → userId map. Entries are
// invalidated on Delete; additions populate eagerly.
const usernameCacheSize = 10000

// UserIndexRepository implements users.Index over the shared database with
// a read-through cache, since every API call resolves a username.
type UserIndexRepository struct {
	idx   *IndexDB
	cache *lru.Cache[string, string]
}

// NewUserIndexRepository creates the cached users index.
func NewUserIndexRepository(idx *IndexDB) (*UserIndexRepository, error) {
	cache, err := lru.New[string, string](usernameCacheSize)
	if err != nil {
		return nil, err
	}
	return &UserIndexRepository{idx: idx, cache: cache}, nil
}

var _ users.Index = (*UserIndexRepository)(nil)

func (r *UserIndexRepository) Add(ctx context.Context, username, userID string) error {
	_, err := r.idx.db.ExecContext(ctx,
		`INSERT INTO users (username, userid, created) VALUES (?, ?, ?)`,
		username, userID, systemstreams.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", users.ErrUsernameTaken, username)
		}
		return fmt.Errorf("failed to index user %s: %w", username, err)
	}
	r.cache.Add(username, userID)
	return nil
}

func (r *UserIndexRepository) GetUserID(ctx context.Context, username string) (string, error) {
	if id, ok := r.cache.Get(username); ok {
		return id, nil
	}
	var id string
	err := r.idx.db.QueryRowContext(ctx,
		`SELECT userid FROM users WHERE username = ?`, username).Scan(&id)
	if err == sql.ErrNoRows {
		return "", users.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve username %s: %w", username, err)
	}
	r.cache.Add(username, id)
	return id, nil
}

func (r *UserIndexRepository) GetUsername(ctx context.Context, userID string) (string, error) {
	var username string
	err := r.idx.db.QueryRowContext(ctx,
		`SELECT username FROM users WHERE userid = ?`, userID).Scan(&username)
	if err == sql.ErrNoRows {
		return "", users.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve user id %s: %w", userID, err)
	}
	return username, nil
}

func (r *UserIndexRepository) Exists(ctx context.Context, username string) (bool, error) {
	if _, ok := r.cache.Get(username); ok {
		return true, nil
	}
	var one int
	err := r.idx.db.QueryRowContext(ctx,
		`SELECT 1 FROM users WHERE username = ?`, username).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check username %s: %w", username, err)
	}
	return true, nil
}

func (r *UserIndexRepository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.idx.db.QueryContext(ctx, `SELECT username, userid FROM users`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var username, id string
		if err := rows.Scan(&username, &id); err != nil {
			return nil, err
		}
		out[username] = id
	}
	return out, rows.Err()
}

func (r *UserIndexRepository) Delete(ctx context.Context, username string) error {
	res, err := r.idx.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to remove user %s from index: %w", username, err)
	}
	r.cache.Remove(username)
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return users.ErrUserNotFound
	}
	return nil
}
