package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"Strata/internal/core/users"
)

// retainedHashes caps the stored password history per user; older entries
// are pruned on insert.
const retainedHashes = 20

// PasswordRepository implements users.AccountStorage over the shared
// database.
type PasswordRepository struct {
	idx *IndexDB
}

// NewPasswordRepository creates the credential store.
func NewPasswordRepository(idx *IndexDB) *PasswordRepository {
	return &PasswordRepository{idx: idx}
}

var _ users.AccountStorage = (*PasswordRepository)(nil)

func (r *PasswordRepository) AddPasswordHash(ctx context.Context, userID string, entry users.PasswordEntry) error {
	tx, err := r.idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO passwords (userid, hash, createdBy, created) VALUES (?, ?, ?, ?)`,
		userID, entry.Hash, entry.CreatedBy, entry.Created)
	if err != nil {
		return fmt.Errorf("failed to store password hash for %s: %w", userID, err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM passwords WHERE userid = ? AND rowid NOT IN (
			SELECT rowid FROM passwords WHERE userid = ?
			ORDER BY created DESC LIMIT ?
		)`, userID, userID, retainedHashes)
	if err != nil {
		return fmt.Errorf("failed to prune password history of %s: %w", userID, err)
	}
	return tx.Commit()
}

func (r *PasswordRepository) CurrentPasswordHash(ctx context.Context, userID string) (string, error) {
	var hash string
	err := r.idx.db.QueryRowContext(ctx, `
		SELECT hash FROM passwords WHERE userid = ?
		ORDER BY created DESC LIMIT 1`, userID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", users.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load password hash of %s: %w", userID, err)
	}
	return hash, nil
}

func (r *PasswordRepository) PasswordHistory(ctx context.Context, userID string, n int) ([]users.PasswordEntry, error) {
	rows, err := r.idx.db.QueryContext(ctx, `
		SELECT hash, createdBy, created FROM passwords WHERE userid = ?
		ORDER BY created DESC LIMIT ?`, userID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load password history of %s: %w", userID, err)
	}
	defer rows.Close()

	var out []users.PasswordEntry
	for rows.Next() {
		var e users.PasswordEntry
		if err := rows.Scan(&e.Hash, &e.CreatedBy, &e.Created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PasswordRepository) ClearHistory(ctx context.Context, userID string) error {
	_, err := r.idx.db.ExecContext(ctx, `DELETE FROM passwords WHERE userid = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear password history of %s: %w", userID, err)
	}
	return nil
}
