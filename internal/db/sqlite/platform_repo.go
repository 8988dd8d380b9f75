package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"Strata/internal/core/register"
	"Strata/internal/core/systemstreams"
)

// PlatformRepository implements register.UniquenessStore for DNS-less
// deployments: unique field values claimed on this node only.
type PlatformRepository struct {
	idx *IndexDB
}

// NewPlatformRepository creates the local uniqueness store.
func NewPlatformRepository(idx *IndexDB) *PlatformRepository {
	return &PlatformRepository{idx: idx}
}

var _ register.UniquenessStore = (*PlatformRepository)(nil)

func (r *PlatformRepository) Claim(ctx context.Context, field, value, username string) error {
	_, err := r.idx.db.ExecContext(ctx, `
		INSERT INTO platform_unique (field, value, username, created)
		VALUES (?, ?, ?, ?)`,
		field, value, username, systemstreams.Now())
	if err != nil {
		if isUniqueViolation(err) {
			holder, herr := r.Holder(ctx, field, value)
			if herr == nil && holder == username {
				// Re-claiming one's own value is idempotent.
				return nil
			}
			return register.ErrValueTaken
		}
		return fmt.Errorf("failed to claim %s=%s: %w", field, value, err)
	}
	return nil
}

func (r *PlatformRepository) Release(ctx context.Context, field, value string) error {
	_, err := r.idx.db.ExecContext(ctx,
		`DELETE FROM platform_unique WHERE field = ? AND value = ?`, field, value)
	if err != nil {
		return fmt.Errorf("failed to release %s=%s: %w", field, value, err)
	}
	return nil
}

func (r *PlatformRepository) ReleaseUser(ctx context.Context, username string) error {
	_, err := r.idx.db.ExecContext(ctx,
		`DELETE FROM platform_unique WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to release claims of %s: %w", username, err)
	}
	return nil
}

func (r *PlatformRepository) Holder(ctx context.Context, field, value string) (string, error) {
	var username string
	err := r.idx.db.QueryRowContext(ctx,
		`SELECT username FROM platform_unique WHERE field = ? AND value = ?`,
		field, value).Scan(&username)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s=%s: %w", field, value, err)
	}
	return username, nil
}
