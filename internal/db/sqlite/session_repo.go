package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"Strata/internal/core/sessions"
)

// SessionRepository implements sessions.Repository over the shared
// database.
type SessionRepository struct {
	idx *IndexDB
}

// NewSessionRepository creates the session store.
func NewSessionRepository(idx *IndexDB) *SessionRepository {
	return &SessionRepository{idx: idx}
}

var _ sessions.Repository = (*SessionRepository)(nil)

func (r *SessionRepository) Insert(ctx context.Context, s *sessions.Session) error {
	_, err := r.idx.db.ExecContext(ctx, `
		INSERT INTO sessions (token, username, appid, created, lastAccess)
		VALUES (?, ?, ?, ?, ?)`,
		s.Token, s.Username, s.AppID, s.Created, s.LastAccess)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, token string) (*sessions.Session, error) {
	return r.getOne(ctx, `token = ?`, token)
}

func (r *SessionRepository) Find(ctx context.Context, username, appID string) (*sessions.Session, error) {
	return r.getOne(ctx, `username = ? AND appid = ?`, username, appID)
}

func (r *SessionRepository) Touch(ctx context.Context, token string, at float64) error {
	res, err := r.idx.db.ExecContext(ctx,
		`UPDATE sessions SET lastAccess = ? WHERE token = ?`, at, token)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, token string) error {
	res, err := r.idx.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) DeleteForUser(ctx context.Context, username string) error {
	_, err := r.idx.db.ExecContext(ctx, `DELETE FROM sessions WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to delete sessions of %s: %w", username, err)
	}
	return nil
}

func (r *SessionRepository) DeleteExpired(ctx context.Context, cutoff float64) (int64, error) {
	res, err := r.idx.db.ExecContext(ctx, `DELETE FROM sessions WHERE lastAccess < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	return res.RowsAffected()
}

func (r *SessionRepository) getOne(ctx context.Context, where string, args ...interface{}) (*sessions.Session, error) {
	var s sessions.Session
	err := r.idx.db.QueryRowContext(ctx, `
		SELECT token, username, appid, created, lastAccess FROM sessions
		WHERE `+where+` ORDER BY lastAccess DESC LIMIT 1`, args...).
		Scan(&s.Token, &s.Username, &s.AppID, &s.Created, &s.LastAccess)
	if err == sql.ErrNoRows {
		return nil, sessions.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}
