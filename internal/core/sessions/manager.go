package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Strata/internal/core/systemstreams"
)

// DefaultMaxAge is the inactivity window before a session expires.
const DefaultMaxAge = 14 * 24 * time.Hour

// Manager wraps the repository with expiry and token minting.
type Manager struct {
	repo   Repository
	maxAge float64
	now    func() float64
	log    zerolog.Logger
}

// NewManager creates the session manager. maxAge <= 0 falls back to
// DefaultMaxAge; now nil falls back to the real clock.
func NewManager(repo Repository, maxAge time.Duration, now func() float64, log zerolog.Logger) *Manager {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if now == nil {
		now = systemstreams.Now
	}
	return &Manager{
		repo:   repo,
		maxAge: maxAge.Seconds(),
		now:    now,
		log:    log.With().Str("component", "sessions").Logger(),
	}
}

// Open returns a session for (username, appID), reusing a live one when
// present so repeated logins from the same app share a token.
func (m *Manager) Open(ctx context.Context, username, appID string) (*Session, error) {
	existing, err := m.repo.Find(ctx, username, appID)
	if err == nil && !m.expired(existing) {
		if err := m.repo.Touch(ctx, existing.Token, m.now()); err != nil {
			m.log.Warn().Err(err).Str("username", username).Msg("failed to touch reused session")
		}
		return existing, nil
	}
	if err != nil && err != ErrSessionNotFound {
		return nil, err
	}

	s := &Session{
		Token:      uuid.NewString(),
		Username:   username,
		AppID:      appID,
		Created:    m.now(),
		LastAccess: m.now(),
	}
	if err := m.repo.Insert(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to open session for %s: %w", username, err)
	}
	return s, nil
}

// Get resolves a token, enforcing expiry and refreshing the inactivity
// window.
func (m *Manager) Get(ctx context.Context, token string) (*Session, error) {
	s, err := m.repo.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if m.expired(s) {
		if err := m.repo.Delete(ctx, token); err != nil {
			m.log.Warn().Err(err).Msg("failed to drop expired session")
		}
		return nil, ErrSessionNotFound
	}
	if err := m.repo.Touch(ctx, token, m.now()); err != nil {
		m.log.Warn().Err(err).Msg("failed to touch session")
	}
	return s, nil
}

// Close terminates the session behind token. Unknown tokens are fine.
func (m *Manager) Close(ctx context.Context, token string) error {
	err := m.repo.Delete(ctx, token)
	if err == ErrSessionNotFound {
		return nil
	}
	return err
}

// CloseAllFor terminates every session of username (user deletion,
// password change).
func (m *Manager) CloseAllFor(ctx context.Context, username string) error {
	return m.repo.DeleteForUser(ctx, username)
}

// Sweep drops sessions idle beyond the inactivity window.
func (m *Manager) Sweep(ctx context.Context) {
	n, err := m.repo.DeleteExpired(ctx, m.now()-m.maxAge)
	if err != nil {
		m.log.Error().Err(err).Msg("session sweep failed")
		return
	}
	if n > 0 {
		m.log.Info().Int64("dropped", n).Msg("swept expired sessions")
	}
}

func (m *Manager) expired(s *Session) bool {
	return m.now()-s.LastAccess > m.maxAge
}
