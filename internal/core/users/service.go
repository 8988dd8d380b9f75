package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"Strata/internal/core/events"
	"Strata/internal/core/systemstreams"
)

// PasswordRules bounds password handling.
type PasswordRules struct {
	MinLength int `yaml:"minLength"`
	MaxLength int `yaml:"maxLength"`
	// PreventReuse rejects a new password matching any of the last N hashes;
	// zero disables the check.
	PreventReuse int `yaml:"preventReuse"`
	// MaxAgeDays forces a change after N days; zero disables.
	MaxAgeDays int `yaml:"maxAgeDays"`
	// MinAgeDays rejects a change within N days of the last one; zero
	// disables.
	MinAgeDays int `yaml:"minAgeDays"`
}

var (
	// ErrPasswordExpired is returned when the current password exceeds the
	// configured maximum age.
	ErrPasswordExpired = errors.New("password has expired")

	// ErrPasswordTooYoung is returned when a change is attempted before the
	// configured minimum age.
	ErrPasswordTooYoung = errors.New("password cannot be changed yet")
)

type service struct {
	index     Index
	store     AccountStorage
	eventRepo events.Repository
	cat       *systemstreams.Catalogue
	rules     PasswordRules
	now       func() float64
	log       zerolog.Logger
}

// NewService creates the account service. now supplies the current time as
// a unix timestamp in seconds; pass nil for the real clock.
func NewService(index Index, store AccountStorage, eventRepo events.Repository,
	cat *systemstreams.Catalogue, rules PasswordRules, now func() float64, log zerolog.Logger) Service {
	if now == nil {
		now = systemstreams.Now
	}
	return &service{
		index:     index,
		store:     store,
		eventRepo: eventRepo,
		cat:       cat,
		rules:     rules,
		now:       now,
		log:       log.With().Str("component", "users").Logger(),
	}
}

// GetByUsername recomposes the account view from the user's active account
// events.
func (s *service) GetByUsername(ctx context.Context, username string) (*User, error) {
	userID, err := s.index.GetUserID(ctx, username)
	if err != nil {
		return nil, err
	}

	// Active account values are the events carrying the active marker.
	matches, err := s.eventRepo.Get(ctx, userID, events.Query{
		Conditions: []events.Condition{{
			Type: events.CondStreamsQuery,
			Streams: events.StreamsQuery{
				events.StreamsQueryBlock{{Any: []string{systemstreams.ActiveMarker}}},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load account events of %s: %w", userID, err)
	}

	u := &User{ID: userID, Username: username, Account: make(map[string]interface{})}
	for _, e := range matches {
		streamID, ok := e.AccountStreamID(s.cat)
		if !ok {
			continue
		}
		u.Account[systemstreams.WithoutPrefix(streamID)] = e.Content
	}
	return u, nil
}

func (s *service) CheckPassword(ctx context.Context, userID, password string) error {
	hash, err := s.store.CurrentPasswordHash(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrWrongPassword
	}
	return nil
}

// SetPassword validates, hashes and records a new password. The reuse check
// compares against the retained history.
func (s *service) SetPassword(ctx context.Context, userID, password, createdBy string) error {
	if err := s.validatePassword(password); err != nil {
		return err
	}
	if s.rules.MinAgeDays > 0 {
		if err := s.checkMinAge(ctx, userID); err != nil {
			return err
		}
	}
	if s.rules.PreventReuse > 0 {
		history, err := s.store.PasswordHistory(ctx, userID, s.rules.PreventReuse)
		if err != nil {
			return err
		}
		for _, entry := range history {
			if bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(password)) == nil {
				return ErrPasswordReused
			}
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.store.AddPasswordHash(ctx, userID, PasswordEntry{
		Hash:      string(hash),
		CreatedBy: createdBy,
		Created:   s.now(),
	})
}

// ValidatePasswordAge fails with ErrPasswordExpired when the current
// password is older than the configured maximum. Used at login.
func (s *service) ValidatePasswordAge(ctx context.Context, userID string) error {
	if s.rules.MaxAgeDays <= 0 {
		return nil
	}
	history, err := s.store.PasswordHistory(ctx, userID, 1)
	if err != nil || len(history) == 0 {
		return err
	}
	if s.now()-history[0].Created > float64(s.rules.MaxAgeDays)*86400 {
		return ErrPasswordExpired
	}
	return nil
}

func (s *service) checkMinAge(ctx context.Context, userID string) error {
	history, err := s.store.PasswordHistory(ctx, userID, 1)
	if err != nil || len(history) == 0 {
		return err
	}
	if s.now()-history[0].Created < float64(s.rules.MinAgeDays)*86400 {
		return ErrPasswordTooYoung
	}
	return nil
}

func (s *service) validatePassword(password string) error {
	min := s.rules.MinLength
	if min <= 0 {
		min = 6
	}
	if len(password) < min {
		return &WeakPasswordError{Reason: fmt.Sprintf("must be at least %d characters", min)}
	}
	if s.rules.MaxLength > 0 && len(password) > s.rules.MaxLength {
		return &WeakPasswordError{Reason: fmt.Sprintf("must be at most %d characters", s.rules.MaxLength)}
	}
	return nil
}
