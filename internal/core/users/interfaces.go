package users

import "context"

// Index maps usernames to user ids across the node. Every API call resolves
// the username in the path, so implementations are expected to cache.
type Index interface {
	Add(ctx context.Context, username, userID string) error
	GetUserID(ctx context.Context, username string) (string, error)
	GetUsername(ctx context.Context, userID string) (string, error)
	Exists(ctx context.Context, username string) (bool, error)
	// All returns every username → userId pair, for maintenance sweeps.
	All(ctx context.Context) (map[string]string, error)
	Delete(ctx context.Context, username string) error
}

// AccountStorage keeps per-user credentials outside the event store: the
// current password hash plus a bounded history for reuse checks.
type AccountStorage interface {
	AddPasswordHash(ctx context.Context, userID string, entry PasswordEntry) error
	CurrentPasswordHash(ctx context.Context, userID string) (string, error)
	// PasswordHistory returns up to n entries, most recent first.
	PasswordHistory(ctx context.Context, userID string, n int) ([]PasswordEntry, error)
	ClearHistory(ctx context.Context, userID string) error
}

// Service exposes account-level operations built on the index, the
// credential store and the user's account events.
type Service interface {
	GetByUsername(ctx context.Context, username string) (*User, error)
	CheckPassword(ctx context.Context, userID, password string) error
	SetPassword(ctx context.Context, userID, password, createdBy string) error
	ValidatePasswordAge(ctx context.Context, userID string) error
}
