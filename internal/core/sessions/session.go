// Package sessions keeps the short-lived login sessions personal accesses
// hang off. Sessions are shared across the node (one table, not per-user)
// and expire on inactivity.
package sessions

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned for unknown or expired tokens.
var ErrSessionNotFound = errors.New("session not found")

// Session ties a token to a username and the app that opened it.
type Session struct {
	Token      string  `json:"token"`
	Username   string  `json:"username"`
	AppID      string  `json:"appId"`
	Created    float64 `json:"created"`
	LastAccess float64 `json:"lastAccess"`
}

// Repository persists sessions in the node-wide store.
type Repository interface {
	Insert(ctx context.Context, s *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	// Find returns the open session of (username, appID), if any; login
	// reuses it instead of minting a new token.
	Find(ctx context.Context, username, appID string) (*Session, error)
	Touch(ctx context.Context, token string, at float64) error
	Delete(ctx context.Context, token string) error
	DeleteForUser(ctx context.Context, username string) error
	// DeleteExpired drops sessions idle since before the cutoff and returns
	// how many went.
	DeleteExpired(ctx context.Context, cutoff float64) (int64, error)
}
