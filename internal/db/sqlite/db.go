// Package sqlite implements every store behind the core interfaces: one
// SQLite database per user for events, streams and accesses, plus a shared
// index database for usernames, password history and sessions.
//
// Build with -tags sqlite_fts5: the stream-query engine relies on FTS5.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Write retry budget for SQLITE_BUSY. Exceeding it is fatal for the call
// and bubbles to the caller.
const (
	busyRetries      = 10
	busyInitialDelay = 5 * time.Millisecond
)

// UserDB is one user's database handle. Writes are serialized in-process
// through mu; cross-process contention is absorbed by WAL plus the busy
// retry loop.
type UserDB struct {
	db *sql.DB
	mu sync.Mutex
}

// https://github.com/mattn/go-sqlite3#connection-string
var connOpts = []string{
	"_foreign_keys=1",
	"_journal_mode=WAL",
	"_synchronous=NORMAL",
	"_busy_timeout=100",
}

// OpenUserDB opens (creating if needed) the database at path and ensures
// the per-user schema.
func OpenUserDB(path string) (*UserDB, error) {
	db, err := sql.Open("sqlite3", path+"?"+strings.Join(connOpts, "&"))
	if err != nil {
		return nil, fmt.Errorf("failed to open user db %s: %w", path, err)
	}
	// One connection per user DB: the serialized writer assumes it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(userSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init user db schema: %w", err)
	}
	return &UserDB{db: db}, nil
}

// Close releases the underlying handle.
func (u *UserDB) Close() error { return u.db.Close() }

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// write runs fn under the serialized writer, retrying busy failures with
// exponential backoff until the retry budget is spent.
func (u *UserDB) write(ctx context.Context, fn func(*sql.DB) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	delay := busyInitialDelay
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if err = fn(u.db); err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("write retry budget exhausted: %w", err)
}

// writeTx runs fn inside a transaction under the serialized writer.
func (u *UserDB) writeTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return u.write(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
