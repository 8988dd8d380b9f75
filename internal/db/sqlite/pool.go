package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// PoolSize caps the number of simultaneously open user databases; the
// least recently used handle is closed on eviction.
const PoolSize = 500

// Pool hands out per-user database handles, opening them lazily and
// closing them under LRU pressure.
type Pool struct {
	basePath string
	mu       sync.Mutex
	cache    *lru.Cache[string, *UserDB]
	log      zerolog.Logger
}

// NewPool creates the pool rooted at basePath (one file per user).
func NewPool(basePath string, log zerolog.Logger) (*Pool, error) {
	if err := os.MkdirAll(basePath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create user db directory: %w", err)
	}
	p := &Pool{basePath: basePath, log: log.With().Str("component", "userdb-pool").Logger()}
	cache, err := lru.NewWithEvict[string, *UserDB](PoolSize, func(userID string, udb *UserDB) {
		if err := udb.Close(); err != nil {
			p.log.Warn().Err(err).Str("userId", userID).Msg("failed to close evicted user db")
		}
	})
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

// Get returns the open database of userID, opening it if needed.
func (p *Pool) Get(userID string) (*UserDB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if udb, ok := p.cache.Get(userID); ok {
		return udb, nil
	}
	udb, err := OpenUserDB(p.path(userID))
	if err != nil {
		return nil, err
	}
	p.cache.Add(userID, udb)
	return udb, nil
}

// Remove closes and forgets the handle, then deletes the database file.
// Used by user deletion.
func (p *Pool) Remove(userID string) error {
	p.mu.Lock()
	p.cache.Remove(userID) // eviction callback closes the handle
	p.mu.Unlock()

	path := p.path(userID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove user db %s: %w", path, err)
	}
	// WAL sidecars, best effort.
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
	return nil
}

// Close closes every open handle.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}

func (p *Pool) path(userID string) string {
	return filepath.Join(p.basePath, userID+".sqlite")
}
