// Package previews caches derived image previews on disk. The cache never
// generates previews itself: a deriver port hands it bytes, it hands back
// files, and a background sweep evicts what nobody looked at recently.
package previews

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/xattr"
	"github.com/rs/zerolog"

	"Strata/internal/core/systemstreams"
)

// Standard dimensions; requested sizes round up to the smallest fitting
// one (and cap at the largest).
var Dimensions = []int{256, 512, 768, 1024}

// Extended attribute names carried by every cached file.
const (
	xattrEventModified = "user.pryv.eventModified"
	xattrLastAccessed  = "user.pryv.lastAccessed"
)

// ErrMiss is returned when the cache holds no fresh entry.
var ErrMiss = errors.New("preview cache miss")

// Cache is the on-disk preview store, keyed by (eventId, dimension).
type Cache struct {
	basePath string
	sweepMu  sync.Mutex
	now      func() float64
	log      zerolog.Logger
}

// NewCache creates the cache rooted at basePath.
func NewCache(basePath string, now func() float64, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(basePath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create preview cache directory: %w", err)
	}
	if now == nil {
		now = systemstreams.Now
	}
	return &Cache{
		basePath: basePath,
		now:      now,
		log:      log.With().Str("component", "previews").Logger(),
	}, nil
}

// RoundDimension maps a requested size onto the standard ladder: smallest
// standard dimension that fits, capped at the largest.
func RoundDimension(requested int) int {
	for _, d := range Dimensions {
		if requested <= d {
			return d
		}
	}
	return Dimensions[len(Dimensions)-1]
}

// Get returns the cached preview bytes if present and fresh (the
// originating event was not modified since the entry was written). A hit
// refreshes the last-accessed attribute.
func (c *Cache) Get(eventID string, dimension int, eventModified float64) ([]byte, error) {
	path := c.path(eventID, RoundDimension(dimension))

	stored, err := readFloatAttr(path, xattrEventModified)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to read preview attributes: %w", err)
	}
	if stored < eventModified {
		// Stale: the event changed since this preview was derived.
		return nil, ErrMiss
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to read cached preview: %w", err)
	}
	if err := writeFloatAttr(path, xattrLastAccessed, c.now()); err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("failed to stamp last access")
	}
	return data, nil
}

// Put stores preview bytes for (eventId, dimension), stamping both
// attributes.
func (c *Cache) Put(eventID string, dimension int, eventModified float64, data []byte) error {
	path := c.path(eventID, RoundDimension(dimension))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write preview: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish preview: %w", err)
	}
	if err := writeFloatAttr(path, xattrEventModified, eventModified); err != nil {
		return fmt.Errorf("failed to stamp preview freshness: %w", err)
	}
	if err := writeFloatAttr(path, xattrLastAccessed, c.now()); err != nil {
		return fmt.Errorf("failed to stamp preview access: %w", err)
	}
	return nil
}

// Remove drops every cached dimension of eventID.
func (c *Cache) Remove(eventID string) {
	for _, d := range Dimensions {
		if err := os.Remove(c.path(eventID, d)); err != nil && !os.IsNotExist(err) {
			c.log.Warn().Err(err).Str("eventId", eventID).Msg("failed to drop preview")
		}
	}
}

// Sweep removes entries not accessed within maxAgeSeconds. At most one
// sweep runs at a time; a second caller returns immediately.
func (c *Cache) Sweep(maxAgeSeconds float64) {
	if !c.sweepMu.TryLock() {
		return
	}
	defer c.sweepMu.Unlock()

	cutoff := c.now() - maxAgeSeconds
	entries, err := os.ReadDir(c.basePath)
	if err != nil {
		c.log.Error().Err(err).Msg("preview sweep failed to list cache")
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(c.basePath, entry.Name())
		lastAccessed, err := readFloatAttr(path, xattrLastAccessed)
		if err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("unreadable cache entry; skipped")
			continue
		}
		if lastAccessed >= cutoff {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.log.Warn().Err(err).Str("path", path).Msg("failed to evict cache entry")
			continue
		}
		removed++
	}
	if removed > 0 {
		c.log.Info().Int("removed", removed).Msg("preview sweep done")
	}
}

func (c *Cache) path(eventID string, dimension int) string {
	return filepath.Join(c.basePath, fmt.Sprintf("%s_%d", eventID, dimension))
}

func readFloatAttr(path, name string) (float64, error) {
	raw, err := xattr.Get(path, name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(raw), 64)
}

func writeFloatAttr(path, name string, value float64) error {
	return xattr.Set(path, name, []byte(strconv.FormatFloat(value, 'f', -1, 64)))
}
