package previews

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *float64) {
	t.Helper()
	clock := 1000000.0
	c, err := NewCache(t.TempDir(), func() float64 { return clock }, zerolog.Nop())
	require.NoError(t, err)
	return c, &clock
}

func TestRoundDimension(t *testing.T) {
	assert.Equal(t, 256, RoundDimension(1))
	assert.Equal(t, 256, RoundDimension(256))
	assert.Equal(t, 512, RoundDimension(257))
	assert.Equal(t, 768, RoundDimension(600))
	assert.Equal(t, 1024, RoundDimension(1024))
	// Oversized requests cap at the largest standard dimension.
	assert.Equal(t, 1024, RoundDimension(5000))
}

func TestPutAndGet(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Put("ev-1", 300, 42.0, []byte("png-bytes")))

	// 300 rounded up to 512, so any size in (256, 512] hits the same entry.
	data, err := c.Get("ev-1", 400, 42.0)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	// Unknown event misses.
	_, err = c.Get("ev-2", 400, 42.0)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestGetStaleEntryMisses(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Put("ev-1", 256, 42.0, []byte("old")))

	// The event was modified after the preview was derived.
	_, err := c.Get("ev-1", 256, 43.0)
	assert.ErrorIs(t, err, ErrMiss)

	// Same-or-older modification stamp still hits.
	data, err := c.Get("ev-1", 256, 42.0)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), data)
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Put("idle", 256, 1.0, []byte("a")))
	*clock += 3600
	require.NoError(t, c.Put("fresh", 256, 1.0, []byte("b")))

	// Evict anything untouched for 30 minutes.
	c.Sweep(1800)

	_, err := c.Get("idle", 256, 1.0)
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.Get("fresh", 256, 1.0)
	assert.NoError(t, err)
}

func TestSweepIsIdempotent(t *testing.T) {
	c, clock := newTestCache(t)
	require.NoError(t, c.Put("ev-1", 256, 1.0, []byte("a")))
	*clock += 3600

	c.Sweep(60)
	c.Sweep(60) // nothing left; must not fail
	_, err := c.Get("ev-1", 256, 1.0)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRemoveDropsAllDimensions(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Put("ev-1", 200, 1.0, []byte("s")))
	require.NoError(t, c.Put("ev-1", 1000, 1.0, []byte("l")))

	c.Remove("ev-1")

	_, err := c.Get("ev-1", 200, 1.0)
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.Get("ev-1", 1000, 1.0)
	assert.ErrorIs(t, err, ErrMiss)
}
