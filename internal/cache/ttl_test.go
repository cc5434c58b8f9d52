package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxEntries int, ttl time.Duration) *TTLCache {
	t.Helper()
	c, err := NewTTLCache(maxEntries, ttl)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestTTLCacheRejectsBadConfig(t *testing.T) {
	_, err := NewTTLCache(10, 0)
	assert.Error(t, err)
	_, err = NewTTLCache(0, time.Minute)
	assert.Error(t, err)
}

func TestTTLCacheRoundTrip(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	c.Set("k1", "v1", 0)
	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestTTLCacheExpiry(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	c.Set("ephemeral", 1, 10*time.Millisecond)
	_, ok := c.Get("ephemeral")
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("ephemeral")
	assert.False(t, ok, "entry should expire after its TTL")
}

func TestTTLCacheEvictsLRUWhenFull(t *testing.T) {
	c := newTestCache(t, 2, time.Minute)

	c.Set("old", 1, 0)
	time.Sleep(2 * time.Millisecond)
	c.Set("newer", 2, 0)
	time.Sleep(2 * time.Millisecond)

	// Touch "old" so "newer" becomes the eviction candidate.
	_, ok := c.Get("old")
	require.True(t, ok)

	c.Set("newest", 3, 0)

	_, ok = c.Get("old")
	assert.True(t, ok)
	_, ok = c.Get("newer")
	assert.False(t, ok)
	_, ok = c.Get("newest")
	assert.True(t, ok)

	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestTTLCacheDeletePrefix(t *testing.T) {
	c := newTestCache(t, 100, time.Minute)

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("tenant-a:%d", i), i, 0)
	}
	c.Set("tenant-b:0", 0, 0)

	removed := c.DeletePrefix("tenant-a:")
	assert.Equal(t, 5, removed)

	_, ok := c.Get("tenant-b:0")
	assert.True(t, ok)
}

func TestTTLCacheStats(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	c.Set("k", 1, 0)
	c.Get("k")
	c.Get("k")
	c.Get("absent")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Entries)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio(), 0.001)

	c.Clear()
	assert.Equal(t, int64(0), c.Stats().Entries)
	assert.Equal(t, float64(0), c.Stats().HitRatio())
}
