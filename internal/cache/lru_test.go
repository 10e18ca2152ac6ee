package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg Config) (*LRUCache[string], *time.Time) {
	t.Helper()
	c := NewLRUCache[string](cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	t.Cleanup(func() { _ = c.Close() })
	return c, &now
}

func size[V any](c *LRUCache[V]) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func TestLRUCacheTTL(t *testing.T) {
	c, now := newTestCache(t, ShortLivedConfig(2*time.Second))

	c.Set("status", "ok")
	v, ok := c.Get("status")
	require.True(t, ok)
	assert.Equal(t, "ok", v)

	*now = now.Add(1500 * time.Millisecond)
	_, ok = c.Get("status")
	assert.True(t, ok, "still fresh inside the TTL")

	*now = now.Add(time.Second)
	_, ok = c.Get("status")
	assert.False(t, ok, "expired after the TTL")
	assert.Zero(t, size(c))

	c.Set("status", "again")
	*now = now.Add(time.Second)
	v, ok = c.Get("status")
	require.True(t, ok, "Set restarts the TTL")
	assert.Equal(t, "again", v)
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, Config{MaxSize: 2})

	c.Set("a", "1")
	c.Set("b", "2")
	_, _ = c.Get("a")
	c.Set("c", "3")

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, size(c))
}

func TestLRUCacheClear(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	c.Set("auth:a", "1")
	c.Set("auth:b", "2")
	c.Set("other", "3")

	c.Clear("auth:")
	assert.Equal(t, 1, size(c))

	c.Clear("")
	assert.Zero(t, size(c))
}

func TestLRUCacheCloseIsIdempotent(t *testing.T) {
	var c Cache[int] = NewLRUCache[int](Config{MaxSize: 4})
	c.Set("k", 1)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, ok := c.Get("k")
	assert.False(t, ok)
}
