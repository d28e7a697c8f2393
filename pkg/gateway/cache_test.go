package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetMiss(t *testing.T) {
	c := NewCache()
	_, ok := c.Get("nothing")
	assert.False(t, ok)
}

func TestCacheTTL(t *testing.T) {
	clk := newClock()
	c := NewCache(WithTTL(time.Hour), WithCacheClock(clk.Now))

	c.Record("p", "v")
	clk.Advance(59 * time.Minute)
	v, ok := c.Get("p")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clk.Advance(time.Minute)
	_, ok = c.Get("p")
	assert.False(t, ok, "entry at TTL must not be served")
	assert.Equal(t, 1, c.Len(), "expired entries linger until eviction")
}

func TestCacheGetRefreshesNothing(t *testing.T) {
	clk := newClock()
	c := NewCache(WithTTL(time.Hour), WithCacheClock(clk.Now))

	c.Record("p", "v")
	clk.Advance(30 * time.Minute)
	_, ok := c.Get("p")
	require.True(t, ok)

	clk.Advance(30 * time.Minute)
	_, ok = c.Get("p")
	assert.False(t, ok)
}

func TestCacheUpsertRefreshes(t *testing.T) {
	clk := newClock()
	c := NewCache(WithTTL(time.Hour), WithCacheClock(clk.Now))

	c.Record("p", "old")
	clk.Advance(50 * time.Minute)
	c.Record("p", "new")
	clk.Advance(50 * time.Minute)

	v, ok := c.Get("p")
	require.True(t, ok)
	assert.Equal(t, "new", v)
	assert.Equal(t, 1, c.Len())
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	clk := newClock()
	c := NewCache(WithCacheClock(clk.Now))
	total := DefaultCacheCapacity + 50

	for i := 0; i < total; i++ {
		c.Record(fmt.Sprintf("prompt-%d", i), "v")
		clk.Advance(time.Second)
	}

	assert.LessOrEqual(t, c.Len(), DefaultCacheCapacity)
	for i := 0; i < 50; i++ {
		_, ok := c.Get(fmt.Sprintf("prompt-%d", i))
		assert.False(t, ok, "prompt-%d should have been evicted", i)
	}
	for i := 50; i < total; i++ {
		_, ok := c.Get(fmt.Sprintf("prompt-%d", i))
		assert.True(t, ok, "prompt-%d should be present", i)
	}
}

func TestCacheEvictsExpiredFirst(t *testing.T) {
	clk := newClock()
	c := NewCache(WithCapacity(3), WithTTL(time.Hour), WithCacheClock(clk.Now))

	c.Record("stale-1", "v")
	c.Record("stale-2", "v")
	clk.Advance(2 * time.Hour)
	c.Record("fresh-1", "v")
	c.Record("fresh-2", "v")

	// Over capacity: both stale entries go, nothing fresh is touched.
	assert.Equal(t, 2, c.Len())
	for _, k := range []string{"fresh-1", "fresh-2"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
}

func TestCachePurge(t *testing.T) {
	c := NewCache(WithCapacity(5))
	c.Record("a", "1")
	c.Record("b", "2")
	c.Purge()
	assert.Zero(t, c.Len())
	assert.Equal(t, 5, c.Capacity())
	assert.Equal(t, DefaultCacheTTL, c.TTL())
}
