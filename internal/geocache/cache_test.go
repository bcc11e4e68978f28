package geocache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/geocache"
)

func TestCacheReturnsValueUntilExpiry(t *testing.T) {
	cache := geocache.New[string]("test_ttl", geocache.Config{DefaultTTL: time.Minute})
	cache.SetWithTTL("addr:-4.32,15.31", "Gombe, Kinshasa", 50*time.Millisecond)

	value, ok := cache.Get("addr:-4.32,15.31")
	require.True(t, ok)
	require.Equal(t, "Gombe, Kinshasa", value)
	require.True(t, cache.Has("addr:-4.32,15.31"))

	time.Sleep(80 * time.Millisecond)

	_, ok = cache.Get("addr:-4.32,15.31")
	require.False(t, ok)
	require.False(t, cache.Has("addr:-4.32,15.31"))
}

func TestCacheEntryLifetime(t *testing.T) {
	cache := geocache.New[int]("test_entry", geocache.Config{DefaultTTL: time.Minute})
	cache.Set("k", 7)

	entry, ok := cache.Entry("k")
	require.True(t, ok)
	require.Equal(t, 7, entry.Value)
	require.True(t, entry.ExpiresAt.After(entry.CreatedAt))
	require.Equal(t, time.Minute, entry.ExpiresAt.Sub(entry.CreatedAt))
}

func TestCacheNonPositiveTTLUsesDefault(t *testing.T) {
	cache := geocache.New[int]("test_default", geocache.Config{DefaultTTL: time.Minute})
	cache.SetWithTTL("k", 1, 0)

	entry, ok := cache.Entry("k")
	require.True(t, ok)
	require.Equal(t, time.Minute, entry.ExpiresAt.Sub(entry.CreatedAt))
}

func TestCacheLenSweepsExpired(t *testing.T) {
	cache := geocache.New[int]("test_len", geocache.Config{DefaultTTL: time.Minute})
	cache.SetWithTTL("short", 1, 20*time.Millisecond)
	cache.Set("long", 2)
	require.Equal(t, 2, cache.Len())

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, 1, cache.Len())

	cache.Set("other", 3)
	cache.Delete("long")
	require.Equal(t, 1, cache.Len())

	cache.Clear()
	require.Equal(t, 0, cache.Len())
}

func TestCacheFollowsInjectedClock(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	cache := geocache.New[string]("test_clock", geocache.Config{
		DefaultTTL: time.Minute,
		Clock:      func() time.Time { return now },
	})
	cache.Set("addr:-4.32,15.31", "Gombe, Kinshasa")
	cache.SetWithTTL("addr:-4.40,15.30", "Limete, Kinshasa", time.Hour)

	entry, ok := cache.Entry("addr:-4.32,15.31")
	require.True(t, ok)
	require.True(t, entry.CreatedAt.Equal(now))
	require.Equal(t, 2, cache.Len())

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get("addr:-4.32,15.31")
	require.False(t, ok, "entry lapses on the injected clock")
	require.Equal(t, 1, cache.Len())
	require.True(t, cache.Has("addr:-4.40,15.30"))
}

func TestCacheSetReplacesEntry(t *testing.T) {
	cache := geocache.New[string]("test_replace", geocache.Config{})
	cache.Set("route:a:b", "old")
	cache.Set("route:a:b", "new")

	value, ok := cache.Get("route:a:b")
	require.True(t, ok)
	require.Equal(t, "new", value)
}
