package cache_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veymar/trackgate/cache"
)

func TestFetchDeduplicatesConcurrentLookups(t *testing.T) {
	t.Parallel()

	c := cache.New()

	var calls atomic.Int32
	lookup := func() (string, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)

		return "/music/a/b/01 - c.flac", nil
	}

	const n = 16

	var wg sync.WaitGroup
	results := make([]cache.PathEntry, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := c.Paths.Fetch("deezer:123", lookup)
			assert.NoError(t, err)
			results[i] = entry
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent fetches must share one lookup")
	for _, entry := range results {
		assert.Equal(t, "/music/a/b/01 - c.flac", entry.Path)
		assert.True(t, entry.Found())
	}
}

func TestFetchCachesNegativeResults(t *testing.T) {
	t.Parallel()

	c := cache.New()

	var calls atomic.Int32
	lookup := func() (string, error) {
		calls.Add(1)

		return "", nil
	}

	for range 5 {
		entry, err := c.Paths.Fetch("tidal:9", lookup)
		require.NoError(t, err)
		assert.False(t, entry.Found())
	}

	assert.Equal(t, int32(1), calls.Load(), "negative entries must be served from cache")
}

func TestInvalidateForcesFreshLookup(t *testing.T) {
	t.Parallel()

	c := cache.New()

	var calls atomic.Int32
	lookup := func() (string, error) {
		calls.Add(1)

		return "/music/x.flac", nil
	}

	_, err := c.Paths.Fetch("qobuz:7", lookup)
	require.NoError(t, err)
	_, err = c.Paths.Fetch("qobuz:7", lookup)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	c.Paths.Invalidate("qobuz:7")

	_, err = c.Paths.Fetch("qobuz:7", lookup)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "invalidate must force a fresh lookup")
}
