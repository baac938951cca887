package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slotgate/slotgate/internal/cache"
	"github.com/slotgate/slotgate/internal/dedup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(ttl time.Duration) *cache.Cache {
	return cache.New(ttl, dedup.NewRegistry())
}

func TestCache_ReadThrough(t *testing.T) {
	c := newCache(time.Minute)
	ctx := context.Background()

	var loads int64
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&loads, 1)
		return "v1", nil
	}

	v, err := c.GetOrLoad(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	v, err = c.GetOrLoad(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int64(1), atomic.LoadInt64(&loads))
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newCache(30 * time.Millisecond)
	ctx := context.Background()

	var loads int64
	loader := func(ctx context.Context) (any, error) {
		return atomic.AddInt64(&loads, 1), nil
	}

	v, err := c.GetOrLoad(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	time.Sleep(50 * time.Millisecond)

	v, err = c.GetOrLoad(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestCache_ConcurrentMissesLoadOnce(t *testing.T) {
	c := newCache(time.Minute)
	ctx := context.Background()

	var loads int64
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&loads, 1)
		<-release
		return "v", nil
	}

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad(ctx, "k", loader)
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&loads))
}

// TestPurpose: Validates write coherence: a load that overlaps an
// invalidation must not repopulate the cache with the pre-mutation value.
func TestCache_InvalidationBeatsInFlightLoad(t *testing.T) {
	c := newCache(time.Minute)
	ctx := context.Background()

	loadStarted := make(chan struct{})
	release := make(chan struct{})
	staleLoader := func(ctx context.Context) (any, error) {
		close(loadStarted)
		<-release
		return "stale", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := c.GetOrLoad(ctx, "k", staleLoader)
		assert.NoError(t, err)
		assert.Equal(t, "stale", v)
	}()

	<-loadStarted
	// Mutation lands while the load is in flight
	c.Invalidate("k")
	close(release)
	<-done

	// The stale value was returned to its caller but never published
	_, ok := c.Get("k")
	assert.False(t, ok)

	v, err := c.GetOrLoad(ctx, "k", func(ctx context.Context) (any, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestCache_InvalidateDropsEntry(t *testing.T) {
	c := newCache(time.Minute)
	ctx := context.Background()

	_, err := c.GetOrLoad(ctx, "k", func(ctx context.Context) (any, error) {
		return "v1", nil
	})
	require.NoError(t, err)

	c.Invalidate("k")

	v, err := c.GetOrLoad(ctx, "k", func(ctx context.Context) (any, error) {
		return "v2", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestCache_LoaderErrorNotCached(t *testing.T) {
	c := newCache(time.Minute)
	ctx := context.Background()

	calls := 0
	loader := func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, assert.AnError
		}
		return "v", nil
	}

	_, err := c.GetOrLoad(ctx, "k", loader)
	assert.Error(t, err)

	v, err := c.GetOrLoad(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}
