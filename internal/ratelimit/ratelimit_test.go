package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_LimitBoundary(t *testing.T) {
	limiter := NewLimiter(NewMemoryCounter())
	ctx := context.Background()

	// Request N=limit succeeds, request N=limit+1 is rejected.
	for i := int64(0); i < ClassWatchdog.Limit; i++ {
		require.NoError(t, limiter.Allow(ctx, "machine-1", ClassWatchdog), "request %d", i+1)
	}
	assert.ErrorIs(t, limiter.Allow(ctx, "machine-1", ClassWatchdog), ErrRateLimited)
}

func TestAllow_IdentitiesIsolated(t *testing.T) {
	limiter := NewLimiter(NewMemoryCounter())
	ctx := context.Background()

	for i := int64(0); i < ClassWatchdog.Limit; i++ {
		require.NoError(t, limiter.Allow(ctx, "machine-1", ClassWatchdog))
	}
	assert.ErrorIs(t, limiter.Allow(ctx, "machine-1", ClassWatchdog), ErrRateLimited)
	assert.NoError(t, limiter.Allow(ctx, "machine-2", ClassWatchdog))
}

func TestAllow_ClassesIsolated(t *testing.T) {
	limiter := NewLimiter(NewMemoryCounter())
	ctx := context.Background()

	for i := int64(0); i < ClassWatchdog.Limit; i++ {
		require.NoError(t, limiter.Allow(ctx, "machine-1", ClassWatchdog))
	}
	assert.ErrorIs(t, limiter.Allow(ctx, "machine-1", ClassWatchdog), ErrRateLimited)

	// Exhausting the watchdog class leaves the ingestion class untouched.
	assert.NoError(t, limiter.Allow(ctx, "machine-1", ClassIngestion))
}

func TestAllow_WindowReset(t *testing.T) {
	counter := NewMemoryCounter()
	now := time.Now()
	counter.SetClock(func() time.Time { return now })
	limiter := NewLimiter(counter)
	ctx := context.Background()

	for i := int64(0); i < ClassWatchdog.Limit; i++ {
		require.NoError(t, limiter.Allow(ctx, "machine-1", ClassWatchdog))
	}
	assert.ErrorIs(t, limiter.Allow(ctx, "machine-1", ClassWatchdog), ErrRateLimited)

	now = now.Add(ClassWatchdog.Window + time.Second)
	assert.NoError(t, limiter.Allow(ctx, "machine-1", ClassWatchdog))
}

func TestMemoryCounter_ConcurrentIncrements(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := counter.Incr(ctx, "shared", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := counter.Incr(ctx, "shared", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines+1), n)
}

func TestMemoryCounter_EvictsExpiredWindows(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()
	now := time.Now()
	counter.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		_, err := counter.Incr(ctx, fmt.Sprintf("idle-%d", i), time.Minute)
		require.NoError(t, err)
	}

	// Past both the window expiry and the sweep boundary, the next Incr
	// drops every stale window instead of letting the map grow forever.
	now = now.Add(2 * time.Minute)
	_, err := counter.Incr(ctx, "fresh", time.Minute)
	require.NoError(t, err)

	counter.mu.Lock()
	remaining := len(counter.windows)
	counter.mu.Unlock()
	assert.Equal(t, 1, remaining)
}

func TestClassNames(t *testing.T) {
	// The class names are part of the HTTP contract.
	assert.Equal(t, "event-ingestion", ClassIngestion.Name)
	assert.Equal(t, int64(30), ClassIngestion.Limit)
	assert.Equal(t, "watchdog-alerts", ClassWatchdog.Name)
	assert.Equal(t, int64(10), ClassWatchdog.Limit)
}

func TestLimiter_KeyIncludesClass(t *testing.T) {
	counter := NewMemoryCounter()
	limiter := NewLimiter(counter)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "m", ClassIngestion))
	require.NoError(t, limiter.Allow(ctx, "m", ClassWatchdog))

	n, err := counter.Incr(ctx, fmt.Sprintf("ratelimit:%s:m", ClassIngestion.Name), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
