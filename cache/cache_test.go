package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestGetOrFillCachesValue(t *testing.T) {
	c := New[int](time.Minute)
	fills := atomic.NewInt64(0)

	fill := func(ctx context.Context) (int, error) {
		fills.Inc()
		return 42, nil
	}

	v, err := c.GetOrFill(context.Background(), "k", fill)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	v, err = c.GetOrFill(context.Background(), "k", fill)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, int64(1), fills.Load())
}

func TestGetOrFillDoesNotCacheErrors(t *testing.T) {
	c := New[int](time.Minute)
	fills := atomic.NewInt64(0)

	_, err := c.GetOrFill(context.Background(), "k", func(ctx context.Context) (int, error) {
		fills.Inc()
		return 0, errors.New("backing store down")
	})
	require.Error(t, err)

	v, err := c.GetOrFill(context.Background(), "k", func(ctx context.Context) (int, error) {
		fills.Inc()
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Equal(t, int64(2), fills.Load())
}

func TestConcurrentFillsCollapse(t *testing.T) {
	c := New[int](time.Minute)
	fills := atomic.NewInt64(0)
	gate := make(chan struct{})

	fill := func(ctx context.Context) (int, error) {
		fills.Inc()
		<-gate
		return 1, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrFill(context.Background(), "hot", fill)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let every caller reach the cache before releasing the single fill.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, int64(1), fills.Load())
	for _, v := range results {
		require.Equal(t, 1, v)
	}
}

func TestCallerContextBoundsWait(t *testing.T) {
	c := New[int](time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GetOrFill(ctx, "slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExpiryAndInvalidate(t *testing.T) {
	c := New[string](30 * time.Millisecond)
	c.Set("k", "v")

	got, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", got)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("k")
	require.False(t, ok)

	c.Set("k2", "v2")
	c.Invalidate("k2")
	_, ok = c.Get("k2")
	require.False(t, ok)
}
