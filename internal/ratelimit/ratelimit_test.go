package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_WindowedLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(2, time.Hour)
	l.now = func() time.Time { return now }

	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		ok, err := l.Allow(ctx, "buyer@example.com")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "call %d", i)
	}

	ok, err := l.Allow(ctx, "other@example.com")
	require.NoError(t, err)
	assert.True(t, ok, "keys must be independent")

	now = now.Add(time.Hour)
	ok, err = l.Allow(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.True(t, ok, "new window must reset the counter")
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	l := NewMemoryLimiter(10, time.Hour)
	fixed := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := l.Allow(context.Background(), "k")
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}
