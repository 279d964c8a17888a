package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryLimiter(clock *fakeClock) *MemoryLimiter {
	m := NewMemoryLimiter(0, nil)
	m.now = clock.Now
	return m
}

// ===========================================================================
// Window semantics
// ===========================================================================

func TestMemoryLimiter_Boundary(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	m := newTestMemoryLimiter(clock)
	ctx := context.Background()

	for i, want := range []int{2, 1, 0} {
		d, err := m.Allow(ctx, "k", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, want, d.Remaining, "call %d", i+1)
	}

	clock.Advance(250 * time.Millisecond)
	d, err := m.Allow(ctx, "k", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 750*time.Millisecond, d.RetryAfter)
	assert.Equal(t, 1, d.RetryAfterSeconds())

	clock.Advance(750 * time.Millisecond)
	d, err = m.Allow(ctx, "k", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new window opens at expiry")
	assert.Equal(t, 2, d.Remaining)
}

func TestMemoryLimiter_HundredPerMinute(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	m := newTestMemoryLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d, err := m.Allow(ctx, "GET /v1/whoami:user-1", 100, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}

	clock.Advance(20 * time.Second)
	d, err := m.Allow(ctx, "GET /v1/whoami:user-1", 100, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40, d.RetryAfterSeconds())
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()
	m := newTestMemoryLimiter(newFakeClock())
	ctx := context.Background()

	_, _ = m.Allow(ctx, "a", 1, time.Minute)
	d, _ := m.Allow(ctx, "a", 1, time.Minute)
	assert.False(t, d.Allowed)

	d, err := m.Allow(ctx, "b", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_DeniedRequestsStillCount(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	m := newTestMemoryLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = m.Allow(ctx, "k", 2, time.Second)
	}
	// The window is not extended by denied requests.
	clock.Advance(time.Second)
	d, _ := m.Allow(ctx, "k", 2, time.Second)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestMemoryLimiter_InvalidArgs(t *testing.T) {
	t.Parallel()
	m := newTestMemoryLimiter(newFakeClock())

	_, err := m.Allow(context.Background(), "", 1, time.Second)
	assert.Error(t, err)
	_, err = m.Allow(context.Background(), "k", 0, time.Second)
	assert.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryLimiter_ConcurrentExactCount(t *testing.T) {
	t.Parallel()
	m := NewMemoryLimiter(0, nil)
	ctx := context.Background()

	const workers, perWorker, limit = 20, 50, 400
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				d, err := m.Allow(ctx, "shared", limit, time.Hour)
				if err == nil && d.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, allowed)
}

// ===========================================================================
// Reclamation
// ===========================================================================

func TestMemoryLimiter_Reclaim(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	m := newTestMemoryLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = m.Allow(ctx, fmt.Sprintf("short-%d", i), 5, time.Second)
	}
	_, _ = m.Allow(ctx, "long", 5, time.Hour)
	require.Equal(t, 4, m.Len())

	assert.Equal(t, 0, m.Reclaim())
	clock.Advance(time.Second)
	assert.Equal(t, 3, m.Reclaim())
	assert.Equal(t, 1, m.Len())
}

func TestMemoryLimiter_Run(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	m := NewMemoryLimiter(5*time.Millisecond, zap.New(core))

	_, err := m.Allow(context.Background(), "k", 1, time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return m.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, logs.FilterMessage("reclaimed expired rate limit windows").Len(), 1)
}

func TestMemoryLimiter_Health(t *testing.T) {
	assert.NoError(t, NewMemoryLimiter(0, nil).Health(context.Background()))
}
