package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock pins the store clock for deterministic window math.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryStore(t *testing.T) (*MemoryStore, *fixedClock) {
	t.Helper()
	s := NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	// Align to a window start so elapsed fractions are predictable.
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0).Truncate(time.Minute)}
	s.now = clock.Now
	return s, clock
}

func TestMemoryStoreConsumesUpToLimit(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := s.CheckAndConsume(ctx, "k", 1, 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i)
	}
	allowed, err := s.CheckAndConsume(ctx, "k", 1, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestMemoryStoreDeniedConsumesNothing(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()

	allowed, err := s.CheckAndConsume(ctx, "k", 60, 100, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	// 60 would exceed 100; the counter must stay at 60.
	allowed, err = s.CheckAndConsume(ctx, "k", 60, 100, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed)

	// 40 still fits, proving the denied call consumed nothing.
	allowed, err = s.CheckAndConsume(ctx, "k", 40, 100, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryStoreSlidingWindowDecay(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	// Fill the first window completely.
	allowed, err := s.CheckAndConsume(ctx, "k", 10, 10, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	// At the start of the next window the previous one still counts in
	// full: effective = 10*(1-0) = 10.
	clock.Advance(time.Minute)
	allowed, err = s.CheckAndConsume(ctx, "k", 1, 10, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Halfway through, effective = 10*0.5 = 5; 5 more fit but 6 do not.
	clock.Advance(30 * time.Second)
	allowed, err = s.CheckAndConsume(ctx, "k", 6, 10, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
	allowed, err = s.CheckAndConsume(ctx, "k", 5, 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryStoreWindowGapResets(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	allowed, err := s.CheckAndConsume(ctx, "k", 10, 10, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	// Skipping more than one full window clears both counters.
	clock.Advance(3 * time.Minute)
	allowed, err = s.CheckAndConsume(ctx, "k", 10, 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryStoreConcurrentBound(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()
	const limit = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	consumed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := s.CheckAndConsume(ctx, "k", 1, limit, time.Minute)
			require.NoError(t, err)
			if allowed {
				mu.Lock()
				consumed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, consumed)
}

func TestMemoryStoreKeysAreIndependent(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()

	allowed, err := s.CheckAndConsume(ctx, IPKey("1.2.3.4"), 1, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = s.CheckAndConsume(ctx, IPKey("5.6.7.8"), 1, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBucketKeyNamespaces(t *testing.T) {
	keys := []string{
		GlobalKey(),
		IPKey("1.1.1.1"),
		ServerKey("gh"),
		ServerToolKey("gh", "create_issue"),
		ProviderUserKey("ai", "u1"),
		ProviderUserGroupKey("ai", "u1", "free"),
		ModelUserKey("ai", "gpt-4", "u1"),
		ModelUserGroupKey("ai", "gpt-4", "u1", "free"),
	}
	seen := make(map[string]bool)
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate bucket key %q", k)
		seen[k] = true
	}
}
