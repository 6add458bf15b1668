package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how often expired counters are collected.
const sweepEvery = time.Minute

// memoryEntry holds the two counters of one bucket. Atomicity comes from
// the per-entry lock.
type memoryEntry struct {
	mu       sync.Mutex
	window   int64
	current  uint64
	previous uint64
	touched  time.Time
}

// MemoryStore is the in-process backend: a concurrent map of per-key
// counters with TTL eviction.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates the store and starts its sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	return e
}

// CheckAndConsume implements Store.
func (s *MemoryStore) CheckAndConsume(_ context.Context, key string, cost, limit uint64, interval time.Duration) (bool, error) {
	now := s.now()
	index, elapsed := window(now, interval)

	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	// Roll the counters forward when the window advanced.
	switch {
	case e.window == index:
	case e.window == index-1:
		e.previous = e.current
		e.current = 0
		e.window = index
	default:
		e.previous = 0
		e.current = 0
		e.window = index
	}
	e.touched = now

	if effectiveLoad(e.previous, e.current, elapsed)+float64(cost) > float64(limit) {
		return false, nil
	}
	e.current += cost
	return true, nil
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops buckets idle for longer than the sweep period; a revived
// key simply starts a fresh pair of counters.
func (s *MemoryStore) sweep() {
	cutoff := s.now().Add(-2 * sweepEvery)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		e.mu.Lock()
		stale := e.touched.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(s.entries, key)
		}
	}
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
