package cursor

import (
	"context"
	"sync"
	"time"
)

// DefaultLookback is the window used when a source has never been synced.
const DefaultLookback = 15 * time.Minute

// Store persists the last successfully processed timestamp per source.
// Set never moves a cursor backwards.
type Store interface {
	Get(ctx context.Context, source string) (time.Time, error)
	Set(ctx context.Context, source string, ts time.Time) error
}

// MemoryStore keeps cursors in process memory. Suitable for single-instance runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	cursors  map[string]time.Time
	lookback time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a MemoryStore. A non-positive lookback uses DefaultLookback.
func NewMemoryStore(lookback time.Duration) *MemoryStore {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &MemoryStore{
		cursors:  make(map[string]time.Time),
		lookback: lookback,
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, source string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ts, ok := s.cursors[source]; ok {
		return ts, nil
	}
	return s.now().Add(-s.lookback).UTC(), nil
}

func (s *MemoryStore) Set(_ context.Context, source string, ts time.Time) error {
	if ts.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.cursors[source]; ok && !ts.After(cur) {
		return nil
	}
	s.cursors[source] = ts.UTC()
	return nil
}
