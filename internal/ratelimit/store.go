package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Store holds the per-key request timestamps of a sliding window
type Store interface {
	// Allow evicts timestamps older than now-window, then appends now and
	// reports true only while fewer than limit remain.
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error)

	// Count reports how many timestamps fall inside the window ending at now
	// and the oldest of them, without mutating the key.
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (count int, oldest time.Time, err error)

	// Sweep drops keys whose newest timestamp is older than now-idle
	Sweep(ctx context.Context, idle time.Duration, now time.Time) (int, error)
}

// MemoryStore keeps windows in process memory. State is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

// Allow implements Store
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := evict(s.windows[key], now.Add(-window))
	if len(stamps) >= limit {
		s.store(key, stamps)
		return false, nil
	}

	// Callers may race between reading the clock and taking the lock
	i, _ := slices.BinarySearchFunc(stamps, now, func(a, b time.Time) int { return a.Compare(b) })
	s.windows[key] = slices.Insert(stamps, i, now)
	return true, nil
}

// Count implements Store
func (s *MemoryStore) Count(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.windows[key][firstLive(s.windows[key], now.Add(-window)):]
	if len(live) == 0 {
		return 0, time.Time{}, nil
	}
	return len(live), live[0], nil
}

// Sweep implements Store
func (s *MemoryStore) Sweep(_ context.Context, idle time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-idle)
	removed := 0
	for key, stamps := range s.windows {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(cutoff) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked keys
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func (s *MemoryStore) store(key string, stamps []time.Time) {
	if len(stamps) == 0 {
		delete(s.windows, key)
		return
	}
	s.windows[key] = stamps
}

// evict drops timestamps strictly before cutoff from the front
func evict(stamps []time.Time, cutoff time.Time) []time.Time {
	return stamps[firstLive(stamps, cutoff):]
}

func firstLive(stamps []time.Time, cutoff time.Time) int {
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	return i
}
