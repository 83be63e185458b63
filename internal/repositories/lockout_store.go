package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/keyforge/internal/models"
)

// MemoryLockoutStore keeps lockout counters in process memory.
type MemoryLockoutStore struct {
	mu       sync.Mutex
	counters map[string]models.LockoutCounter
	updated  map[string]time.Time
	now      Clock
}

func NewMemoryLockoutStore(clock Clock) *MemoryLockoutStore {
	if clock == nil {
		clock = systemClock
	}
	return &MemoryLockoutStore{
		counters: make(map[string]models.LockoutCounter),
		updated:  make(map[string]time.Time),
		now:      clock,
	}
}

func (s *MemoryLockoutStore) Get(ctx context.Context, key string) (*models.LockoutCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// RecordFailure applies one failure under the store lock, so concurrent
// failures for the same key are never lost. engaged is true only for the
// call that moved the counter into Locked.
func (s *MemoryLockoutStore) RecordFailure(ctx context.Context, key string, policy models.LockoutPolicy, now time.Time) (*models.LockoutCounter, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, models.ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *models.LockoutCounter
	if c, ok := s.counters[key]; ok {
		current = &c
	}
	wasLocked := current.State(now) == models.LockoutLocked
	next := policy.ApplyFailure(current, key, now)
	s.counters[key] = *next
	s.updated[key] = s.now()
	out := *next
	return &out, !wasLocked && out.State(now) == models.LockoutLocked, nil
}

func (s *MemoryLockoutStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return models.ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	delete(s.updated, key)
	return nil
}

// Sweep forgets counters untouched for ttl whose lock has elapsed.
func (s *MemoryLockoutStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, at := range s.updated {
		c := s.counters[k]
		if now.Sub(at) > ttl && c.State(now) != models.LockoutLocked {
			delete(s.counters, k)
			delete(s.updated, k)
			removed++
		}
	}
	return removed
}
