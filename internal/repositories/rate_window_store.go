package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/keyforge/internal/models"
)

type memoryWindow struct {
	start time.Time
	count int
}

// MemoryRateWindowStore keeps fixed windows in process memory. A single mutex
// makes check-then-increment atomic across goroutines.
type MemoryRateWindowStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     Clock
}

func NewMemoryRateWindowStore(clock Clock) *MemoryRateWindowStore {
	if clock == nil {
		clock = systemClock
	}
	return &MemoryRateWindowStore{
		windows: make(map[string]*memoryWindow),
		now:     clock,
	}
}

// Hit counts one request against key if the window still has room. A
// rejected hit leaves the window untouched.
func (s *MemoryRateWindowStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (models.RateDecision, error) {
	if err := ctx.Err(); err != nil {
		return models.RateDecision{}, models.ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.start.Add(window)) {
		w = &memoryWindow{start: now}
		s.windows[key] = w
	}

	if w.count >= limit {
		return models.RateDecision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.start.Add(window).Sub(now),
		}, nil
	}

	w.count++
	return models.RateDecision{Allowed: true, Remaining: limit - w.count}, nil
}

// Refund gives back one hit in the current window, if any.
func (s *MemoryRateWindowStore) Refund(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[key]; ok && w.count > 0 {
		w.count--
	}
	return nil
}

// Sweep drops windows that ended before now minus maxWindow.
func (s *MemoryRateWindowStore) Sweep(maxWindow time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxWindow)
	removed := 0
	for k, w := range s.windows {
		if w.start.Before(cutoff) {
			delete(s.windows, k)
			removed++
		}
	}
	return removed
}
