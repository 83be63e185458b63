package models

import "time"

// LockoutState is the position of a key in the lockout state machine.
type LockoutState string

const (
	LockoutClear        LockoutState = "clear"
	LockoutAccumulating LockoutState = "accumulating"
	LockoutLocked       LockoutState = "locked"
)

// LockoutCounter tracks failed attempts for one key (an account or an IP).
type LockoutCounter struct {
	Key          string     `json:"key"`
	FailedCount  int        `json:"failed_count"`
	FirstFailure *time.Time `json:"first_failure,omitempty"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	LockoutCount int        `json:"lockout_count"`
}

// State derives the state at now. An expired lock reads as clear.
func (c *LockoutCounter) State(now time.Time) LockoutState {
	if c == nil {
		return LockoutClear
	}
	if c.LockedUntil != nil && c.LockedUntil.After(now) {
		return LockoutLocked
	}
	if c.LockedUntil == nil && c.FailedCount > 0 {
		return LockoutAccumulating
	}
	return LockoutClear
}

// AccountLockoutKey and IPLockoutKey namespace store keys by subject kind.
func AccountLockoutKey(email string) string { return "acct:" + email }
func IPLockoutKey(ip string) string         { return "ip:" + ip }

// LockoutPolicy parameterizes the lockout state machine.
type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
	Incremental bool
	MaxDuration time.Duration // zero means uncapped
	Window      time.Duration // failures older than this stop counting; zero keeps them
	RecordTTL   time.Duration
}

// LockDuration is the lock length for the n-th lockout (1-based). With
// Incremental set it doubles each time, capped at MaxDuration.
func (p LockoutPolicy) LockDuration(n int) time.Duration {
	d := p.Duration
	if !p.Incremental || n <= 1 {
		return p.capped(d)
	}
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDuration > 0 && d >= p.MaxDuration {
			return p.MaxDuration
		}
		if d <= 0 { // overflow
			return p.capped(time.Duration(1<<63 - 1))
		}
	}
	return p.capped(d)
}

func (p LockoutPolicy) capped(d time.Duration) time.Duration {
	if p.MaxDuration > 0 && d > p.MaxDuration {
		return p.MaxDuration
	}
	return d
}

// ApplyFailure returns the counter after one more failure at now. A counter
// that is currently locked is returned unchanged.
func (p LockoutPolicy) ApplyFailure(c *LockoutCounter, key string, now time.Time) *LockoutCounter {
	next := LockoutCounter{Key: key}
	if c != nil {
		next = *c
	}

	if next.LockedUntil != nil {
		if next.LockedUntil.After(now) {
			return &next
		}
		// lock elapsed; start a fresh accumulation but remember the lockout
		next.LockedUntil = nil
		next.FailedCount = 0
		next.FirstFailure = nil
	}

	if next.FirstFailure != nil && p.Window > 0 && now.Sub(*next.FirstFailure) > p.Window {
		next.FailedCount = 0
		next.FirstFailure = nil
	}

	if next.FirstFailure == nil {
		first := now
		next.FirstFailure = &first
	}
	next.FailedCount++

	if next.FailedCount >= p.MaxAttempts {
		next.LockoutCount++
		until := now.Add(p.LockDuration(next.LockoutCount))
		next.LockedUntil = &until
	}
	return &next
}
