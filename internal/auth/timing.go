package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingConfig shapes the padding applied to authentication failures.
type TimingConfig struct {
	BaseDelay      time.Duration
	Jitter         time.Duration
	DelayOnSuccess bool
}

// TimingDelay pads failed authentications to a common floor so "unknown
// email", "wrong password" and "locked" cannot be told apart by latency.
type TimingDelay struct {
	config TimingConfig
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
}

func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{
		config: config,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// cryptoRandIntn returns a uniform-enough value in [0, max) from crypto/rand.
func cryptoRandIntn(max int64) int64 {
	if max <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:]) % uint64(max))
}

func (td *TimingDelay) target() time.Duration {
	return td.config.BaseDelay + time.Duration(cryptoRandIntn(int64(td.config.Jitter)))
}

// WaitFrom sleeps until at least the target delay has elapsed since start.
// Cancellation of ctx cuts the wait short.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time, success bool) {
	if td == nil || (success && !td.config.DelayOnSuccess) {
		return
	}
	remaining := td.target() - td.now().Sub(start)
	if remaining > 0 {
		td.sleep(ctx, remaining)
	}
}
