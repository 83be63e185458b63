package background

import (
	"context"
	"log/slog"
	"time"
)

// RevokedTokenPurger drops revocation entries whose tokens expired anyway.
type RevokedTokenPurger interface {
	CleanupExpiredTokens(ctx context.Context) (int64, error)
}

// ExpiringStore deletes rows that are past their expiry or retention at now.
type ExpiringStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper evicts idle in-process entries older than ttl.
type Sweeper interface {
	Sweep(ttl time.Duration) int
}

// CleanupDeps lists what the manager purges. Nil members are skipped.
type CleanupDeps struct {
	Revocations RevokedTokenPurger
	ResetTokens ExpiringStore
	AuditLogs   ExpiringStore

	// In-memory counters, only set when Redis is not configured.
	RateWindows   Sweeper
	RateWindowTTL time.Duration
	Lockouts      Sweeper
	LockoutTTL    time.Duration
}

type cleanupTask struct {
	name string
	run  func(ctx context.Context, now time.Time) (int64, error)
}

// CleanupManager periodically removes expired rows and idle counters.
type CleanupManager struct {
	tasks    []cleanupTask
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(deps CleanupDeps, logger *slog.Logger, interval time.Duration) *CleanupManager {
	if interval <= 0 {
		interval = time.Hour
	}

	var tasks []cleanupTask
	if deps.Revocations != nil {
		tasks = append(tasks, cleanupTask{"revoked_tokens", func(ctx context.Context, _ time.Time) (int64, error) {
			return deps.Revocations.CleanupExpiredTokens(ctx)
		}})
	}
	if deps.ResetTokens != nil {
		tasks = append(tasks, cleanupTask{"password_reset_tokens", deps.ResetTokens.DeleteExpired})
	}
	if deps.AuditLogs != nil {
		tasks = append(tasks, cleanupTask{"audit_logs", deps.AuditLogs.DeleteExpired})
	}
	if deps.RateWindows != nil {
		tasks = append(tasks, sweepTask("rate_windows", deps.RateWindows, deps.RateWindowTTL))
	}
	if deps.Lockouts != nil {
		tasks = append(tasks, sweepTask("lockout_records", deps.Lockouts, deps.LockoutTTL))
	}

	return &CleanupManager{
		tasks:    tasks,
		logger:   logger,
		interval: interval,
		timeout:  30 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func sweepTask(name string, s Sweeper, ttl time.Duration) cleanupTask {
	return cleanupTask{name, func(context.Context, time.Time) (int64, error) {
		return int64(s.Sweep(ttl)), nil
	}}
}

// Start runs the cleanup immediately and then on every tick until ctx is
// cancelled. It always returns nil so it can sit in an errgroup.
func (cm *CleanupManager) Start(ctx context.Context) error {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-ctx.Done():
			cm.logger.Info("cleanup manager stopped")
			return nil
		}
	}
}

// RunOnce runs every task once. A failing task is logged and does not stop
// the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	now := cm.now()
	for _, task := range cm.tasks {
		if ctx.Err() != nil {
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, cm.timeout)
		removed, err := task.run(taskCtx, now)
		cancel()

		if err != nil {
			cm.logger.Error("cleanup task failed", slog.String("task", task.name), slog.Any("error", err))
			continue
		}
		if removed > 0 {
			cm.logger.Info("cleanup task completed", slog.String("task", task.name), slog.Int64("removed", removed))
		}
	}
}
