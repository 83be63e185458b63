package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/config"
	"github.com/BradenHooton/keyforge/internal/metrics"
	"github.com/BradenHooton/keyforge/internal/models"
)

// LockoutStore persists failed-attempt counters with atomic updates.
type LockoutStore interface {
	Get(ctx context.Context, key string) (*models.LockoutCounter, error)
	// RecordFailure applies one failure atomically. engaged reports whether
	// this call moved the counter into Locked.
	RecordFailure(ctx context.Context, key string, policy models.LockoutPolicy, now time.Time) (c *models.LockoutCounter, engaged bool, err error)
	Reset(ctx context.Context, key string) error
}

// LockoutUserRepository mirrors account locks onto the user record.
type LockoutUserRepository interface {
	SetLockedUntil(ctx context.Context, id string, until *time.Time) error
}

// PolicyFromConfig builds the lockout state machine parameters.
func PolicyFromConfig(cfg config.LockoutConfig) models.LockoutPolicy {
	return models.LockoutPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Duration:    cfg.Duration,
		Incremental: cfg.IncrementalDelay,
		MaxDuration: cfg.MaxDuration,
		Window:      cfg.AttemptWindow,
		RecordTTL:   cfg.RecordTTL,
	}
}

// LockoutService tracks failures per account and per client IP. A lock on
// either key blocks the attempt before any password work happens.
type LockoutService struct {
	store          LockoutStore
	users          LockoutUserRepository
	policy         models.LockoutPolicy
	resetOnSuccess bool
	storeTimeout   time.Duration
	audit          auth.AuditRecorder
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

func NewLockoutService(store LockoutStore, users LockoutUserRepository, cfg config.LockoutConfig, storeTimeout time.Duration, audit auth.AuditRecorder, logger *slog.Logger, m *metrics.Metrics) *LockoutService {
	return &LockoutService{
		store:          store,
		users:          users,
		policy:         PolicyFromConfig(cfg),
		resetOnSuccess: cfg.ResetOnSuccess,
		storeTimeout:   storeTimeout,
		audit:          audit,
		logger:         logger,
		metrics:        m,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Check returns a *models.LockoutError if the account or the IP is locked.
// When both are, the later expiry is reported.
func (s *LockoutService) Check(ctx context.Context, email, ip string) error {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	now := s.now()
	var blocked *models.LockoutError
	for _, key := range lockoutKeys(email, ip) {
		c, err := s.store.Get(ctx, key)
		if err != nil {
			s.metrics.StoreError("lockout")
			return unavailable(err)
		}
		if c.State(now) != models.LockoutLocked {
			continue
		}
		if blocked == nil || c.LockedUntil.After(blocked.LockedUntil) {
			blocked = &models.LockoutError{Key: key, LockedUntil: *c.LockedUntil}
		}
	}
	if blocked != nil {
		return blocked
	}
	return nil
}

// RecordFailure counts one failed attempt on both keys. userID may be empty
// for unknown emails; the account counter is still kept so probing an
// address behaves the same whether or not it exists.
func (s *LockoutService) RecordFailure(ctx context.Context, email, ip, userID string) error {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	now := s.now()
	for _, key := range lockoutKeys(email, ip) {
		c, engaged, err := s.store.RecordFailure(ctx, key, s.policy, now)
		if err != nil {
			s.metrics.StoreError("lockout")
			return unavailable(err)
		}
		if !engaged {
			continue
		}

		scope := "ip"
		if key == models.AccountLockoutKey(email) {
			scope = "account"
			if userID != "" {
				until := *c.LockedUntil
				if err := s.users.SetLockedUntil(ctx, userID, &until); err != nil {
					s.logger.Error("failed to persist account lock", slog.String("user_id", userID), slog.Any("error", err))
				}
			}
		}

		s.metrics.Lockout(scope)
		s.logger.Warn("lockout engaged",
			slog.String("scope", scope),
			slog.Int("lockout_count", c.LockoutCount),
			slog.Time("locked_until", *c.LockedUntil),
		)
		entry := models.AuditLog{
			Actor:  models.ActorSystem,
			Action: models.AuditAccountLocked,
			Detail: scope + " locked until " + c.LockedUntil.Format(time.RFC3339),
		}
		if userID != "" && scope == "account" {
			entry.TargetID = &userID
		}
		if scope == "ip" {
			entry.IPAddress = &ip
		}
		s.audit.Record(ctx, entry)
	}
	return nil
}

// RecordSuccess clears the account counter when resetOnSuccess is set. The
// IP counter is left to decay so one valid login cannot wipe a spray.
func (s *LockoutService) RecordSuccess(ctx context.Context, email string) {
	if !s.resetOnSuccess {
		return
	}
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.Reset(ctx, models.AccountLockoutKey(email)); err != nil {
		s.logger.Warn("failed to reset lockout counter", slog.Any("error", err))
	}
}

// Unlock clears an account lock immediately (admin action).
func (s *LockoutService) Unlock(ctx context.Context, email, userID string) error {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.Reset(ctx, models.AccountLockoutKey(email)); err != nil {
		s.metrics.StoreError("lockout")
		return unavailable(err)
	}
	if userID != "" {
		if err := s.users.SetLockedUntil(ctx, userID, nil); err != nil {
			return err
		}
	}
	return nil
}

func lockoutKeys(email, ip string) []string {
	keys := []string{models.AccountLockoutKey(email)}
	if ip != "" {
		keys = append(keys, models.IPLockoutKey(ip))
	}
	return keys
}
