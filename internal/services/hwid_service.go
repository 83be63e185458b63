package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/config"
	"github.com/BradenHooton/keyforge/internal/metrics"
	"github.com/BradenHooton/keyforge/internal/models"
	"github.com/BradenHooton/keyforge/internal/repositories"
	"github.com/BradenHooton/keyforge/pkg/hwid"
	pkglogger "github.com/BradenHooton/keyforge/pkg/logger"
)

// HWIDBindingRepository stores one binding per subscription. WithBinding
// must serialize concurrent callers for the same subscription.
type HWIDBindingRepository interface {
	Get(ctx context.Context, subscriptionID string) (*models.HWIDBinding, error)
	WithBinding(ctx context.Context, subscriptionID string, fn repositories.BindingMutation) (*models.HWIDBinding, error)
	SetLocked(ctx context.Context, subscriptionID string, locked bool) error
	Delete(ctx context.Context, subscriptionID string) error
}

// HWIDService enforces one hardware fingerprint per subscription.
type HWIDService struct {
	repo         HWIDBindingRepository
	format       *hwid.Format
	policy       config.HWIDConfig
	storeTimeout time.Duration
	audit        auth.AuditRecorder
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewHWIDService(repo HWIDBindingRepository, policy config.HWIDConfig, storeTimeout time.Duration, audit auth.AuditRecorder, logger *slog.Logger, m *metrics.Metrics) (*HWIDService, error) {
	format, err := hwid.NewFormat(policy.MinLength, policy.MaxLength, policy.Charset)
	if err != nil {
		return nil, err
	}
	return &HWIDService{
		repo:         repo,
		format:       format,
		policy:       policy,
		storeTimeout: storeTimeout,
		audit:        audit,
		logger:       logger,
		metrics:      m,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// DeriveFingerprint hashes client signals into the configured format.
func (s *HWIDService) DeriveFingerprint(signals hwid.Signals) string {
	return s.format.Derive(signals)
}

// Bind stores fingerprint for the subscription. A different fingerprint is
// accepted only when updates are allowed and the current one is not locked.
func (s *HWIDService) Bind(ctx context.Context, subscriptionID, fingerprint, actorID string) (*models.HWIDBindResult, error) {
	if subscriptionID == "" {
		return nil, models.ErrBadRequest
	}
	if err := s.format.Validate(fingerprint); err != nil {
		s.metrics.HWIDBind("invalid_format")
		return nil, models.ErrHWIDInvalidFormat
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	now := s.now()
	result := &models.HWIDBindResult{}
	binding, err := s.repo.WithBinding(storeCtx, subscriptionID, func(current *models.HWIDBinding) (*models.HWIDBinding, error) {
		switch {
		case current == nil:
			result.Created = true
			result.Changed = true
			return &models.HWIDBinding{
				SubscriptionID: subscriptionID,
				Fingerprint:    fingerprint,
				Locked:         s.policy.LockAfterRedemption,
				BoundAt:        now,
				UpdatedAt:      now,
			}, nil

		case auth.ConstantTimeHashCompare(current.Fingerprint, fingerprint):
			if s.policy.LockAfterRedemption && !current.Locked {
				next := *current
				next.Locked = true
				next.UpdatedAt = now
				result.Changed = true
				return &next, nil
			}
			return nil, nil

		case current.Locked || !s.policy.AllowUpdate:
			return nil, models.ErrHWIDAlreadyLocked

		default:
			next := *current
			next.Fingerprint = fingerprint
			next.Locked = s.policy.LockAfterRedemption
			next.UpdatedAt = now
			result.Changed = true
			return &next, nil
		}
	})
	if err != nil {
		if errors.Is(err, models.ErrHWIDAlreadyLocked) {
			s.metrics.HWIDBind("already_locked")
			s.record(ctx, models.AuditHWIDRejected, actorID, subscriptionID,
				"different fingerprint already bound: "+pkglogger.ShortFingerprint(fingerprint))
			return nil, err
		}
		s.metrics.HWIDBind("unavailable")
		s.metrics.StoreError("hwid")
		s.logger.Error("hwid bind failed", slog.String("subscription_id", subscriptionID), slog.Any("error", err))
		s.record(ctx, models.AuditStoreUnavailable, actorID, subscriptionID, "hwid bind")
		return nil, unavailable(err)
	}

	result.Binding = binding
	switch {
	case result.Created:
		s.metrics.HWIDBind("created")
		s.record(ctx, models.AuditKeyRedeemed, actorID, subscriptionID, "subscription activated")
		s.record(ctx, models.AuditHWIDBound, actorID, subscriptionID, "bound "+pkglogger.ShortFingerprint(fingerprint))
	case result.Changed:
		s.metrics.HWIDBind("updated")
		s.record(ctx, models.AuditHWIDBound, actorID, subscriptionID, "rebound "+pkglogger.ShortFingerprint(fingerprint))
	default:
		s.metrics.HWIDBind("unchanged")
	}
	return result, nil
}

// Verify reports whether fingerprint matches the bound one. With no binding
// it binds on first use when enabled, otherwise it reports false.
func (s *HWIDService) Verify(ctx context.Context, subscriptionID, fingerprint string) (bool, error) {
	if subscriptionID == "" || s.format.Validate(fingerprint) != nil {
		s.metrics.HWIDVerify(false)
		return false, nil
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	binding, err := s.repo.Get(storeCtx, subscriptionID)
	cancel()
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.metrics.StoreError("hwid")
			return false, unavailable(err)
		}
		if !s.policy.BindOnFirstUse {
			s.metrics.HWIDVerify(false)
			return false, nil
		}
		if _, err := s.Bind(ctx, subscriptionID, fingerprint, models.ActorSystem); err != nil {
			if errors.Is(err, models.ErrHWIDAlreadyLocked) {
				// Lost a race to another device's first use.
				s.metrics.HWIDVerify(false)
				return false, nil
			}
			return false, err
		}
		s.metrics.HWIDVerify(true)
		return true, nil
	}

	matched := auth.ConstantTimeHashCompare(binding.Fingerprint, fingerprint)
	s.metrics.HWIDVerify(matched)
	if !matched {
		s.record(ctx, models.AuditHWIDMismatch, models.ActorSystem, subscriptionID,
			"presented "+pkglogger.ShortFingerprint(fingerprint))
	}
	return matched, nil
}

// Unlock clears the lock flag so the next bind may replace the fingerprint
// (subject to the update policy).
func (s *HWIDService) Unlock(ctx context.Context, subscriptionID, actorID string) error {
	storeCtx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.repo.SetLocked(storeCtx, subscriptionID, false); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return unavailable(err)
	}
	s.record(ctx, models.AuditHWIDUnlocked, actorID, subscriptionID, "binding unlocked")
	return nil
}

// Release destroys the binding, as on subscription revoke or expiry.
func (s *HWIDService) Release(ctx context.Context, subscriptionID, actorID string) error {
	storeCtx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.repo.Delete(storeCtx, subscriptionID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return unavailable(err)
	}
	s.record(ctx, models.AuditHWIDReleased, actorID, subscriptionID, "binding released")
	return nil
}

func (s *HWIDService) record(ctx context.Context, action models.AuditAction, actorID, subscriptionID, detail string) {
	if actorID == "" {
		actorID = models.ActorSystem
	}
	entry := models.AuditLog{
		Actor:    actorID,
		Action:   action,
		Detail:   detail,
		TargetID: &subscriptionID,
	}
	if action == models.AuditStoreUnavailable {
		entry.Level = models.AuditLevelError
	}
	s.audit.Record(ctx, entry)
}
