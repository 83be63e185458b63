package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/models"
	pkgauth "github.com/BradenHooton/keyforge/pkg/auth"
)

const resetCountWindow = 24 * time.Hour

// PasswordResetRepository stores hashed single-use reset tokens.
type PasswordResetRepository interface {
	// CreateWithinLimit stores token only while the user has fewer than limit
	// tokens created after since. The check and insert are atomic.
	CreateWithinLimit(ctx context.Context, token *models.PasswordResetToken, since time.Time, limit int) (bool, error)
	GetByHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error)
	MarkUsed(ctx context.Context, id string, at time.Time) error
}

type PasswordResetConfig struct {
	TokenTTL     time.Duration
	MaxPerDay    int
	StoreTimeout time.Duration
}

// PasswordResetService issues and redeems reset tokens. Requests never
// reveal whether an address exists or has hit its daily cap.
type PasswordResetService struct {
	resets  PasswordResetRepository
	users   UserRepository
	hasher  *pkgauth.Hasher
	policy  pkgauth.PasswordPolicy
	lockout *LockoutService
	mailer  Mailer
	audit   auth.AuditRecorder
	cfg     PasswordResetConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewPasswordResetService(resets PasswordResetRepository, users UserRepository, hasher *pkgauth.Hasher, policy pkgauth.PasswordPolicy, lockout *LockoutService, mailer Mailer, audit auth.AuditRecorder, cfg PasswordResetConfig, logger *slog.Logger) *PasswordResetService {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.MaxPerDay <= 0 {
		cfg.MaxPerDay = 3
	}
	return &PasswordResetService{
		resets:  resets,
		users:   users,
		hasher:  hasher,
		policy:  policy,
		lockout: lockout,
		mailer:  mailer,
		audit:   audit,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Request mails a reset link when the address belongs to an active user
// under the daily cap. Only store failures are reported.
func (s *PasswordResetService) Request(ctx context.Context, email, clientIP string) error {
	email = NormalizeEmail(email)
	if ValidateEmail(email) != nil {
		return nil
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	user, err := s.users.GetByEmail(storeCtx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return unavailable(err)
	}
	if !user.Active {
		return nil
	}

	plain, err := pkgauth.GenerateResetToken()
	if err != nil {
		return err
	}
	now := s.now()
	record := &models.PasswordResetToken{
		UserID:    user.ID,
		TokenHash: hashResetToken(plain),
		ExpiresAt: now.Add(s.cfg.TokenTTL),
		CreatedAt: now,
	}
	created, err := s.resets.CreateWithinLimit(storeCtx, record, now.Add(-resetCountWindow), s.cfg.MaxPerDay)
	if err != nil {
		return unavailable(err)
	}
	if !created {
		s.audit.Record(ctx, models.AuditLog{
			Actor:     user.ID,
			Action:    models.AuditPasswordResetThrottled,
			Detail:    "daily reset limit reached",
			IPAddress: &clientIP,
		})
		return nil
	}

	if s.mailer != nil {
		if err := s.mailer.SendPasswordResetEmail(ctx, user.Email, plain, record.ExpiresAt); err != nil {
			s.logger.Error("failed to send reset email", slog.String("user_id", user.ID), slog.Any("error", err))
		}
	}

	s.audit.Record(ctx, models.AuditLog{
		Actor:     user.ID,
		Action:    models.AuditPasswordResetRequested,
		Detail:    "reset token issued",
		IPAddress: &clientIP,
	})
	return nil
}

// Complete redeems a reset token exactly once and sets the new password.
// The policy is checked first so a weak password does not burn the token.
func (s *PasswordResetService) Complete(ctx context.Context, token, newPassword string) error {
	result := s.policy.Validate(newPassword)
	if !result.Valid {
		return &models.PasswordPolicyError{Violations: result.Strings()}
	}
	if token == "" {
		return models.ErrResetTokenInvalid
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	now := s.now()
	record, err := s.resets.GetByHash(storeCtx, hashResetToken(token))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrResetTokenInvalid
		}
		return unavailable(err)
	}
	if !record.IsValid(now) {
		return models.ErrResetTokenInvalid
	}

	// Claim the token before touching the password; a concurrent redeemer
	// loses here.
	if err := s.resets.MarkUsed(storeCtx, record.ID, now); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrResetTokenInvalid
		}
		return unavailable(err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return models.ErrInternalServer
	}
	if err := s.users.UpdatePassword(storeCtx, record.UserID, hash, now); err != nil {
		return unavailable(err)
	}

	if user, err := s.users.GetByID(storeCtx, record.UserID); err == nil && s.lockout != nil {
		if err := s.lockout.Unlock(ctx, user.Email, user.ID); err != nil {
			s.logger.Warn("failed to clear lockout after reset", slog.String("user_id", user.ID), slog.Any("error", err))
		}
	}

	s.audit.Record(ctx, models.AuditLog{
		Actor:    record.UserID,
		Action:   models.AuditPasswordResetCompleted,
		Detail:   "password changed via reset token",
		TargetID: &record.UserID,
	})
	return nil
}
