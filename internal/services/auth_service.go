package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/config"
	"github.com/BradenHooton/keyforge/internal/metrics"
	"github.com/BradenHooton/keyforge/internal/models"
	pkgauth "github.com/BradenHooton/keyforge/pkg/auth"
	pkglogger "github.com/BradenHooton/keyforge/pkg/logger"
)

// emailRules is the address check shared by every entry point that takes
// an email.
const emailRules = "required,email,max=254"

var emailValidator = validator.New()

// TokenRevocationRepository stores the jti of tokens invalidated before
// their natural expiry.
type TokenRevocationRepository interface {
	RevokeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// AuthDeps wires an AuthService. Revocations and Mailer may be nil.
type AuthDeps struct {
	Users       UserRepository
	Revocations TokenRevocationRepository
	Tokens      *auth.TokenManager
	Hasher      *pkgauth.Hasher
	Policy      pkgauth.PasswordPolicy
	RateLimits  *RateLimitService
	Lockout     *LockoutService
	Timing      *auth.TimingDelay
	Mailer      Mailer
	Audit       auth.AuditRecorder
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	EmailVerificationRequired bool
	StoreTimeout              time.Duration
}

// AuthService owns the credential lifecycle: register, login, logout,
// email verification and token validation.
type AuthService struct {
	AuthDeps
	dummyHash string
	now       func() time.Time
}

// NewAuthService precomputes the hash compared against when an email is
// unknown, so that path pays the same bcrypt cost as a wrong password.
func NewAuthService(deps AuthDeps) (*AuthService, error) {
	dummy, err := deps.Hasher.Hash("keyforge-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	return &AuthService{
		AuthDeps:  deps,
		dummyHash: dummy,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// PasswordPolicyFromConfig maps configuration onto the policy engine.
func PasswordPolicyFromConfig(cfg config.PasswordConfig) pkgauth.PasswordPolicy {
	return pkgauth.PasswordPolicy{
		MinLength:        cfg.MinLength,
		RequireUppercase: cfg.RequireUppercase,
		RequireLowercase: cfg.RequireLowercase,
		RequireNumbers:   cfg.RequireNumbers,
		RequireSpecial:   cfg.RequireSpecial,
		RejectCommon:     true,
	}
}

// NormalizeEmail lowercases and trims. Emails compare case-insensitively.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail accepts a bare address (no display name) of sane length.
func ValidateEmail(email string) error {
	if err := emailValidator.Var(email, emailRules); err != nil {
		return models.ErrInvalidEmail
	}
	return nil
}

// ValidatePassword runs the policy engine and reports every violation.
func (s *AuthService) ValidatePassword(candidate string) error {
	result := s.Policy.Validate(candidate)
	if !result.Valid {
		return &models.PasswordPolicyError{Violations: result.Strings()}
	}
	return nil
}

// Register creates an unverified, active user with role user.
func (s *AuthService) Register(ctx context.Context, email, password string) (*models.RegisterResult, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := s.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := s.Hasher.Hash(password)
	if err != nil {
		s.Logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.StoreTimeout)
	defer cancel()

	user, err := s.Users.Create(storeCtx, &models.User{
		Email:        email,
		PasswordHash: hash,
		Role:         models.RoleUser,
		Active:       true,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.Audit.Record(ctx, models.AuditLog{
				Action: models.AuditRegister,
				Level:  models.AuditLevelInfo,
				Detail: "email already registered",
			})
			return nil, models.ErrEmailTaken
		}
		s.Logger.Error("failed to create user", slog.Any("error", err))
		err = unavailable(err)
		s.auditUnavailable(ctx, "register", err)
		return nil, err
	}

	s.Logger.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("email", pkglogger.SanitizedEmail(email)))
	s.Audit.Record(ctx, models.AuditLog{
		Actor:    user.ID,
		Action:   models.AuditRegister,
		Detail:   "account created",
		TargetID: &user.ID,
	})

	s.sendVerification(ctx, user)

	return &models.RegisterResult{
		UserID:               user.ID,
		RequiresVerification: s.EmailVerificationRequired,
	}, nil
}

func (s *AuthService) sendVerification(ctx context.Context, user *models.User) {
	if s.Mailer == nil {
		return
	}
	token, err := s.Tokens.IssueVerification(user.ID, user.Email)
	if err != nil {
		s.Logger.Error("failed to issue verification token", slog.String("user_id", user.ID), slog.Any("error", err))
		return
	}
	expiresAt := s.now().Add(s.Tokens.VerifyTTL())
	if err := s.Mailer.SendVerificationEmail(ctx, user.Email, token, expiresAt); err != nil {
		s.Logger.Error("failed to send verification email", slog.String("user_id", user.ID), slog.Any("error", err))
	}
}

// Login runs the defenses in order: rate limit, lockout, credential check,
// then token issuance. Every outcome is audited. Failures are padded by
// the timing equalizer.
func (s *AuthService) Login(ctx context.Context, email, password, clientIP, userAgent string) (*models.LoginResult, error) {
	start := s.now()
	email = NormalizeEmail(email)

	var ua *string
	if userAgent != "" {
		ua = &userAgent
	}
	entry := func(action models.AuditAction, actor, detail string) models.AuditLog {
		return models.AuditLog{Actor: actor, Action: action, Detail: detail, IPAddress: &clientIP, UserAgent: ua}
	}

	if s.RateLimits != nil {
		if _, err := s.RateLimits.Check(ctx, clientIP, models.RouteClassAuth); err != nil {
			if errors.Is(err, models.ErrRateLimited) {
				s.Metrics.LoginAttempt("rate_limited")
				s.Audit.Record(ctx, entry(models.AuditRateLimited, models.ActorSystem, "login"))
			} else {
				s.storeUnavailable(ctx, entry, err)
			}
			return nil, err
		}
	}

	if email == "" || password == "" {
		return nil, s.failLogin(ctx, start, email, clientIP, "", entry, "missing credentials")
	}

	if err := s.Lockout.Check(ctx, email, clientIP); err != nil {
		var locked *models.LockoutError
		if errors.As(err, &locked) {
			s.Metrics.LoginAttempt("locked")
			s.Audit.Record(ctx, entry(models.AuditLoginBlocked, models.ActorSystem, "lockout active"))
			s.Timing.WaitFrom(ctx, start, false)
			return nil, err
		}
		s.storeUnavailable(ctx, entry, err)
		return nil, err
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.StoreTimeout)
	user, err := s.Users.GetByEmail(storeCtx, email)
	cancel()
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = s.Hasher.Compare(s.dummyHash, password)
			return nil, s.failLogin(ctx, start, email, clientIP, "", entry, "unknown email")
		}
		err = unavailable(err)
		s.storeUnavailable(ctx, entry, err)
		return nil, err
	}

	if user.IsLocked(start) {
		s.Metrics.LoginAttempt("locked")
		s.Audit.Record(ctx, entry(models.AuditLoginBlocked, user.ID, "account locked"))
		s.Timing.WaitFrom(ctx, start, false)
		return nil, &models.LockoutError{Key: models.AccountLockoutKey(email), LockedUntil: *user.LockedUntil}
	}

	if err := s.Hasher.Compare(user.PasswordHash, password); err != nil {
		return nil, s.failLogin(ctx, start, email, clientIP, user.ID, entry, "wrong password")
	}

	if !user.Active {
		s.Metrics.LoginAttempt("inactive")
		s.Audit.Record(ctx, entry(models.AuditLoginFailed, user.ID, "account inactive"))
		s.Timing.WaitFrom(ctx, start, false)
		return nil, models.ErrAccountInactive
	}
	if s.EmailVerificationRequired && !user.EmailVerified {
		s.Metrics.LoginAttempt("unverified")
		s.Audit.Record(ctx, entry(models.AuditLoginFailed, user.ID, "email not verified"))
		s.Timing.WaitFrom(ctx, start, false)
		return nil, models.ErrEmailNotVerified
	}

	token, claims, err := s.Tokens.Issue(user.ID, user.Email, user.Role, nil)
	if err != nil {
		s.Logger.Error("failed to issue token", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	storeCtx, cancel = withStoreTimeout(ctx, s.StoreTimeout)
	if err := s.Users.RecordLogin(storeCtx, user.ID, start); err != nil {
		s.Logger.Warn("failed to record login time", slog.String("user_id", user.ID), slog.Any("error", err))
	}
	cancel()

	s.Lockout.RecordSuccess(ctx, email)
	if s.RateLimits != nil && s.RateLimits.SkipSuccessfulAuth() {
		_ = s.RateLimits.Refund(ctx, clientIP, models.RouteClassAuth)
	}

	s.Metrics.LoginAttempt("success")
	s.Logger.Info("user logged in", slog.String("user_id", user.ID))
	s.Audit.Record(ctx, entry(models.AuditLoginSuccess, user.ID, "login"))

	user.LastLoginAt = &start
	return &models.LoginResult{
		Token:     token,
		ExpiresIn: int64(claims.ExpiresAt.Sub(claims.IssuedAt.Time).Seconds()),
		User:      user.ToResponse(),
	}, nil
}

// failLogin counts the failure before auditing it, then pads the response.
func (s *AuthService) failLogin(ctx context.Context, start time.Time, email, clientIP, userID string, entry func(models.AuditAction, string, string) models.AuditLog, reason string) error {
	if email != "" {
		if err := s.Lockout.RecordFailure(ctx, email, clientIP, userID); err != nil {
			s.storeUnavailable(ctx, entry, err)
			return err
		}
	}

	actor := userID
	if actor == "" {
		actor = models.ActorSystem
	}
	s.Metrics.LoginAttempt("failure")
	s.Logger.Info("login failed", slog.String("reason", reason))
	s.Audit.Record(ctx, entry(models.AuditLoginFailed, actor, reason))

	s.Timing.WaitFrom(ctx, start, false)
	return models.ErrInvalidCredentials
}

func (s *AuthService) storeUnavailable(ctx context.Context, entry func(models.AuditAction, string, string) models.AuditLog, err error) {
	s.Metrics.LoginAttempt("unavailable")
	s.Logger.Error("login aborted: store unavailable", slog.Any("error", err))
	e := entry(models.AuditStoreUnavailable, models.ActorSystem, "login: "+err.Error())
	e.Level = models.AuditLevelError
	s.Audit.Record(ctx, e)
}

// ValidateToken checks signature, expiry, issuer, audience and, when a
// revocation list is wired, revocation. It fails closed. Every rejection
// is audited.
func (s *AuthService) ValidateToken(ctx context.Context, token string) models.ValidationResult {
	claims, err := s.Tokens.ValidateToken(token)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, models.ErrTokenExpired) {
			reason = "expired token"
		}
		s.auditTokenRejected(ctx, models.ActorSystem, reason)
		return models.ValidationResult{Valid: false}
	}
	if s.Revocations == nil {
		return models.ValidationResult{Valid: true, Claims: claims}
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.StoreTimeout)
	defer cancel()

	revoked, err := s.Revocations.IsTokenRevoked(storeCtx, claims.ID)
	if err != nil {
		s.auditUnavailable(ctx, "validate token", unavailable(err))
		return models.ValidationResult{Valid: false}
	}
	if revoked {
		s.auditTokenRejected(ctx, claims.UserID, "revoked token")
		return models.ValidationResult{Valid: false}
	}
	return models.ValidationResult{Valid: true, Claims: claims}
}

func (s *AuthService) auditTokenRejected(ctx context.Context, actor, reason string) {
	s.Audit.Record(ctx, models.AuditLog{
		Actor:  actor,
		Action: models.AuditTokenRejected,
		Level:  models.AuditLevelWarn,
		Detail: reason,
	})
}

// auditUnavailable records a store outage that aborted op.
func (s *AuthService) auditUnavailable(ctx context.Context, op string, err error) {
	s.Logger.Error(op+" aborted: store unavailable", slog.Any("error", err))
	s.Audit.Record(ctx, models.AuditLog{
		Actor:  models.ActorSystem,
		Action: models.AuditStoreUnavailable,
		Level:  models.AuditLevelError,
		Detail: op + ": " + err.Error(),
	})
}

// Logout revokes the token until its natural expiry. Without a revocation
// store it is a no-op beyond validation.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	claims, err := s.Tokens.ValidateToken(token)
	if err != nil {
		return err
	}
	if s.Revocations != nil {
		storeCtx, cancel := withStoreTimeout(ctx, s.StoreTimeout)
		defer cancel()
		if err := s.Revocations.RevokeToken(storeCtx, claims.ID, claims.UserID, claims.ExpiresAt.Time, "logout"); err != nil {
			err = unavailable(err)
			s.auditUnavailable(ctx, "logout", err)
			return err
		}
	}

	s.Audit.Record(ctx, models.AuditLog{Actor: claims.UserID, Action: models.AuditLogout, Detail: "logout"})
	return nil
}

// VerifyEmail consumes a verification token and marks the address verified.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) error {
	claims, err := s.Tokens.ValidateVerification(token)
	if err != nil {
		return err
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.StoreTimeout)
	defer cancel()

	user, err := s.Users.GetByID(storeCtx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrTokenInvalid
		}
		err = unavailable(err)
		s.auditUnavailable(ctx, "verify email", err)
		return err
	}
	// A verification token is bound to the address it was mailed to.
	if user.Email != NormalizeEmail(claims.Email) {
		return models.ErrTokenInvalid
	}
	if user.EmailVerified {
		return nil
	}
	if err := s.Users.MarkEmailVerified(storeCtx, user.ID); err != nil {
		err = unavailable(err)
		s.auditUnavailable(ctx, "verify email", err)
		return err
	}

	s.Audit.Record(ctx, models.AuditLog{Actor: user.ID, Action: models.AuditEmailVerified, Detail: "email verified", TargetID: &user.ID})
	return nil
}

// EnsureAdmin creates the bootstrap administrator when the address is not
// yet registered. An existing account is left untouched.
func (s *AuthService) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return false, err
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.StoreTimeout)
	defer cancel()

	if _, err := s.Users.GetByEmail(storeCtx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return false, unavailable(err)
	}

	if err := s.ValidatePassword(password); err != nil {
		return false, err
	}
	hash, err := s.Hasher.Hash(password)
	if err != nil {
		return false, err
	}
	user, err := s.Users.Create(storeCtx, &models.User{
		Email:         email,
		PasswordHash:  hash,
		Role:          models.RoleAdmin,
		Active:        true,
		EmailVerified: true,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return false, nil
		}
		return false, unavailable(err)
	}

	s.Audit.Record(ctx, models.AuditLog{
		Action:   models.AuditRoleChanged,
		Detail:   "bootstrap administrator created",
		TargetID: &user.ID,
	})
	return true, nil
}
