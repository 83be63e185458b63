package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/config"
	"github.com/BradenHooton/keyforge/internal/models"
	"github.com/BradenHooton/keyforge/internal/repositories"
	pkgauth "github.com/BradenHooton/keyforge/pkg/auth"
)

const testPassword = "Str0ngPassw0rd"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLockoutConfig() config.LockoutConfig {
	return config.LockoutConfig{
		MaxAttempts:      5,
		Duration:         30 * time.Minute,
		IncrementalDelay: true,
		MaxDuration:      24 * time.Hour,
		ResetOnSuccess:   true,
		AttemptWindow:    30 * time.Minute,
		RecordTTL:        24 * time.Hour,
	}
}

func testRateLimitConfig(authMax int) config.RateLimitConfig {
	generous := config.ClassLimit{Window: 15 * time.Minute, Max: 1000}
	return config.RateLimitConfig{
		General:       generous,
		Auth:          config.ClassLimit{Window: 15 * time.Minute, Max: authMax},
		PasswordReset: generous,
		KeyRedemption: generous,
		APIKey:        generous,
	}
}

type authFixture struct {
	svc         *AuthService
	users       *MockUserRepository
	revocations *MockTokenRevocationRepository
	audit       *RecordingAuditor
	mailer      *MockMailer
	tokens      *auth.TokenManager
	hasher      *pkgauth.Hasher
	lockout     *LockoutService
	clock       *testClock
}

func newAuthFixture(t *testing.T, authMax int) *authFixture {
	t.Helper()

	clock := newTestClock()
	logger := discardLogger()
	users := NewMockUserRepository()
	audit := &RecordingAuditor{}

	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:   "test-secret-0123456789abcdef",
		TTL:      time.Hour,
		Issuer:   "keyforge",
		Audience: "keyforge-clients",
	})
	require.NoError(t, err)

	lockout := NewLockoutService(repositories.NewMemoryLockoutStore(clock.Now), users, testLockoutConfig(), time.Second, audit, logger, nil)
	lockout.now = clock.Now

	rates := NewRateLimitService(repositories.NewMemoryRateWindowStore(clock.Now), testRateLimitConfig(authMax), time.Second, logger, nil)

	f := &authFixture{
		users:       users,
		revocations: &MockTokenRevocationRepository{},
		audit:       audit,
		mailer:      &MockMailer{},
		tokens:      tokens,
		hasher:      pkgauth.NewHasher(bcrypt.MinCost),
		lockout:     lockout,
		clock:       clock,
	}

	svc, err := NewAuthService(AuthDeps{
		Users:        users,
		Revocations:  f.revocations,
		Tokens:       tokens,
		Hasher:       f.hasher,
		Policy:       pkgauth.DefaultPasswordPolicy(),
		RateLimits:   rates,
		Lockout:      lockout,
		Mailer:       f.mailer,
		Audit:        audit,
		Logger:       logger,
		StoreTimeout: time.Second,
	})
	require.NoError(t, err)
	svc.now = clock.Now
	f.svc = svc
	return f
}

// findAudit returns the first recorded entry with action.
func findAudit(t *testing.T, a *RecordingAuditor, action models.AuditAction) models.AuditLog {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.Entries {
		if e.Action == action {
			return e
		}
	}
	t.Fatalf("no %s audit entry in %v", action, a.Entries)
	return models.AuditLog{}
}

func (f *authFixture) addUser(t *testing.T, email string, mutate func(u *models.User)) *models.User {
	t.Helper()
	hash, err := f.hasher.Hash(testPassword)
	require.NoError(t, err)
	u := &models.User{
		Email:         email,
		PasswordHash:  hash,
		Role:          models.RoleUser,
		Active:        true,
		EmailVerified: true,
	}
	if mutate != nil {
		mutate(u)
	}
	created, err := f.users.Create(context.Background(), u)
	require.NoError(t, err)
	return created
}

// ============================================================================
// Register
// ============================================================================

func TestAuthService_Register_Success(t *testing.T) {
	f := newAuthFixture(t, 100)

	res, err := f.svc.Register(context.Background(), "  New.User@Example.com ", testPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, res.UserID)

	stored, err := f.users.GetByID(context.Background(), res.UserID)
	require.NoError(t, err)
	assert.Equal(t, "new.user@example.com", stored.Email)
	assert.Equal(t, models.RoleUser, stored.Role)
	assert.True(t, stored.Active)
	assert.False(t, stored.EmailVerified)
	assert.NotEqual(t, testPassword, stored.PasswordHash)

	assert.Len(t, f.mailer.Verification, 1)
	assert.Contains(t, f.audit.Actions(), models.AuditRegister)
}

func TestAuthService_Register_WeakPassword(t *testing.T) {
	f := newAuthFixture(t, 100)

	_, err := f.svc.Register(context.Background(), "weak@example.com", "short")
	require.ErrorIs(t, err, models.ErrWeakPassword)

	var policyErr *models.PasswordPolicyError
	require.True(t, errors.As(err, &policyErr))
	assert.Contains(t, policyErr.Violations, string(pkgauth.TooShort))
	assert.Contains(t, policyErr.Violations, string(pkgauth.NoUppercase))
	assert.Contains(t, policyErr.Violations, string(pkgauth.NoNumbers))
}

func TestAuthService_Register_InvalidEmail(t *testing.T) {
	f := newAuthFixture(t, 100)

	for _, email := range []string{"", "not-an-email", "Name <a@example.com>", "a@localhost"} {
		_, err := f.svc.Register(context.Background(), email, testPassword)
		assert.ErrorIs(t, err, models.ErrInvalidEmail, email)
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"a@example.com", true},
		{"first.last+tag@sub.example.org", true},
		{"", false},
		{"no-at-sign.example.com", false},
		{"two@@example.com", false},
		{"spaces in@example.com", false},
		{"Name <a@example.com>", false},
		{strings.Repeat("a", 243) + "@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, models.ErrInvalidEmail)
			}
		})
	}
}

func TestAuthService_Register_EmailTaken(t *testing.T) {
	f := newAuthFixture(t, 100)
	f.addUser(t, "taken@example.com", nil)

	_, err := f.svc.Register(context.Background(), "TAKEN@example.com", testPassword)
	assert.ErrorIs(t, err, models.ErrEmailTaken)
}

func TestAuthService_Register_StoreFailure(t *testing.T) {
	f := newAuthFixture(t, 100)
	f.users.CreateFunc = func(ctx context.Context, user *models.User) (*models.User, error) {
		return nil, errors.New("connection refused")
	}

	_, err := f.svc.Register(context.Background(), "x@example.com", testPassword)
	assert.ErrorIs(t, err, models.ErrUnavailable)

	entry := findAudit(t, f.audit, models.AuditStoreUnavailable)
	assert.Equal(t, models.AuditLevelError, entry.Level)
	assert.Contains(t, entry.Detail, "register")
}

// ============================================================================
// Login
// ============================================================================

func TestAuthService_Login_Success(t *testing.T) {
	f := newAuthFixture(t, 100)
	u := f.addUser(t, "login@example.com", nil)

	res, err := f.svc.Login(context.Background(), "Login@Example.com", testPassword, "10.0.0.1", "agent")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, int64(3600), res.ExpiresIn)
	assert.Equal(t, u.ID, res.User.ID)

	claims, err := f.tokens.ValidateToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID)
	assert.Equal(t, models.RoleUser, claims.Role)

	stored, _ := f.users.GetByID(context.Background(), u.ID)
	require.NotNil(t, stored.LastLoginAt)
	assert.Contains(t, f.audit.Actions(), models.AuditLoginSuccess)
}

func TestAuthService_Login_UnknownEmailAndWrongPasswordLookAlike(t *testing.T) {
	f := newAuthFixture(t, 100)
	f.addUser(t, "known@example.com", nil)

	_, errUnknown := f.svc.Login(context.Background(), "ghost@example.com", testPassword, "10.0.0.1", "")
	_, errWrong := f.svc.Login(context.Background(), "known@example.com", "Wr0ngPassword", "10.0.0.2", "")

	assert.ErrorIs(t, errUnknown, models.ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, models.ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}

func TestAuthService_Login_LockoutLifecycle(t *testing.T) {
	f := newAuthFixture(t, 100)
	u := f.addUser(t, "victim@example.com", nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, "victim@example.com", "Wr0ngPassword", "10.0.0.9", "")
		require.ErrorIs(t, err, models.ErrInvalidCredentials, "attempt %d", i+1)
	}

	// Locked now, even with the right password.
	_, err := f.svc.Login(ctx, "victim@example.com", testPassword, "10.0.0.9", "")
	require.ErrorIs(t, err, models.ErrAccountLocked)
	var locked *models.LockoutError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), locked.LockedUntil)

	stored, _ := f.users.GetByID(ctx, u.ID)
	require.NotNil(t, stored.LockedUntil)
	assert.Contains(t, f.audit.Actions(), models.AuditAccountLocked)
	assert.Contains(t, f.audit.Actions(), models.AuditLoginBlocked)

	f.clock.Advance(30*time.Minute + time.Second)

	res, err := f.svc.Login(ctx, "victim@example.com", testPassword, "10.0.0.9", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
}

func TestLockoutService_FailuresWhileLockedAreNotReaudited(t *testing.T) {
	f := newAuthFixture(t, 100)
	ctx := context.Background()

	// The clock does not move, so every failure lands in the same instant
	// as the one that engaged the lock.
	for i := 0; i < 8; i++ {
		require.NoError(t, f.lockout.RecordFailure(ctx, "held@example.com", "10.0.0.9", ""))
	}

	accountLocks := 0
	for _, e := range f.audit.Entries {
		if e.Action == models.AuditAccountLocked && strings.HasPrefix(e.Detail, "account") {
			accountLocks++
		}
	}
	assert.Equal(t, 1, accountLocks)
}

func TestAuthService_Login_LockoutFromAnotherIP(t *testing.T) {
	f := newAuthFixture(t, 100)
	f.addUser(t, "spray@example.com", nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, "spray@example.com", "Wr0ngPassword", "10.0.0.9", "")
	}

	_, err := f.svc.Login(ctx, "spray@example.com", testPassword, "192.168.1.1", "")
	assert.ErrorIs(t, err, models.ErrAccountLocked)
}

func TestAuthService_Login_SuccessResetsAccountCounter(t *testing.T) {
	f := newAuthFixture(t, 100)
	f.addUser(t, "reset@example.com", nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = f.svc.Login(ctx, "reset@example.com", "Wr0ngPassword", "10.0.0.1", "")
	}
	_, err := f.svc.Login(ctx, "reset@example.com", testPassword, "10.0.0.2", "")
	require.NoError(t, err)

	// Four more failures from a fresh IP stay under the threshold.
	for i := 0; i < 4; i++ {
		_, err = f.svc.Login(ctx, "reset@example.com", "Wr0ngPassword", "10.0.0.3", "")
		require.ErrorIs(t, err, models.ErrInvalidCredentials)
	}
	_, err = f.svc.Login(ctx, "reset@example.com", testPassword, "10.0.0.3", "")
	assert.NoError(t, err)
}

func TestAuthService_Login_InactiveUser(t *testing.T) {
	f := newAuthFixture(t, 100)
	f.addUser(t, "gone@example.com", func(u *models.User) { u.Active = false })

	_, err := f.svc.Login(context.Background(), "gone@example.com", testPassword, "10.0.0.1", "")
	assert.ErrorIs(t, err, models.ErrAccountInactive)
}

func TestAuthService_Login_UnverifiedWhenRequired(t *testing.T) {
	f := newAuthFixture(t, 100)
	f.svc.EmailVerificationRequired = true
	f.addUser(t, "new@example.com", func(u *models.User) { u.EmailVerified = false })

	_, err := f.svc.Login(context.Background(), "new@example.com", testPassword, "10.0.0.1", "")
	assert.ErrorIs(t, err, models.ErrEmailNotVerified)
}

func TestAuthService_Login_RateLimited(t *testing.T) {
	f := newAuthFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Login(ctx, "nobody@example.com", testPassword, "10.0.0.1", "")
		require.ErrorIs(t, err, models.ErrInvalidCredentials)
	}

	_, err := f.svc.Login(ctx, "nobody@example.com", testPassword, "10.0.0.1", "")
	require.ErrorIs(t, err, models.ErrRateLimited)
	var limited *models.RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, models.RouteClassAuth, limited.Class)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
	assert.Contains(t, f.audit.Actions(), models.AuditRateLimited)
}

func TestAuthService_Login_StoreUnavailable(t *testing.T) {
	f := newAuthFixture(t, 100)
	f.users.GetByEmailFunc = func(ctx context.Context, email string) (*models.User, error) {
		return nil, errors.New("pool closed")
	}

	_, err := f.svc.Login(context.Background(), "a@example.com", testPassword, "10.0.0.1", "")
	assert.ErrorIs(t, err, models.ErrUnavailable)
	assert.Contains(t, f.audit.Actions(), models.AuditStoreUnavailable)
}

// ============================================================================
// Tokens
// ============================================================================

func TestAuthService_LogoutRevokesToken(t *testing.T) {
	f := newAuthFixture(t, 100)
	f.addUser(t, "out@example.com", nil)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "out@example.com", testPassword, "10.0.0.1", "")
	require.NoError(t, err)
	assert.True(t, f.svc.ValidateToken(ctx, res.Token).Valid)

	require.NoError(t, f.svc.Logout(ctx, res.Token))
	assert.False(t, f.svc.ValidateToken(ctx, res.Token).Valid)
	assert.Contains(t, f.audit.Actions(), models.AuditLogout)
}

func TestAuthService_ValidateToken_FailsClosedOnRevocationError(t *testing.T) {
	f := newAuthFixture(t, 100)
	u := f.addUser(t, "fc@example.com", nil)
	token, _, err := f.tokens.Issue(u.ID, u.Email, u.Role, nil)
	require.NoError(t, err)

	f.revocations.IsTokenRevokedFunc = func(ctx context.Context, jti string) (bool, error) {
		return false, errors.New("timeout")
	}
	assert.False(t, f.svc.ValidateToken(context.Background(), token).Valid)
	assert.Equal(t, models.AuditLevelError, findAudit(t, f.audit, models.AuditStoreUnavailable).Level)
}

func TestAuthService_ValidateToken_AuditsRejections(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &models.TokenClaims{
		Type:   models.TokenTypeAccess,
		UserID: "u-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-expired",
			Issuer:    "keyforge",
			Audience:  jwt.ClaimStrings{"keyforge-clients"},
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret-0123456789abcdef"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		detail string
	}{
		{"garbage", "not.a.token", "invalid token"},
		{"empty", "", "invalid token"},
		{"expired", expired, "expired token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthFixture(t, 100)

			assert.False(t, f.svc.ValidateToken(context.Background(), tt.token).Valid)

			entry := findAudit(t, f.audit, models.AuditTokenRejected)
			assert.Equal(t, models.AuditLevelWarn, entry.Level)
			assert.Equal(t, tt.detail, entry.Detail)
		})
	}
}

func TestAuthService_ValidateToken_AuditsRevokedToken(t *testing.T) {
	f := newAuthFixture(t, 100)
	u := f.addUser(t, "rv@example.com", nil)
	token, _, err := f.tokens.Issue(u.ID, u.Email, u.Role, nil)
	require.NoError(t, err)

	f.revocations.IsTokenRevokedFunc = func(ctx context.Context, jti string) (bool, error) {
		return true, nil
	}
	assert.False(t, f.svc.ValidateToken(context.Background(), token).Valid)

	entry := findAudit(t, f.audit, models.AuditTokenRejected)
	assert.Equal(t, u.ID, entry.Actor)
	assert.Equal(t, "revoked token", entry.Detail)
}

func TestAuthService_ValidateToken_ValidIsNotAudited(t *testing.T) {
	f := newAuthFixture(t, 100)
	u := f.addUser(t, "ok@example.com", nil)
	token, _, err := f.tokens.Issue(u.ID, u.Email, u.Role, nil)
	require.NoError(t, err)

	assert.True(t, f.svc.ValidateToken(context.Background(), token).Valid)
	assert.Empty(t, f.audit.Actions())
}

func TestAuthService_Logout_InvalidToken(t *testing.T) {
	f := newAuthFixture(t, 100)
	assert.ErrorIs(t, f.svc.Logout(context.Background(), "garbage"), models.ErrTokenInvalid)
}

func TestAuthService_VerifyEmail(t *testing.T) {
	f := newAuthFixture(t, 100)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, "verify@example.com", testPassword)
	require.NoError(t, err)
	require.Len(t, f.mailer.Verification, 1)

	require.NoError(t, f.svc.VerifyEmail(ctx, f.mailer.Verification[0]))
	stored, _ := f.users.GetByID(ctx, res.UserID)
	assert.True(t, stored.EmailVerified)

	// An access token is not a verification token.
	access, _, err := f.tokens.Issue(res.UserID, "verify@example.com", models.RoleUser, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.VerifyEmail(ctx, access), models.ErrTokenInvalid)
}

func TestAuthService_EnsureAdmin(t *testing.T) {
	f := newAuthFixture(t, 100)
	ctx := context.Background()

	created, err := f.svc.EnsureAdmin(ctx, "root@example.com", testPassword)
	require.NoError(t, err)
	assert.True(t, created)

	admin, err := f.users.GetByEmail(ctx, "root@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, admin.Role)
	assert.True(t, admin.EmailVerified)

	created, err = f.svc.EnsureAdmin(ctx, "root@example.com", testPassword)
	require.NoError(t, err)
	assert.False(t, created)
}
