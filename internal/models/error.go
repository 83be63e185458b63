package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Validation
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrWeakPassword      = errors.New("password does not meet policy")
	ErrHWIDInvalidFormat = errors.New("invalid hardware id format")

	// Authentication
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrEmailNotVerified   = errors.New("email address not verified")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenInvalid       = errors.New("token is invalid")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrResetTokenInvalid  = errors.New("reset token is invalid or expired")

	// Authorization
	ErrPermissionDenied = errors.New("permission denied")
	ErrInsufficientRole = errors.New("insufficient role")

	// Conflict
	ErrEmailTaken        = errors.New("email already registered")
	ErrHWIDAlreadyLocked = errors.New("hardware id already locked to a different device")

	// Throttling
	ErrRateLimited = errors.New("rate limit exceeded")

	// Availability
	ErrUnavailable = errors.New("backing store unavailable")

	// Configuration
	ErrConfig = errors.New("invalid configuration")
)

// PasswordPolicyError lists every rule a candidate password violated.
type PasswordPolicyError struct {
	Violations []string
}

func (e *PasswordPolicyError) Error() string {
	return fmt.Sprintf("password policy: %s", strings.Join(e.Violations, ", "))
}

func (e *PasswordPolicyError) Unwrap() error { return ErrWeakPassword }

// RateLimitError is returned when a route class budget is exhausted.
type RateLimitError struct {
	Class      RouteClass
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Class, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds up so clients never retry too early.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// LockoutError reports an active lock on an account or client address.
type LockoutError struct {
	Key         string
	LockedUntil time.Time
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("locked until %s", e.LockedUntil.UTC().Format(time.RFC3339))
}

func (e *LockoutError) Unwrap() error { return ErrAccountLocked }
