package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/keyforge/internal/models"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

// writeServiceError maps the service error taxonomy onto HTTP. Store
// failures always surface as 503 so an outage never reads as a denial.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		policyErr *models.PasswordPolicyError
		lockErr   *models.LockoutError
		rateErr   *models.RateLimitError
	)

	switch {
	case errors.As(err, &policyErr):
		pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "weak_password", "Password does not meet requirements", policyErr.Violations)
	case errors.As(err, &rateErr):
		pkghttp.WriteTooManyRequests(w, rateErr.RetryAfterSeconds(), "Too many requests")
	case errors.As(err, &lockErr):
		writeLocked(w, lockErr.LockedUntil)
	case errors.Is(err, models.ErrUnavailable):
		pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")

	case errors.Is(err, models.ErrInvalidEmail):
		pkghttp.WriteError(w, http.StatusBadRequest, "invalid_email", "Invalid email address")
	case errors.Is(err, models.ErrHWIDInvalidFormat):
		pkghttp.WriteError(w, http.StatusBadRequest, "invalid_hwid", "Invalid hardware id")
	case errors.Is(err, models.ErrResetTokenInvalid):
		pkghttp.WriteError(w, http.StatusBadRequest, "invalid_reset_token", "Reset token is invalid or expired")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Bad request")

	// Unverified accounts get the same answer as a wrong password.
	case errors.Is(err, models.ErrInvalidCredentials), errors.Is(err, models.ErrEmailNotVerified):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
	case errors.Is(err, models.ErrTokenExpired):
		pkghttp.WriteError(w, http.StatusUnauthorized, "token_expired", "Token has expired")
	case errors.Is(err, models.ErrTokenInvalid), errors.Is(err, models.ErrTokenRevoked):
		pkghttp.WriteError(w, http.StatusUnauthorized, "token_invalid", "Invalid token")

	case errors.Is(err, models.ErrAccountInactive):
		pkghttp.WriteError(w, http.StatusForbidden, "account_inactive", "Account is inactive")
	case errors.Is(err, models.ErrPermissionDenied), errors.Is(err, models.ErrInsufficientRole), errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "Forbidden")

	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Not found")
	case errors.Is(err, models.ErrEmailTaken):
		pkghttp.WriteError(w, http.StatusConflict, "email_taken", "Email is already registered")
	case errors.Is(err, models.ErrHWIDAlreadyLocked):
		pkghttp.WriteError(w, http.StatusConflict, "hwid_locked", "Subscription is bound to a different device")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Conflict")

	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

func writeLocked(w http.ResponseWriter, until time.Time) {
	secs := int(time.Until(until).Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	pkghttp.WriteError(w, http.StatusTooManyRequests, "account_locked", "Too many failed attempts. Try again later.")
}
