package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/models"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

// RateLimiter is the per-class fixed-window limiter backed by the shared
// store.
type RateLimiter interface {
	Check(ctx context.Context, clientKey string, class models.RouteClass) (models.RateDecision, error)
}

// RateLimitByClass charges one request against class for the caller. The
// API key class keys on a hash of the presented key, every other class on
// the client IP.
func RateLimitByClass(limiter RateLimiter, class models.RouteClass, ipConfig *pkghttp.IPConfig, audit auth.AuditRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := pkghttp.ExtractClientIP(r, ipConfig)
			key := clientIP
			if class == models.RouteClassAPIKey {
				if fp := pkghttp.APIKeyFingerprint(r); fp != "" {
					key = fp
				}
			}

			decision, err := limiter.Check(r.Context(), key, class)
			if err != nil {
				var limited *models.RateLimitError
				if errors.As(err, &limited) {
					if audit != nil {
						audit.Record(r.Context(), models.AuditLog{
							Action:    models.AuditRateLimited,
							Detail:    string(class) + " " + r.URL.Path,
							IPAddress: &clientIP,
						})
					}
					pkghttp.WriteTooManyRequests(w, limited.RetryAfterSeconds(), "Too many requests")
					return
				}
				if errors.Is(err, models.ErrUnavailable) {
					if audit != nil {
						audit.Record(r.Context(), models.AuditLog{
							Action:    models.AuditStoreUnavailable,
							Level:     models.AuditLevelError,
							Detail:    "rate limit " + string(class) + ": " + err.Error(),
							IPAddress: &clientIP,
						})
					}
					pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
					return
				}
				pkghttp.WriteInternalError(w, "Internal server error")
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// FloodGuard is a coarse per-IP cap applied in front of everything, before
// any store round trip. It is process-local and keys on the same client IP
// as the class limits, so forwarding headers from untrusted peers are
// ignored.
func FloodGuard(requestsPerMinute int, ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, ipConfig), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, 60, "Too many requests")
		}),
	)
}
