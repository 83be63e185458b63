package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BradenHooton/keyforge/internal/models"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

type contextKey string

const (
	// UserContextKey holds the validated *models.TokenClaims.
	UserContextKey contextKey = "user"
	// CurrentUserContextKey holds the *models.User loaded by a permission
	// check, when one ran.
	CurrentUserContextKey contextKey = "current_user"
)

// TokenRevocationChecker defines the interface for checking if tokens are revoked
type TokenRevocationChecker interface {
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// RevocationConfig controls what happens when the revocation list cannot
// be read.
type RevocationConfig struct {
	FailClosed bool
	Timeout    time.Duration
}

// AuthDeps wires AuthMiddleware. Revocations and Audit are optional.
type AuthDeps struct {
	Tokens      *TokenManager
	Revocations TokenRevocationChecker
	Revocation  RevocationConfig
	Audit       AuditRecorder
	IPConfig    *pkghttp.IPConfig
	Logger      *slog.Logger
}

// AuthMiddleware validates the bearer token and injects its claims. Every
// token failure produces the same 401 body; the reason only reaches the
// audit trail.
func AuthMiddleware(deps AuthDeps) func(next http.Handler) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reject := func(w http.ResponseWriter, r *http.Request, reason string) {
		if deps.Audit != nil {
			ip := pkghttp.ExtractClientIP(r, deps.IPConfig)
			deps.Audit.Record(r.Context(), models.AuditLog{
				Actor:     models.ActorSystem,
				Action:    models.AuditTokenRejected,
				Detail:    reason,
				IPAddress: &ip,
			})
		}
		pkghttp.WriteUnauthorized(w, "Invalid or expired token")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := BearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "Missing or malformed authorization header")
				return
			}

			claims, err := deps.Tokens.ValidateToken(tokenString)
			if err != nil {
				reason := "invalid token"
				if errors.Is(err, models.ErrTokenExpired) {
					reason = "expired token"
				}
				reject(w, r, reason)
				return
			}

			if deps.Revocations != nil {
				ctx := r.Context()
				if deps.Revocation.Timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, deps.Revocation.Timeout)
					defer cancel()
				}
				revoked, err := deps.Revocations.IsTokenRevoked(ctx, claims.ID)
				if err != nil {
					logger.Error("revocation check failed",
						slog.String("jti", claims.ID),
						slog.String("error", err.Error()),
					)
					if deps.Audit != nil {
						deps.Audit.Record(r.Context(), models.AuditLog{
							Actor:  claims.UserID,
							Action: models.AuditStoreUnavailable,
							Level:  models.AuditLevelError,
							Detail: "revocation check: " + err.Error(),
						})
					}
					if deps.Revocation.FailClosed {
						pkghttp.WriteServiceUnavailable(w, "Unable to verify token status")
						return
					}
				}
				if revoked {
					reject(w, r, "revoked token")
					return
				}
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequirePermission re-reads the caller's persisted role and requires p.
// Must run after AuthMiddleware.
func RequirePermission(authz *Authorizer, p models.Permission) func(next http.Handler) http.Handler {
	return requireUser(func(ctx context.Context, userID string) (*models.User, error) {
		return authz.CheckPermission(ctx, userID, p)
	})
}

// RequireMinimumRole re-reads the caller's persisted role and requires a
// level of at least required.
func RequireMinimumRole(authz *Authorizer, required models.Role) func(next http.Handler) http.Handler {
	return requireUser(func(ctx context.Context, userID string) (*models.User, error) {
		return authz.CheckMinimumRole(ctx, userID, required)
	})
}

func requireUser(check func(ctx context.Context, userID string) (*models.User, error)) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "Unauthorized")
				return
			}

			user, err := check(r.Context(), claims.UserID)
			if err != nil {
				switch {
				case errors.Is(err, models.ErrPermissionDenied),
					errors.Is(err, models.ErrInsufficientRole):
					pkghttp.WriteForbidden(w, "Forbidden")
				case errors.Is(err, models.ErrTokenInvalid),
					errors.Is(err, models.ErrAccountInactive):
					pkghttp.WriteUnauthorized(w, "Unauthorized")
				default:
					pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
				}
				return
			}

			ctx := context.WithValue(r.Context(), CurrentUserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAPIKey admits requests carrying a configured X-API-Key.
func RequireAPIKey(keys *APIKeyManager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := keys.Verify(r.Header.Get(pkghttp.APIKeyHeader)); err != nil {
				pkghttp.WriteUnauthorized(w, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(UserContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}

// GetCurrentUser returns the user loaded by RequirePermission or
// RequireMinimumRole.
func GetCurrentUser(r *http.Request) *models.User {
	user, ok := r.Context().Value(CurrentUserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}
