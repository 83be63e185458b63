package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/handlers"
	"github.com/BradenHooton/keyforge/internal/middleware"
	"github.com/BradenHooton/keyforge/internal/models"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

// Dependencies holds everything the route table mounts.
type Dependencies struct {
	Auth   *handlers.AuthHandler
	Users  *handlers.UserHandler
	HWID   *handlers.HWIDHandler
	Admin  *handlers.AdminHandler
	Audit  *handlers.AuditHandler
	Health *handlers.HealthHandler

	Authn      func(http.Handler) http.Handler
	Authorizer *auth.Authorizer
	APIKeys    *auth.APIKeyManager
	Limiter    middleware.RateLimiter
	Recorder   auth.AuditRecorder
	IPConfig   *pkghttp.IPConfig
	Metrics    http.Handler
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, d Dependencies) {
	limit := func(class models.RouteClass) func(http.Handler) http.Handler {
		return middleware.RateLimitByClass(d.Limiter, class, d.IPConfig, d.Recorder)
	}
	can := func(p models.Permission) func(http.Handler) http.Handler {
		return auth.RequirePermission(d.Authorizer, p)
	}

	router.Get("/health", d.Health.Health)
	if d.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	// Public auth routes. Login consumes its auth-class budget inside the
	// service so successful attempts can be refunded.
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", d.Auth.Login)
		r.With(limit(models.RouteClassAuth)).Post("/register", d.Auth.Register)
		r.With(limit(models.RouteClassAuth)).Post("/verify-email", d.Auth.VerifyEmail)
		r.With(limit(models.RouteClassGeneral)).Post("/validate", d.Auth.Validate)

		r.Group(func(r chi.Router) {
			r.Use(limit(models.RouteClassPasswordReset))
			r.Post("/password-reset/request", d.Auth.RequestPasswordReset)
			r.Post("/password-reset/complete", d.Auth.CompletePasswordReset)
		})

		r.With(d.Authn).Post("/logout", d.Auth.Logout)
	})

	// Machine clients verify devices with an API key.
	router.With(auth.RequireAPIKey(d.APIKeys), limit(models.RouteClassAPIKey)).
		Post("/subscriptions/{id}/hwid/verify", d.HWID.Verify)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(d.Authn)

		r.With(limit(models.RouteClassGeneral), auth.RequireMinimumRole(d.Authorizer, models.RoleUser)).Get("/me", d.Users.Me)
		r.With(limit(models.RouteClassKeyRedemption), can(models.PermRedeemKeys)).
			Post("/subscriptions/{id}/hwid", d.HWID.Bind)

		// Admin routes re-check the persisted role on every request.
		r.Route("/admin", func(r chi.Router) {
			r.Use(limit(models.RouteClassGeneral))

			r.With(can(models.PermViewUsers)).Get("/users", d.Admin.ListUsers)
			r.With(can(models.PermManageRoles)).Put("/users/{id}/role", d.Admin.ChangeRole)
			r.With(can(models.PermDeleteUsers)).Post("/users/{id}/deactivate", d.Admin.Deactivate)
			r.With(can(models.PermDeleteUsers)).Post("/users/{id}/activate", d.Admin.Activate)
			r.With(can(models.PermUnlockAccounts)).Post("/users/{id}/unlock", d.Admin.Unlock)

			r.With(can(models.PermManageSubscriptions)).Post("/subscriptions/{id}/hwid/unlock", d.HWID.Unlock)
			r.With(can(models.PermManageSubscriptions)).Delete("/subscriptions/{id}/hwid", d.HWID.Release)

			r.With(can(models.PermViewAudit)).Get("/audit", d.Audit.Query)
		})
	})
}
