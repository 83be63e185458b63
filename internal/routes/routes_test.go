package routes

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/config"
	"github.com/BradenHooton/keyforge/internal/handlers"
	"github.com/BradenHooton/keyforge/internal/models"
	"github.com/BradenHooton/keyforge/internal/repositories"
	"github.com/BradenHooton/keyforge/internal/services"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

type routeFixture struct {
	router http.Handler
	tokens *auth.TokenManager
	users  *services.MockUserRepository
	apiKey string
}

func newRouteFixture(t *testing.T) *routeFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:   strings.Repeat("k", 48),
		TTL:      time.Hour,
		Issuer:   "keyforge",
		Audience: "keyforge-clients",
	})
	require.NoError(t, err)

	users := services.NewMockUserRepository(
		&models.User{ID: "user-1", Email: "user@example.com", Role: models.RoleUser, Active: true, EmailVerified: true},
		&models.User{ID: "admin-1", Email: "admin@example.com", Role: models.RoleAdmin, Active: true, EmailVerified: true},
		&models.User{ID: "demoted-1", Email: "demoted@example.com", Role: models.RoleUser, Active: true, EmailVerified: true},
	)

	plain, hash, err := auth.NewAPIKeyManager("kf_", nil).GenerateAPIKey()
	require.NoError(t, err)

	limits := config.RateLimitConfig{
		General:       config.ClassLimit{Window: time.Minute, Max: 100},
		Auth:          config.ClassLimit{Window: time.Minute, Max: 2},
		PasswordReset: config.ClassLimit{Window: time.Minute, Max: 2},
		KeyRedemption: config.ClassLimit{Window: time.Minute, Max: 10},
		APIKey:        config.ClassLimit{Window: time.Minute, Max: 10},
	}
	limiter := services.NewRateLimitService(repositories.NewMemoryRateWindowStore(time.Now), limits, time.Second, logger, nil)

	d := Dependencies{
		Auth: handlers.NewAuthHandler(&handlers.MockAuthService{}, &handlers.MockPasswordResetService{}, limiter, nil),
		Users: handlers.NewUserHandler(&handlers.MockUserService{
			GetProfileFunc: users.GetByID,
		}),
		HWID: handlers.NewHWIDHandler(&handlers.MockHWIDService{
			VerifyFunc: func(ctx context.Context, subscriptionID, fingerprint string) (bool, error) { return true, nil },
		}),
		Admin: handlers.NewAdminHandler(&handlers.MockAdminService{
			ListUsersFunc: func(ctx context.Context, limit, offset int) ([]*models.User, error) { return nil, nil },
		}),
		Audit: handlers.NewAuditHandler(&handlers.MockAuditQueryService{}),
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"postgres": handlers.PingFunc(func(ctx context.Context) error { return nil }),
		}, time.Second),
		Authn:      auth.AuthMiddleware(auth.AuthDeps{Tokens: tokens, Logger: logger}),
		Authorizer: auth.NewAuthorizer(users, nil, logger),
		APIKeys:    auth.NewAPIKeyManager("kf_", []string{hash}),
		Limiter:    limiter,
		IPConfig:   pkghttp.NewIPConfig(nil),
	}

	router := chi.NewRouter()
	RegisterRoutes(router, d)

	return &routeFixture{router: router, tokens: tokens, users: users, apiKey: plain}
}

func (f *routeFixture) token(t *testing.T, id string, role models.Role) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(id, id+"@example.com", role, nil)
	require.NoError(t, err)
	return tok
}

func (f *routeFixture) do(method, path, body, bearer string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "198.51.100.10:40000"
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestRoutes_Health(t *testing.T) {
	f := newRouteFixture(t)
	w := f.do(http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_AdminRequiresPersistedPermission(t *testing.T) {
	f := newRouteFixture(t)

	tests := []struct {
		name       string
		bearer     string
		wantStatus int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "not.a.jwt", http.StatusUnauthorized},
		{"plain user", f.token(t, "user-1", models.RoleUser), http.StatusForbidden},
		{"admin", f.token(t, "admin-1", models.RoleAdmin), http.StatusOK},
		// Token still says admin but the stored role was lowered.
		{"demoted admin", f.token(t, "demoted-1", models.RoleAdmin), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodGet, "/admin/users", "", tt.bearer, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRoutes_Me(t *testing.T) {
	f := newRouteFixture(t)

	w := f.do(http.MethodGet, "/me", "", f.token(t, "user-1", models.RoleUser), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user@example.com")
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
}

func TestRoutes_VerifyNeedsAPIKey(t *testing.T) {
	f := newRouteFixture(t)
	body := `{"fingerprint":"abcdef0123456789"}`

	w := f.do(http.MethodPost, "/subscriptions/sub_1/hwid/verify", body, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/subscriptions/sub_1/hwid/verify", body, "", map[string]string{pkghttp.APIKeyHeader: "kf_" + strings.Repeat("0", 64)})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/subscriptions/sub_1/hwid/verify", body, "", map[string]string{pkghttp.APIKeyHeader: f.apiKey})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"matched":true}`, w.Body.String())
}

func TestRoutes_RegisterIsRateLimited(t *testing.T) {
	f := newRouteFixture(t)
	body := `{"email":"new@example.com","password":"Str0ngPassw0rd"}`

	for i := 0; i < 2; i++ {
		w := f.do(http.MethodPost, "/auth/register", body, "", nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := f.do(http.MethodPost, "/auth/register", body, "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRoutes_LoginNotLimitedByMiddleware(t *testing.T) {
	f := newRouteFixture(t)
	body := `{"email":"a@example.com","password":"x"}`

	// The mock service answers invalid credentials; the auth-class budget
	// of 2 is enforced inside the real service, not here.
	for i := 0; i < 4; i++ {
		w := f.do(http.MethodPost, "/auth/login", body, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
}

func TestRoutes_RejectedLoginBodiesCountAgainstAuthBudget(t *testing.T) {
	f := newRouteFixture(t)

	var codes []int
	for i := 0; i < 4; i++ {
		w := f.do(http.MethodPost, "/auth/login", `{"email":"x@example.com"}`, "", nil)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}
