package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/models"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
	"github.com/BradenHooton/keyforge/pkg/hwid"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAuthContext adds access-token claims to the request context
func WithAuthContext(req *http.Request, userID string, role models.Role) *http.Request {
	claims := &models.TokenClaims{
		UserID: userID,
		Role:   role,
		Type:   models.TokenTypeAccess,
	}
	ctx := context.WithValue(req.Context(), auth.UserContextKey, claims)
	return req.WithContext(ctx)
}

// WithCurrentUser adds the persisted user the permission middleware loads
func WithCurrentUser(req *http.Request, user *models.User) *http.Request {
	req = WithAuthContext(req, user.ID, user.Role)
	ctx := context.WithValue(req.Context(), auth.CurrentUserContextKey, user)
	return req.WithContext(ctx)
}

// WithURLParam sets a chi route parameter
func WithURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(req.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	RegisterFunc      func(ctx context.Context, email, password string) (*models.RegisterResult, error)
	LoginFunc         func(ctx context.Context, email, password, clientIP, userAgent string) (*models.LoginResult, error)
	ValidateTokenFunc func(ctx context.Context, token string) models.ValidationResult
	LogoutFunc        func(ctx context.Context, token string) error
	VerifyEmailFunc   func(ctx context.Context, token string) error
}

func (m *MockAuthService) Register(ctx context.Context, email, password string) (*models.RegisterResult, error) {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, email, password)
	}
	return &models.RegisterResult{UserID: "user-1"}, nil
}

func (m *MockAuthService) Login(ctx context.Context, email, password, clientIP, userAgent string) (*models.LoginResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, email, password, clientIP, userAgent)
	}
	return nil, models.ErrInvalidCredentials
}

func (m *MockAuthService) ValidateToken(ctx context.Context, token string) models.ValidationResult {
	if m.ValidateTokenFunc != nil {
		return m.ValidateTokenFunc(ctx, token)
	}
	return models.ValidationResult{}
}

func (m *MockAuthService) Logout(ctx context.Context, token string) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, token)
	}
	return nil
}

func (m *MockAuthService) VerifyEmail(ctx context.Context, token string) error {
	if m.VerifyEmailFunc != nil {
		return m.VerifyEmailFunc(ctx, token)
	}
	return nil
}

// MockPasswordResetService implements PasswordResetServiceInterface for testing
type MockLoginLimiter struct {
	CheckFunc func(ctx context.Context, clientKey string, class models.RouteClass) (models.RateDecision, error)
}

func (m *MockLoginLimiter) Check(ctx context.Context, clientKey string, class models.RouteClass) (models.RateDecision, error) {
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx, clientKey, class)
	}
	return models.RateDecision{Allowed: true}, nil
}

type MockPasswordResetService struct {
	RequestFunc  func(ctx context.Context, email, clientIP string) error
	CompleteFunc func(ctx context.Context, token, newPassword string) error
}

func (m *MockPasswordResetService) Request(ctx context.Context, email, clientIP string) error {
	if m.RequestFunc != nil {
		return m.RequestFunc(ctx, email, clientIP)
	}
	return nil
}

func (m *MockPasswordResetService) Complete(ctx context.Context, token, newPassword string) error {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, token, newPassword)
	}
	return nil
}

// MockUserService implements UserServiceInterface for testing
type MockUserService struct {
	GetProfileFunc func(ctx context.Context, id string) (*models.User, error)
}

func (m *MockUserService) GetProfile(ctx context.Context, id string) (*models.User, error) {
	return m.GetProfileFunc(ctx, id)
}

// MockHWIDService implements HWIDServiceInterface for testing
type MockHWIDService struct {
	BindFunc    func(ctx context.Context, subscriptionID, fingerprint, actorID string) (*models.HWIDBindResult, error)
	VerifyFunc  func(ctx context.Context, subscriptionID, fingerprint string) (bool, error)
	UnlockFunc  func(ctx context.Context, subscriptionID, actorID string) error
	ReleaseFunc func(ctx context.Context, subscriptionID, actorID string) error
}

func (m *MockHWIDService) DeriveFingerprint(signals hwid.Signals) string {
	return hwid.DefaultFormat().Derive(signals)
}

func (m *MockHWIDService) Bind(ctx context.Context, subscriptionID, fingerprint, actorID string) (*models.HWIDBindResult, error) {
	return m.BindFunc(ctx, subscriptionID, fingerprint, actorID)
}

func (m *MockHWIDService) Verify(ctx context.Context, subscriptionID, fingerprint string) (bool, error) {
	return m.VerifyFunc(ctx, subscriptionID, fingerprint)
}

func (m *MockHWIDService) Unlock(ctx context.Context, subscriptionID, actorID string) error {
	return m.UnlockFunc(ctx, subscriptionID, actorID)
}

func (m *MockHWIDService) Release(ctx context.Context, subscriptionID, actorID string) error {
	return m.ReleaseFunc(ctx, subscriptionID, actorID)
}

// MockAdminService implements AdminServiceInterface for testing
type MockAdminService struct {
	ListUsersFunc     func(ctx context.Context, limit, offset int) ([]*models.User, error)
	ChangeRoleFunc    func(ctx context.Context, actor *models.User, targetID string, role models.Role) (*models.User, error)
	SetActiveFunc     func(ctx context.Context, actor *models.User, targetID string, active bool) (*models.User, error)
	UnlockAccountFunc func(ctx context.Context, actor *models.User, targetID string) error
}

func (m *MockAdminService) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, error) {
	return m.ListUsersFunc(ctx, limit, offset)
}

func (m *MockAdminService) ChangeRole(ctx context.Context, actor *models.User, targetID string, role models.Role) (*models.User, error) {
	return m.ChangeRoleFunc(ctx, actor, targetID, role)
}

func (m *MockAdminService) SetActive(ctx context.Context, actor *models.User, targetID string, active bool) (*models.User, error) {
	return m.SetActiveFunc(ctx, actor, targetID, active)
}

func (m *MockAdminService) UnlockAccount(ctx context.Context, actor *models.User, targetID string) error {
	return m.UnlockAccountFunc(ctx, actor, targetID)
}

// MockAuditQueryService implements AuditQueryService for testing
type MockAuditQueryService struct {
	QueryFunc func(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error)
}

func (m *MockAuditQueryService) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	return m.QueryFunc(ctx, filter)
}
