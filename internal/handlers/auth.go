package handlers

import (
	"context"
	"net/http"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/models"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password string) (*models.RegisterResult, error)
	Login(ctx context.Context, email, password, clientIP, userAgent string) (*models.LoginResult, error)
	ValidateToken(ctx context.Context, token string) models.ValidationResult
	Logout(ctx context.Context, token string) error
	VerifyEmail(ctx context.Context, token string) error
}

// PasswordResetServiceInterface issues and redeems reset tokens.
type PasswordResetServiceInterface interface {
	Request(ctx context.Context, email, clientIP string) error
	Complete(ctx context.Context, token, newPassword string) error
}

// LoginLimiter charges a login attempt against a route class budget.
type LoginLimiter interface {
	Check(ctx context.Context, clientKey string, class models.RouteClass) (models.RateDecision, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	resets   PasswordResetServiceInterface
	limiter  LoginLimiter
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler. limiter may be nil.
func NewAuthHandler(service AuthServiceInterface, resets PasswordResetServiceInterface, limiter LoginLimiter, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		resets:   resets,
		limiter:  limiter,
		ipConfig: ipConfig,
	}
}

// Request DTOs

// RegisterRequest represents the request body for registration. Password
// strength is judged by the policy engine, not here.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required"`
}

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

// TokenRequest carries a token in the body (validate, verify-email).
type TokenRequest struct {
	Token string `json:"token" validate:"required,max=4096"`
}

type PasswordResetRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type PasswordResetCompleteRequest struct {
	Token       string `json:"token" validate:"required,len=32,hexadecimal"`
	NewPassword string `json:"new_password" validate:"required"`
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, result)
}

// Login handles POST /auth/login. Well-formed attempts are charged to the
// auth class by the service, which refunds successes. Rejected bodies
// never reach it and are charged here.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := pkghttp.ExtractClientIP(r, h.ipConfig)

	var req LoginRequest
	if err := decodeRequest(w, r, &req); err != nil {
		if h.limiter != nil {
			if _, limitErr := h.limiter.Check(r.Context(), clientIP, models.RouteClassAuth); limitErr != nil {
				writeServiceError(w, limitErr)
				return
			}
		}
		writeDecodeError(w, err)
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password, clientIP, r.UserAgent())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// Validate handles POST /auth/validate. An invalid token is a normal
// answer here, not an error.
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, h.service.ValidateToken(r.Context(), req.Token))
}

// Logout handles POST /auth/logout by revoking the presented token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r)
	if !ok {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	if err := h.service.Logout(r.Context(), token); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VerifyEmail handles POST /auth/verify-email
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.VerifyEmail(r.Context(), req.Token); err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Email verified successfully. Please log in.",
	})
}

// RequestPasswordReset handles POST /auth/password-reset/request. The
// answer is the same whether or not the address exists.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	clientIP := pkghttp.ExtractClientIP(r, h.ipConfig)
	if err := h.resets.Request(r.Context(), req.Email, clientIP); err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "If an account exists with this email, a reset link will be sent.",
	})
}

// CompletePasswordReset handles POST /auth/password-reset/complete
func (h *AuthHandler) CompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetCompleteRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.resets.Complete(r.Context(), req.Token, req.NewPassword); err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Password updated. Please log in.",
	})
}
