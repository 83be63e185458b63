package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim.
const (
	TokenTypeAccess = "access"
	TokenTypeVerify = "verify"
)

// TokenClaims is the signed payload of every token this service issues.
// Role is a snapshot taken at issuance.
type TokenClaims struct {
	Type   string            `json:"type"`
	UserID string            `json:"user_id"`
	Email  string            `json:"email,omitempty"`
	Role   Role              `json:"role,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
	jwt.RegisteredClaims
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token     string        `json:"token"`
	ExpiresIn int64         `json:"expires_in"`
	User      *UserResponse `json:"user"`
}

// RegisterResult is returned by register.
type RegisterResult struct {
	UserID               string `json:"user_id"`
	RequiresVerification bool   `json:"requires_verification"`
}

// ValidationResult is the outcome of validating a token. Claims is nil when
// Valid is false.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Claims *TokenClaims `json:"claims,omitempty"`
}
