package models

import (
	"time"
)

// User is a persisted account. Accounts are never hard-deleted; Active=false
// is the soft-deactivated state.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	Role              Role
	EmailVerified     bool
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastLoginAt       *time.Time
	LockedUntil       *time.Time // only meaningful while in the future
	PasswordChangedAt *time.Time
}

// IsLocked reports whether the persisted lock is still in force at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// UserResponse is the outward shape of a user, without secrets.
type UserResponse struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Role          Role       `json:"role"`
	EmailVerified bool       `json:"email_verified"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
}

func (u *User) ToResponse() *UserResponse {
	return &UserResponse{
		ID:            u.ID,
		Email:         u.Email,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
		Active:        u.Active,
		CreatedAt:     u.CreatedAt,
		LastLoginAt:   u.LastLoginAt,
		LockedUntil:   u.LockedUntil,
	}
}
