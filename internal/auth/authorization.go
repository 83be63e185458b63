package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/keyforge/internal/models"
)

// unknownRequirement makes an unrecognized required role unsatisfiable.
const unknownRequirement = 999

// HasPermission is exact membership of p in role's permission set.
func HasPermission(role models.Role, p models.Permission) bool {
	return role.Has(p)
}

// HasMinimumRole compares hierarchy levels. An unknown caller ranks 0 and an
// unknown requirement ranks above every real role, so either always fails.
func HasMinimumRole(role, required models.Role) bool {
	need := required.Level()
	if need == 0 {
		need = unknownRequirement
	}
	return role.Level() >= need
}

// UserRepository is the slice of the user store authorization needs.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// AuditRecorder receives security events. Implementations must not block
// or fail the caller.
type AuditRecorder interface {
	Record(ctx context.Context, entry models.AuditLog)
}

// Authorizer evaluates permission-gated requests against the persisted role
// rather than the token snapshot.
type Authorizer struct {
	users  UserRepository
	audit  AuditRecorder
	logger *slog.Logger
}

func NewAuthorizer(users UserRepository, audit AuditRecorder, logger *slog.Logger) *Authorizer {
	return &Authorizer{users: users, audit: audit, logger: logger}
}

// CheckPermission loads the user and verifies p. It returns the loaded user
// so callers do not fetch it twice.
func (a *Authorizer) CheckPermission(ctx context.Context, userID string, p models.Permission) (*models.User, error) {
	user, err := a.currentUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !HasPermission(user.Role, p) {
		a.deny(ctx, user, fmt.Sprintf("missing permission %s", p))
		return nil, models.ErrPermissionDenied
	}
	return user, nil
}

// CheckMinimumRole loads the user and verifies its level against required.
func (a *Authorizer) CheckMinimumRole(ctx context.Context, userID string, required models.Role) (*models.User, error) {
	user, err := a.currentUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !HasMinimumRole(user.Role, required) {
		a.deny(ctx, user, fmt.Sprintf("role %s below %s", user.Role, required))
		return nil, models.ErrInsufficientRole
	}
	return user, nil
}

func (a *Authorizer) currentUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := a.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrTokenInvalid
		}
		if !errors.Is(err, models.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrUnavailable, err)
		}
		a.logger.Error("authorization aborted: user store unavailable",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		if a.audit != nil {
			a.audit.Record(ctx, models.AuditLog{
				Actor:  userID,
				Action: models.AuditStoreUnavailable,
				Level:  models.AuditLevelError,
				Detail: "authorization: " + err.Error(),
			})
		}
		return nil, err
	}
	if !user.Active {
		return nil, models.ErrAccountInactive
	}
	return user, nil
}

func (a *Authorizer) deny(ctx context.Context, user *models.User, detail string) {
	a.logger.Warn("authorization denied",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
		slog.String("detail", detail),
	)
	if a.audit != nil {
		a.audit.Record(ctx, models.AuditLog{
			Actor:  user.ID,
			Action: models.AuditPermissionDenied,
			Detail: detail,
		})
	}
}
