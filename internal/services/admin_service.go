package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/models"
)

const (
	defaultUserPageSize = 50
	maxUserPageSize     = 200
)

// AdminService performs user management. Callers are authorized by the
// route middleware against the persisted role; the service enforces the
// remaining invariants (no self-demotion, no self-deactivation).
type AdminService struct {
	users        UserRepository
	lockout      *LockoutService
	storeTimeout time.Duration
	audit        auth.AuditRecorder
	logger       *slog.Logger
}

func NewAdminService(users UserRepository, lockout *LockoutService, storeTimeout time.Duration, audit auth.AuditRecorder, logger *slog.Logger) *AdminService {
	return &AdminService{
		users:        users,
		lockout:      lockout,
		storeTimeout: storeTimeout,
		audit:        audit,
		logger:       logger,
	}
}

func (s *AdminService) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, error) {
	if limit <= 0 {
		limit = defaultUserPageSize
	}
	if limit > maxUserPageSize {
		limit = maxUserPageSize
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	users, err := s.users.List(ctx, limit, offset)
	if err != nil {
		return nil, unavailable(err)
	}
	return users, nil
}

// ChangeRole sets target's role. Admins cannot change their own role, which
// also keeps the last administrator from demoting themselves.
func (s *AdminService) ChangeRole(ctx context.Context, actor *models.User, targetID string, role models.Role) (*models.User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrBadRequest, role)
	}
	if actor.ID == targetID {
		return nil, fmt.Errorf("%w: cannot change own role", models.ErrForbidden)
	}

	target, err := s.load(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Role == role {
		return target, nil
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.users.UpdateRole(storeCtx, targetID, role); err != nil {
		return nil, s.storeErr(err)
	}

	previous := target.Role
	target.Role = role
	s.logger.Warn("role changed",
		slog.String("actor_id", actor.ID),
		slog.String("target_id", targetID),
		slog.String("from", string(previous)),
		slog.String("to", string(role)))
	s.audit.Record(ctx, models.AuditLog{
		Actor:    actor.ID,
		Action:   models.AuditRoleChanged,
		Detail:   fmt.Sprintf("%s -> %s", previous, role),
		TargetID: &targetID,
		Metadata: models.AuditMetadata{"from": string(previous), "to": string(role)},
	})
	return target, nil
}

// SetActive soft-deactivates or reactivates a user. Users are never hard
// deleted.
func (s *AdminService) SetActive(ctx context.Context, actor *models.User, targetID string, active bool) (*models.User, error) {
	if actor.ID == targetID && !active {
		return nil, fmt.Errorf("%w: cannot deactivate own account", models.ErrForbidden)
	}

	target, err := s.load(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Active == active {
		return target, nil
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.users.SetActive(storeCtx, targetID, active); err != nil {
		return nil, s.storeErr(err)
	}
	target.Active = active

	action := models.AuditUserDeactivated
	if active {
		action = models.AuditUserActivated
	}
	s.audit.Record(ctx, models.AuditLog{
		Actor:    actor.ID,
		Action:   action,
		Detail:   "account status changed",
		TargetID: &targetID,
	})
	return target, nil
}

// UnlockAccount clears both the lockout counter and the persisted lock.
func (s *AdminService) UnlockAccount(ctx context.Context, actor *models.User, targetID string) error {
	target, err := s.load(ctx, targetID)
	if err != nil {
		return err
	}
	if err := s.lockout.Unlock(ctx, target.Email, target.ID); err != nil {
		return s.storeErr(err)
	}

	s.audit.Record(ctx, models.AuditLog{
		Actor:    actor.ID,
		Action:   models.AuditAccountUnlocked,
		Detail:   "account unlocked by administrator",
		TargetID: &targetID,
	})
	return nil
}

func (s *AdminService) load(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeErr(err)
	}
	return user, nil
}

func (s *AdminService) storeErr(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrNotFound
	}
	return unavailable(err)
}
