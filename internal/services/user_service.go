package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/keyforge/internal/models"
)

// UserRepository is the credential store.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context, limit, offset int) ([]*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	UpdateRole(ctx context.Context, id string, role models.Role) error
	SetActive(ctx context.Context, id string, active bool) error
	MarkEmailVerified(ctx context.Context, id string) error
	SetLockedUntil(ctx context.Context, id string, until *time.Time) error
	RecordLogin(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
}

// UserService serves the caller's own account view.
type UserService struct {
	repo         UserRepository
	storeTimeout time.Duration
	logger       *slog.Logger
}

func NewUserService(repo UserRepository, storeTimeout time.Duration, logger *slog.Logger) *UserService {
	return &UserService{repo: repo, storeTimeout: storeTimeout, logger: logger}
}

// GetProfile returns the persisted user behind a validated token.
func (s *UserService) GetProfile(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to load user", slog.String("user_id", id), slog.Any("error", err))
		return nil, unavailable(err)
	}
	if !user.Active {
		return nil, models.ErrAccountInactive
	}
	return user, nil
}
