package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/keyforge/internal/database"
	"github.com/BradenHooton/keyforge/internal/models"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{pool: db.Pool}
}

const userColumns = `id, email, password_hash, role, email_verified, active,
	created_at, updated_at, last_login_at, locked_until, password_changed_at`

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanUserRow handles nullable fields and populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var role string

	err := scanner.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &role,
		&user.EmailVerified, &user.Active,
		&user.CreatedAt, &user.UpdatedAt,
		&user.LastLoginAt, &user.LockedUntil, &user.PasswordChangedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	user.Role = models.Role(role)
	return &user, nil
}

// scanUserRows iterates through rows and scans each into User models
func scanUserRows(rows pgx.Rows) ([]*models.User, error) {
	defer rows.Close()

	users := make([]*models.User, 0)

	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}

	return users, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrNotFound
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail matches case-insensitively; the unique index is on LOWER(email).
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUserRow(r.pool.QueryRow(ctx, query, email))
}

func (r *UserRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return scanUserRows(rows)
}

// Create inserts a new user. Users start active and unverified unless the
// caller says otherwise.
func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	user.ID = uuid.New().String()

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	if user.Role == "" {
		user.Role = models.RoleUser
	}

	query := `
		INSERT INTO users (id, email, password_hash, role, email_verified, active, password_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + userColumns

	return scanUserRow(r.pool.QueryRow(ctx, query,
		user.ID, user.Email, user.PasswordHash, string(user.Role),
		user.EmailVerified, user.Active, user.PasswordChangedAt,
		user.CreatedAt, user.UpdatedAt,
	))
}

func (r *UserRepository) UpdateRole(ctx context.Context, id string, role models.Role) error {
	return r.exec(ctx, `UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`, string(role), id)
}

func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.exec(ctx, `UPDATE users SET active = $1, updated_at = NOW() WHERE id = $2`, active, id)
}

func (r *UserRepository) MarkEmailVerified(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`, id)
}

// SetLockedUntil persists a lock; nil clears it.
func (r *UserRepository) SetLockedUntil(ctx context.Context, id string, until *time.Time) error {
	return r.exec(ctx, `UPDATE users SET locked_until = $1, updated_at = NOW() WHERE id = $2`, until, id)
}

func (r *UserRepository) RecordLogin(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, `UPDATE users SET last_login_at = $1, locked_until = NULL WHERE id = $2`, at, id)
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	return r.exec(ctx, `
		UPDATE users SET password_hash = $1, password_changed_at = $2, locked_until = NULL, updated_at = NOW()
		WHERE id = $3`, passwordHash, changedAt, id)
}

func (r *UserRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
