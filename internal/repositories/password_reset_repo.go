package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/BradenHooton/keyforge/internal/database"
	"github.com/BradenHooton/keyforge/internal/models"
)

// PasswordResetRepository stores hashed, single-use reset tokens.
type PasswordResetRepository struct {
	db *database.DB
}

func NewPasswordResetRepository(db *database.DB) *PasswordResetRepository {
	return &PasswordResetRepository{db: db}
}

const resetColumns = `id, user_id, token_hash, expires_at, used_at, created_at`

func scanResetTokenRow(row rowScanner) (*models.PasswordResetToken, error) {
	var t models.PasswordResetToken
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &t, nil
}

// CreateWithinLimit stores token unless the user already has limit tokens
// created after since, and reports whether it was stored. A per-user
// advisory lock serializes the count and the insert.
func (r *PasswordResetRepository) CreateWithinLimit(ctx context.Context, token *models.PasswordResetToken, since time.Time, limit int) (bool, error) {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	created := false
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('password_reset:' || $1))`, token.UserID); err != nil {
			return database.MapPostgresError(err)
		}

		var n int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM password_reset_tokens WHERE user_id = $1 AND created_at > $2`,
			token.UserID, since).Scan(&n)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if n >= limit {
			return nil
		}

		query := `INSERT INTO password_reset_tokens (` + resetColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err := tx.Exec(ctx, query,
			token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.UsedAt, token.CreatedAt); err != nil {
			return database.MapPostgresError(err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to create reset token: %w", err)
	}
	return created, nil
}

func (r *PasswordResetRepository) GetByHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	query := `SELECT ` + resetColumns + ` FROM password_reset_tokens WHERE token_hash = $1`
	return scanResetTokenRow(r.db.Pool.QueryRow(ctx, query, tokenHash))
}

// MarkUsed consumes the token. It returns ErrNotFound when the token was
// already consumed, so two concurrent completions cannot both succeed.
func (r *PasswordResetRepository) MarkUsed(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE password_reset_tokens SET used_at = $1 WHERE id = $2 AND used_at IS NULL`, at, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteExpired removes tokens past expiry. Tokens are kept for a day after
// creation regardless so the daily cap still sees them.
func (r *PasswordResetRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx,
		`DELETE FROM password_reset_tokens WHERE expires_at < $1 AND created_at < $2`,
		now, now.Add(-24*time.Hour))
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
