package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/keyforge/internal/database"
)

type TokenRevocationRepository struct {
	pool *pgxpool.Pool
}

func NewTokenRevocationRepository(db *database.DB) *TokenRevocationRepository {
	return &TokenRevocationRepository{pool: db.Pool}
}

// RevokeToken adds a token to the revocation list until its natural expiry.
// Revoking the same jti twice is not an error.
func (r *TokenRevocationRepository) RevokeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) error {
	query := `
		INSERT INTO revoked_tokens (jti, user_id, reason, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (jti) DO NOTHING
	`

	if _, err := r.pool.Exec(ctx, query, jti, userID, reason, expiresAt); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// IsTokenRevoked checks if a token is in the revocation list
func (r *TokenRevocationRepository) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, jti).Scan(&exists); err != nil {
		return false, database.MapPostgresError(err)
	}
	return exists, nil
}

// CleanupExpiredTokens removes entries whose tokens have expired anyway
func (r *TokenRevocationRepository) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
