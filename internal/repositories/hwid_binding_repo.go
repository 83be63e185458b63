package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BradenHooton/keyforge/internal/database"
	"github.com/BradenHooton/keyforge/internal/models"
)

// BindingMutation receives the current binding (nil when none exists) and
// returns the binding to store, or nil to leave the row untouched.
type BindingMutation func(current *models.HWIDBinding) (*models.HWIDBinding, error)

// HWIDBindingRepository persists one binding per subscription in Postgres.
type HWIDBindingRepository struct {
	db *database.DB
}

func NewHWIDBindingRepository(db *database.DB) *HWIDBindingRepository {
	return &HWIDBindingRepository{db: db}
}

const bindingColumns = `subscription_id, fingerprint, locked, bound_at, updated_at`

func scanBindingRow(row rowScanner) (*models.HWIDBinding, error) {
	var b models.HWIDBinding
	if err := row.Scan(&b.SubscriptionID, &b.Fingerprint, &b.Locked, &b.BoundAt, &b.UpdatedAt); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &b, nil
}

func (r *HWIDBindingRepository) Get(ctx context.Context, subscriptionID string) (*models.HWIDBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM hwid_bindings WHERE subscription_id = $1`
	return scanBindingRow(r.db.Pool.QueryRow(ctx, query, subscriptionID))
}

// WithBinding runs fn while holding a transaction-scoped advisory lock on the
// subscription, so concurrent binds of the same subscription serialize even
// when no row exists yet.
func (r *HWIDBindingRepository) WithBinding(ctx context.Context, subscriptionID string, fn BindingMutation) (*models.HWIDBinding, error) {
	var result *models.HWIDBinding

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, subscriptionID); err != nil {
			return database.MapPostgresError(err)
		}

		query := `SELECT ` + bindingColumns + ` FROM hwid_bindings WHERE subscription_id = $1 FOR UPDATE`
		current, err := scanBindingRow(tx.QueryRow(ctx, query, subscriptionID))
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		upsert := `
			INSERT INTO hwid_bindings (subscription_id, fingerprint, locked, bound_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (subscription_id) DO UPDATE
			SET fingerprint = EXCLUDED.fingerprint, locked = EXCLUDED.locked, updated_at = EXCLUDED.updated_at
			RETURNING ` + bindingColumns

		result, err = scanBindingRow(tx.QueryRow(ctx, upsert,
			subscriptionID, next.Fingerprint, next.Locked, next.BoundAt, next.UpdatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *HWIDBindingRepository) SetLocked(ctx context.Context, subscriptionID string, locked bool) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE hwid_bindings SET locked = $1, updated_at = $2 WHERE subscription_id = $3`,
		locked, time.Now().UTC(), subscriptionID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Delete destroys the binding, as on subscription revoke or expiry.
func (r *HWIDBindingRepository) Delete(ctx context.Context, subscriptionID string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM hwid_bindings WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
