package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/keyforge/internal/config"
	"github.com/BradenHooton/keyforge/internal/models"
)

const (
	applicationName = "keyforge"
	connectTimeout  = 10 * time.Second
	pingTimeout     = 2 * time.Second
)

// sslModes are the libpq modes pgx understands.
var sslModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

// DB owns the pgx pool shared by every repository.
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps an existing pool, as used by integration tests.
func New(pool *pgxpool.Pool, logger *slog.Logger) *DB {
	return &DB{Pool: pool, logger: logger}
}

// poolConfig applies the configured limits. Sessions are tagged so the
// service shows up by name in pg_stat_activity.
func poolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	if !sslModes[cfg.SSLMode] {
		return nil, fmt.Errorf("%w: unsupported sslmode %q", models.ErrConfig, cfg.SSLMode)
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: invalid database settings: %v", models.ErrConfig, err)
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.HealthCheckPeriod = cfg.HealthCheckPeriod
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}

// NewConnection opens the pool and fails fast when Postgres is unreachable.
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach postgres at %s: %w", cfg.Host, MapPostgresError(err))
	}

	logger.Info("database connection established",
		slog.String("host", cfg.Host),
		slog.String("database", cfg.Name),
		slog.Int("max_conns", int(cfg.MaxConns)),
	)
	return &DB{Pool: pool, logger: logger}, nil
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

// HealthCheck pings within a short deadline. Failures wrap
// models.ErrUnavailable.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres ping: %v", models.ErrUnavailable, err)
	}
	return nil
}
