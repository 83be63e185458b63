package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/keyforge/internal/database"
	"github.com/BradenHooton/keyforge/internal/models"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

// AuditLogRepository handles audit log data access. Entries are append-only;
// the only deletion path is retention purge.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditColumns = `id, actor, action, level, detail, target_id, ip_address, user_agent,
	metadata, retention_days, created_at`

// scanAuditLogRow handles nullable fields and populates an AuditLog model from a database row
func scanAuditLogRow(row rowScanner) (*models.AuditLog, error) {
	var log models.AuditLog
	var action, level string

	err := row.Scan(
		&log.ID, &log.Actor, &action, &level, &log.Detail,
		&log.TargetID, &log.IPAddress, &log.UserAgent,
		&log.Metadata, &log.RetentionDays, &log.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	log.Action = models.ParseAuditAction(action)
	log.Level = models.AuditLevel(level)
	return &log, nil
}

// scanAuditLogRows iterates through rows and scans each into AuditLog models
func scanAuditLogRows(rows pgx.Rows) ([]*models.AuditLog, error) {
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)

	for rows.Next() {
		log, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}

	return logs, nil
}

// Create appends an entry. ID and CreatedAt are filled when unset.
func (r *AuditLogRepository) Create(ctx context.Context, log *models.AuditLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		log.ID, log.Actor, string(log.Action), string(log.Level), log.Detail,
		log.TargetID, log.IPAddress, log.UserAgent,
		log.Metadata, log.RetentionDays, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", database.MapPostgresError(err))
	}
	return nil
}

// Query returns entries matching filter, newest first.
func (r *AuditLogRepository) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	where, args := buildAuditWhere(filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditPageSize
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM audit_logs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return scanAuditLogRows(rows)
}

func buildAuditWhere(filter models.AuditFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// DeleteExpired purges entries older than their own retention period.
func (r *AuditLogRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM audit_logs WHERE created_at + make_interval(days => retention_days) < $1`

	result, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
