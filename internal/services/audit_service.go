package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BradenHooton/keyforge/internal/metrics"
	"github.com/BradenHooton/keyforge/internal/models"
)

// AuditLogRepository persists audit entries.
type AuditLogRepository interface {
	Create(ctx context.Context, log *models.AuditLog) error
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error)
}

const defaultAuditPersistTimeout = 5 * time.Second

// AuditService dual-writes security events: an slog line immediately and a
// persisted row from a background worker. Record never blocks the caller
// and never fails it; a full buffer drops the entry and counts the drop.
type AuditService struct {
	repo           AuditLogRepository
	logger         *slog.Logger
	metrics        *metrics.Metrics
	persistTimeout time.Duration
	now            func() time.Time

	ch        chan models.AuditLog
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewAuditService starts the persistence worker. Call Close to drain it.
func NewAuditService(repo AuditLogRepository, bufferSize int, logger *slog.Logger, m *metrics.Metrics) *AuditService {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	s := &AuditService{
		repo:           repo,
		logger:         logger,
		metrics:        m,
		persistTimeout: defaultAuditPersistTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		ch:             make(chan models.AuditLog, bufferSize),
		done:           make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

func (s *AuditService) run() {
	defer s.wg.Done()

	for {
		select {
		case entry := <-s.ch:
			s.persist(entry)
		case <-s.done:
			for {
				select {
				case entry := <-s.ch:
					s.persist(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *AuditService) persist(entry models.AuditLog) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	if err := s.repo.Create(ctx, &entry); err != nil {
		s.metrics.AuditPersistFailed()
		s.logger.Error("failed to persist audit log",
			slog.String("audit_id", entry.ID.String()),
			slog.String("action", string(entry.Action)),
			slog.Any("error", err),
		)
	}
}

// Record normalizes entry against the audit catalog and queues it.
func (s *AuditService) Record(ctx context.Context, entry models.AuditLog) {
	entry = s.normalize(entry)

	attrs := []slog.Attr{
		slog.String("audit_id", entry.ID.String()),
		slog.String("actor", entry.Actor),
		slog.String("action", string(entry.Action)),
		slog.String("detail", entry.Detail),
		slog.Int("retention_days", entry.RetentionDays),
	}
	if entry.TargetID != nil {
		attrs = append(attrs, slog.String("target_id", *entry.TargetID))
	}
	if entry.IPAddress != nil {
		attrs = append(attrs, slog.String("ip_address", *entry.IPAddress))
	}
	s.logger.LogAttrs(ctx, levelFor(entry.Level), "audit event", attrs...)

	if s.closed.Load() {
		s.drop(entry)
		return
	}
	select {
	case s.ch <- entry:
	case <-s.done:
		s.drop(entry)
	default:
		s.drop(entry)
	}
}

func (s *AuditService) drop(entry models.AuditLog) {
	s.dropped.Add(1)
	s.metrics.AuditDropped()
	s.logger.Warn("audit log dropped",
		slog.String("audit_id", entry.ID.String()),
		slog.String("action", string(entry.Action)),
	)
}

func (s *AuditService) normalize(entry models.AuditLog) models.AuditLog {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.Actor == "" {
		entry.Actor = models.ActorSystem
	}
	if !entry.Action.Known() {
		if entry.Action != models.AuditUnknown && entry.Action != "" {
			if entry.Metadata == nil {
				entry.Metadata = models.AuditMetadata{}
			}
			entry.Metadata["original_action"] = string(entry.Action)
		}
		entry.Action = models.AuditUnknown
	}
	if entry.Level == "" {
		entry.Level = entry.Action.DefaultLevel()
	}
	entry.RetentionDays = models.RetentionDays(entry.Action, entry.Level)
	return entry
}

func levelFor(level models.AuditLevel) slog.Level {
	switch level {
	case models.AuditLevelWarn:
		return slog.LevelWarn
	case models.AuditLevelError, models.AuditLevelCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Query is the read-only audit view.
func (s *AuditService) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error) {
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, models.ErrBadRequest
	}
	if s.repo == nil {
		return []*models.AuditLog{}, nil
	}
	return s.repo.Query(ctx, filter)
}

// Dropped reports how many entries never reached the store.
func (s *AuditService) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting entries and waits for queued ones to persist.
func (s *AuditService) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.wg.Wait()
	})
}
