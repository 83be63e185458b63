package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/keyforge/internal/config"
	"github.com/BradenHooton/keyforge/internal/metrics"
	"github.com/BradenHooton/keyforge/internal/models"
)

// RateWindowStore performs atomic fixed-window accounting.
type RateWindowStore interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (models.RateDecision, error)
	Refund(ctx context.Context, key string) error
}

// RateLimitService applies per route class budgets keyed by client identity
// (IP address, or the API key hash for the API key class).
type RateLimitService struct {
	store        RateWindowStore
	limits       config.RateLimitConfig
	storeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

func NewRateLimitService(store RateWindowStore, limits config.RateLimitConfig, storeTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *RateLimitService {
	return &RateLimitService{
		store:        store,
		limits:       limits,
		storeTimeout: storeTimeout,
		logger:       logger,
		metrics:      m,
	}
}

func bucketKey(class models.RouteClass, clientKey string) string {
	return string(class) + ":" + clientKey
}

// Check counts one request. When the budget is exhausted it returns the
// decision together with a *models.RateLimitError carrying Retry-After.
// Store failures surface as models.ErrUnavailable.
func (s *RateLimitService) Check(ctx context.Context, clientKey string, class models.RouteClass) (models.RateDecision, error) {
	limit, ok := s.limits.For(class)
	if !ok {
		return models.RateDecision{}, fmt.Errorf("%w: unknown route class %q", models.ErrBadRequest, class)
	}

	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	decision, err := s.store.Hit(ctx, bucketKey(class, clientKey), limit.Max, limit.Window)
	if err != nil {
		s.metrics.StoreError("rate_limit")
		s.logger.Error("rate limit store failed",
			slog.String("class", string(class)),
			slog.Any("error", err),
		)
		return models.RateDecision{}, unavailable(err)
	}

	if !decision.Allowed {
		s.metrics.RateLimited(string(class))
		s.logger.Warn("rate limit exceeded",
			slog.String("class", string(class)),
			slog.Duration("retry_after", decision.RetryAfter),
		)
		return decision, &models.RateLimitError{Class: class, RetryAfter: decision.RetryAfter}
	}

	return decision, nil
}

// Refund returns one unit to the current window. Used for successful
// authentications when SkipSuccessfulAuth is set.
func (s *RateLimitService) Refund(ctx context.Context, clientKey string, class models.RouteClass) error {
	ctx, cancel := withStoreTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.Refund(ctx, bucketKey(class, clientKey)); err != nil {
		s.logger.Warn("rate limit refund failed", slog.String("class", string(class)), slog.Any("error", err))
		return unavailable(err)
	}
	return nil
}

// SkipSuccessfulAuth reports whether successful auth requests are refunded.
func (s *RateLimitService) SkipSuccessfulAuth() bool {
	return s.limits.SkipSuccessfulAuth
}

func withStoreTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// unavailable maps infrastructure errors onto models.ErrUnavailable while
// keeping the cause in the message.
func unavailable(err error) error {
	if errors.Is(err, models.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
}
