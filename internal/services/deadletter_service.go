// Package services – DeadLetterService
//
// This file implements the dead-letter manager. Failed event publishes are
// captured with an exponential-backoff retry schedule instead of being
// dropped; a background drain (internal/workers) republishes due messages
// and either removes them or reschedules until the retry budget is spent.
// Delivery is at-least-once by design — consumers must be idempotent.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-reliability-backend/internal/domain"
	"github.com/tbourn/go-reliability-backend/internal/repo"
)

// DeadLetterRepo defines the persistence contract required by the manager.
type DeadLetterRepo interface {
	Create(ctx context.Context, db *gorm.DB, eventType string, payload []byte, correlationID, lastError string, nextRetryAt time.Time) (*domain.DeadLetter, error)
	Get(ctx context.Context, db *gorm.DB, id string) (*domain.DeadLetter, error)
	ListReady(ctx context.Context, db *gorm.DB, now time.Time, maxRetries, limit int) ([]domain.DeadLetter, error)
	Claim(ctx context.Context, db *gorm.DB, id string, version int) error
	MarkFailed(ctx context.Context, db *gorm.DB, id, lastError string, retryCount int, nextRetryAt time.Time, exhausted bool) error
	Delete(ctx context.Context, db *gorm.DB, id string) error
	Requeue(ctx context.Context, db *gorm.DB, id string, maxRetries int, now time.Time) error
	Stats(ctx context.Context, db *gorm.DB, now time.Time, maxRetries int) (*domain.DeadLetterStats, error)
	Count(ctx context.Context, db *gorm.DB) (int64, error)
	ListPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.DeadLetter, error)
}

// DeadLetterService manages the capture/retry lifecycle of failed event
// publishes. All state lives in the store; the service itself is stateless
// and safe for concurrent use.
type DeadLetterService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the dead-letter repository used by this service.
	Repo DeadLetterRepo

	// MaxRetries caps automatic republish attempts per message.
	MaxRetries int
	// BaseBackoff is the delay before the first retry; each failed attempt
	// doubles it up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// DrainBatch bounds how many due messages one drain cycle loads.
	DrainBatch int
}

// NewDeadLetterService constructs a manager with the configured retry policy.
func NewDeadLetterService(db *gorm.DB, r DeadLetterRepo, maxRetries int, baseBackoff, maxBackoff time.Duration) *DeadLetterService {
	return &DeadLetterService{
		DB:          db,
		Repo:        r,
		MaxRetries:  maxRetries,
		BaseBackoff: baseBackoff,
		MaxBackoff:  maxBackoff,
		DrainBatch:  100,
	}
}

// Backoff returns the delay before attempt retryCount+1: base doubled per
// failed attempt, capped. Monotonically non-decreasing in retryCount.
func (s *DeadLetterService) Backoff(retryCount int) time.Duration {
	d := s.BaseBackoff
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= s.MaxBackoff {
			return s.MaxBackoff
		}
	}
	if d > s.MaxBackoff {
		return s.MaxBackoff
	}
	return d
}

// Capture persists a failed event publish so it survives process restart.
// The first retry is scheduled one base backoff from now.
func (s *DeadLetterService) Capture(ctx context.Context, eventType string, payload []byte, correlationID string, cause error) (*domain.DeadLetter, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	nextRetryAt := time.Now().UTC().Add(s.Backoff(0))

	msg, err := s.Repo.Create(ctx, s.DB, eventType, payload, correlationID, reason, nextRetryAt)
	if err != nil {
		return nil, err
	}

	deadLettersCaptured.WithLabelValues(eventType).Inc()
	log.Warn().
		Str("dead_letter_id", msg.ID).
		Str("event_type", eventType).
		Str("correlation_id", correlationID).
		Str("cause", reason).
		Time("next_retry_at", nextRetryAt).
		Msg("event publish failed, captured to dead-letter queue")
	return msg, nil
}

// ReadyForRetry returns the messages due for a republish attempt, oldest
// due first.
func (s *DeadLetterService) ReadyForRetry(ctx context.Context, now time.Time) ([]domain.DeadLetter, error) {
	return s.Repo.ListReady(ctx, s.DB, now, s.MaxRetries, s.DrainBatch)
}

// Claim marks a message as retrying before the republish attempt. Returns
// false when a concurrent drain cycle already claimed it — the caller must
// skip the message, never retry the claim.
func (s *DeadLetterService) Claim(ctx context.Context, msg *domain.DeadLetter) (bool, error) {
	err := s.Repo.Claim(ctx, s.DB, msg.ID, msg.Version)
	if errors.Is(err, repo.ErrStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkAsFailed records a failed republish: increments the retry count,
// recomputes the schedule, and exhausts the message once the budget is
// spent. Exhausted messages leave the automatic retry path.
func (s *DeadLetterService) MarkAsFailed(ctx context.Context, id string, cause error) error {
	msg, err := s.Repo.Get(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrDeadLetterNotFound
	}
	if err != nil {
		return err
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	retryCount := msg.RetryCount + 1
	exhausted := retryCount >= s.MaxRetries
	nextRetryAt := time.Now().UTC().Add(s.Backoff(retryCount))

	if err := s.Repo.MarkFailed(ctx, s.DB, id, reason, retryCount, nextRetryAt, exhausted); err != nil {
		return err
	}

	if exhausted {
		deadLetterRetries.WithLabelValues("exhausted").Inc()
		log.Error().
			Str("dead_letter_id", id).
			Str("event_type", msg.EventType).
			Int("retry_count", retryCount).
			Msg("dead letter exhausted, manual intervention required")
	} else {
		deadLetterRetries.WithLabelValues("failed").Inc()
	}
	return nil
}

// Remove deletes a message after a successful republish.
func (s *DeadLetterService) Remove(ctx context.Context, id string) error {
	if err := s.Repo.Delete(ctx, s.DB, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrDeadLetterNotFound
		}
		return err
	}
	deadLetterRetries.WithLabelValues("resolved").Inc()
	return nil
}

// Requeue resets an exhausted message for exactly one more automatic
// attempt. Only exhausted messages can be requeued.
func (s *DeadLetterService) Requeue(ctx context.Context, id string) error {
	err := s.Repo.Requeue(ctx, s.DB, id, s.MaxRetries, time.Now().UTC())
	if errors.Is(err, repo.ErrStale) {
		// Distinguish "missing" from "wrong state" for the operator.
		if _, getErr := s.Repo.Get(ctx, s.DB, id); errors.Is(getErr, repo.ErrNotFound) {
			return ErrDeadLetterNotFound
		}
		return ErrNotExhausted
	}
	return err
}

// Stats returns the operator aggregate view.
func (s *DeadLetterService) Stats(ctx context.Context) (*domain.DeadLetterStats, error) {
	return s.Repo.Stats(ctx, s.DB, time.Now().UTC(), s.MaxRetries)
}

// ListPage returns a page of dead letters and the total count.
func (s *DeadLetterService) ListPage(ctx context.Context, page, pageSize int) ([]domain.DeadLetter, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := s.Repo.Count(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.DeadLetter{}, 0, nil
	}
	items, err := s.Repo.ListPage(ctx, s.DB, (page-1)*pageSize, pageSize)
	return items, total, err
}
