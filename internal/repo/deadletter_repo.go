// Package repo implements the data persistence layer for the reliability
// domain entities, backed by GORM. This file provides repository functions
// for the DeadLetter model: capture, drain queries, claim-for-retry, and
// operator listings.
//
// The drain path relies on two properties:
//   - ListReadyForRetry only sees rows with status pending/retrying, a due
//     next_retry_at, and a retry_count below the configured maximum, oldest
//     due first (the (status, next_retry_at) index covers this).
//   - ClaimDeadLetter advances the row's version with a compare-and-swap, so
//     of two overlapping drain cycles exactly one wins each message.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reliability-backend/internal/domain"
)

// CreateDeadLetter persists a failed event publish with its first retry
// schedule already computed by the caller.
func CreateDeadLetter(ctx context.Context, db *gorm.DB, eventType string, payload []byte, correlationID, lastError string, nextRetryAt time.Time) (*domain.DeadLetter, error) {
	now := time.Now().UTC()
	msg := &domain.DeadLetter{
		ID:            uuid.NewString(),
		EventType:     eventType,
		Payload:       payload,
		CorrelationID: correlationID,
		RetryCount:    0,
		NextRetryAt:   nextRetryAt,
		LastError:     lastError,
		Status:        domain.DeadLetterPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// GetDeadLetter fetches a single message by ID or ErrNotFound.
func GetDeadLetter(ctx context.Context, db *gorm.DB, id string) (*domain.DeadLetter, error) {
	var msg domain.DeadLetter
	err := db.WithContext(ctx).First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListReadyForRetry returns messages due for a republish attempt, oldest due
// first. Exhausted messages and messages at the retry ceiling never appear.
func ListReadyForRetry(ctx context.Context, db *gorm.DB, now time.Time, maxRetries, limit int) ([]domain.DeadLetter, error) {
	var msgs []domain.DeadLetter
	q := db.WithContext(ctx).
		Where("status IN ? AND next_retry_at <= ? AND retry_count < ?",
			[]domain.DeadLetterStatus{domain.DeadLetterPending, domain.DeadLetterRetrying},
			now, maxRetries).
		Order("next_retry_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&msgs).Error
	return msgs, err
}

// ClaimDeadLetter marks a message as retrying iff its version still matches.
// Returns ErrStale when another drain cycle already claimed it.
func ClaimDeadLetter(ctx context.Context, db *gorm.DB, id string, version int) error {
	res := db.WithContext(ctx).
		Model(&domain.DeadLetter{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]any{
			"status":     domain.DeadLetterRetrying,
			"version":    version + 1,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// MarkDeadLetterFailed records a failed republish attempt: bumps the retry
// count, reschedules, and flips the status to exhausted once the ceiling is
// reached.
func MarkDeadLetterFailed(ctx context.Context, db *gorm.DB, id, lastError string, retryCount int, nextRetryAt time.Time, exhausted bool) error {
	status := domain.DeadLetterPending
	if exhausted {
		status = domain.DeadLetterExhausted
	}
	res := db.WithContext(ctx).
		Model(&domain.DeadLetter{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count":   retryCount,
			"next_retry_at": nextRetryAt,
			"last_error":    lastError,
			"status":        status,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDeadLetter removes a successfully republished message.
func DeleteDeadLetter(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Delete(&domain.DeadLetter{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueDeadLetter resets an exhausted message so the drain loop picks it
// up exactly once more: status back to pending, due immediately, retry count
// one below the ceiling. Returns ErrStale when the message is not exhausted.
func RequeueDeadLetter(ctx context.Context, db *gorm.DB, id string, maxRetries int, now time.Time) error {
	retryCount := maxRetries - 1
	if retryCount < 0 {
		retryCount = 0
	}
	res := db.WithContext(ctx).
		Model(&domain.DeadLetter{}).
		Where("id = ? AND status = ?", id, domain.DeadLetterExhausted).
		Updates(map[string]any{
			"status":        domain.DeadLetterPending,
			"retry_count":   retryCount,
			"next_retry_at": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// DeadLetterStats aggregates the operator view: total rows, rows currently
// due for retry, and rows past the retry ceiling.
func DeadLetterStats(ctx context.Context, db *gorm.DB, now time.Time, maxRetries int) (*domain.DeadLetterStats, error) {
	var stats domain.DeadLetterStats
	if err := db.WithContext(ctx).Model(&domain.DeadLetter{}).Count(&stats.TotalEvents).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&domain.DeadLetter{}).
		Where("status IN ? AND next_retry_at <= ? AND retry_count < ?",
			[]domain.DeadLetterStatus{domain.DeadLetterPending, domain.DeadLetterRetrying},
			now, maxRetries).
		Count(&stats.ReadyForRetry).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&domain.DeadLetter{}).
		Where("status = ?", domain.DeadLetterExhausted).
		Count(&stats.MaxRetriesReached).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}

// CountDeadLetters returns the total number of dead letters for pagination.
func CountDeadLetters(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.DeadLetter{}).Count(&n).Error
	return n, err
}

// ListDeadLettersPage returns a page of dead letters, newest first.
func ListDeadLettersPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.DeadLetter, error) {
	var msgs []domain.DeadLetter
	err := db.WithContext(ctx).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}
