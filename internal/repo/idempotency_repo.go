// Package repo implements the data persistence layer for the reliability
// domain entities, backed by GORM. This file provides repository functions
// for the IdempotencyRecord model used to implement safe-retry semantics.
//
// Functions:
//
//   - GetIdempotency(ctx, db, scope, key, now) -> *domain.IdempotencyRecord, error
//     Returns a non-expired record or ErrNotFound (lazy expiry).
//
//   - CreateIdempotency(ctx, db, scope, key, hash, ttl) -> *domain.IdempotencyRecord, error
//     Atomic insert-if-absent; returns ErrDuplicate when the (scope, key)
//     pair already exists. This is the single write that decides which of
//     two racing duplicates wins.
//
//   - CompleteIdempotency(ctx, db, scope, key, result) -> error
//     Compare-and-swap Processing -> Completed, attaching the stored result.
//
//   - DeleteExpiredIdempotency(ctx, db, now) -> (int64, error)
//     Reclaims expired rows; used by the background sweep.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reliability-backend/internal/domain"
)

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, scope, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("scope = ? AND key = ? AND expires_at > ?", scope, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency inserts a Processing record and returns ErrDuplicate on
// unique violation. Expired leftovers under the same (scope, key) are removed
// first so a stale row cannot shadow a fresh request.
func CreateIdempotency(ctx context.Context, db *gorm.DB, scope, key, requestHash string, ttl time.Duration) (*domain.IdempotencyRecord, error) {
	now := time.Now().UTC()

	// Reclaim an expired row occupying the unique slot, if any.
	db.WithContext(ctx).
		Where("scope = ? AND key = ? AND expires_at <= ?", scope, key, now).
		Delete(&domain.IdempotencyRecord{})

	rec := &domain.IdempotencyRecord{
		ID:          uuid.NewString(),
		Scope:       scope,
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyProcessing,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// CompleteIdempotency flips a Processing record to Completed and stores the
// result payload to replay. Returns ErrStale when the record is missing or
// no longer Processing.
func CompleteIdempotency(ctx context.Context, db *gorm.DB, scope, key string, result []byte) error {
	res := db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("scope = ? AND key = ? AND status = ?", scope, key, domain.IdempotencyProcessing).
		Updates(map[string]any{
			"status": domain.IdempotencyCompleted,
			"result": result,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// DeleteIdempotency removes a record outright. Used to release the slot when
// the guarded operation failed and should be retryable from scratch.
func DeleteIdempotency(ctx context.Context, db *gorm.DB, scope, key string) error {
	return db.WithContext(ctx).
		Where("scope = ? AND key = ?", scope, key).
		Delete(&domain.IdempotencyRecord{}).Error
}

// DeleteExpiredIdempotency purges rows whose TTL elapsed before now and
// reports how many were removed.
func DeleteExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
