package workers

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-reliability-backend/internal/domain"
	"github.com/tbourn/go-reliability-backend/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:wrk_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA busy_timeout=5000;")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&domain.Saga{}, &domain.SagaStep{}, &domain.DeadLetter{}, &domain.IdempotencyRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// Shims proxying the repo free functions, mirroring the production wiring in
// internal/http.

type dlqRepoShim struct{}

func (dlqRepoShim) Create(ctx context.Context, db *gorm.DB, eventType string, payload []byte, correlationID, lastError string, nextRetryAt time.Time) (*domain.DeadLetter, error) {
	return repo.CreateDeadLetter(ctx, db, eventType, payload, correlationID, lastError, nextRetryAt)
}
func (dlqRepoShim) Get(ctx context.Context, db *gorm.DB, id string) (*domain.DeadLetter, error) {
	return repo.GetDeadLetter(ctx, db, id)
}
func (dlqRepoShim) ListReady(ctx context.Context, db *gorm.DB, now time.Time, maxRetries, limit int) ([]domain.DeadLetter, error) {
	return repo.ListReadyForRetry(ctx, db, now, maxRetries, limit)
}
func (dlqRepoShim) Claim(ctx context.Context, db *gorm.DB, id string, version int) error {
	return repo.ClaimDeadLetter(ctx, db, id, version)
}
func (dlqRepoShim) MarkFailed(ctx context.Context, db *gorm.DB, id, lastError string, retryCount int, nextRetryAt time.Time, exhausted bool) error {
	return repo.MarkDeadLetterFailed(ctx, db, id, lastError, retryCount, nextRetryAt, exhausted)
}
func (dlqRepoShim) Delete(ctx context.Context, db *gorm.DB, id string) error {
	return repo.DeleteDeadLetter(ctx, db, id)
}
func (dlqRepoShim) Requeue(ctx context.Context, db *gorm.DB, id string, maxRetries int, now time.Time) error {
	return repo.RequeueDeadLetter(ctx, db, id, maxRetries, now)
}
func (dlqRepoShim) Stats(ctx context.Context, db *gorm.DB, now time.Time, maxRetries int) (*domain.DeadLetterStats, error) {
	return repo.DeadLetterStats(ctx, db, now, maxRetries)
}
func (dlqRepoShim) Count(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountDeadLetters(ctx, db)
}
func (dlqRepoShim) ListPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.DeadLetter, error) {
	return repo.ListDeadLettersPage(ctx, db, offset, limit)
}

type idemRepoShim struct{}

func (idemRepoShim) Get(ctx context.Context, db *gorm.DB, scope, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	return repo.GetIdempotency(ctx, db, scope, key, now)
}
func (idemRepoShim) Create(ctx context.Context, db *gorm.DB, scope, key, requestHash string, ttl time.Duration) (*domain.IdempotencyRecord, error) {
	return repo.CreateIdempotency(ctx, db, scope, key, requestHash, ttl)
}
func (idemRepoShim) Complete(ctx context.Context, db *gorm.DB, scope, key string, result []byte) error {
	return repo.CompleteIdempotency(ctx, db, scope, key, result)
}
func (idemRepoShim) Delete(ctx context.Context, db *gorm.DB, scope, key string) error {
	return repo.DeleteIdempotency(ctx, db, scope, key)
}
func (idemRepoShim) DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	return repo.DeleteExpiredIdempotency(ctx, db, now)
}

type sagaRepoShim struct{}

func (sagaRepoShim) Create(ctx context.Context, db *gorm.DB, saga *domain.Saga) error {
	return repo.CreateSaga(ctx, db, saga)
}
func (sagaRepoShim) Get(ctx context.Context, db *gorm.DB, id string) (*domain.Saga, error) {
	return repo.GetSaga(ctx, db, id)
}
func (sagaRepoShim) CountByStatus(ctx context.Context, db *gorm.DB, status domain.SagaStatus) (int64, error) {
	return repo.CountSagasByStatus(ctx, db, status)
}
func (sagaRepoShim) ListByStatus(ctx context.Context, db *gorm.DB, status domain.SagaStatus, offset, limit int) ([]domain.Saga, error) {
	return repo.ListSagasByStatus(ctx, db, status, offset, limit)
}
func (sagaRepoShim) UpdateCAS(ctx context.Context, db *gorm.DB, id string, expectedVersion int, upd repo.SagaUpdate) error {
	return repo.UpdateSagaCAS(ctx, db, id, expectedVersion, upd)
}
func (sagaRepoShim) UpdateStep(ctx context.Context, db *gorm.DB, stepID string, status domain.StepStatus, lastError string) error {
	return repo.UpdateStepStatus(ctx, db, stepID, status, lastError)
}
func (sagaRepoShim) ListStalled(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Saga, error) {
	return repo.ListStalledSagas(ctx, db, cutoff, limit)
}
