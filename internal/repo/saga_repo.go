// Package repo implements the data persistence layer for the reliability
// domain entities, backed by GORM. This file provides repository functions
// for the Saga aggregate (saga + ordered steps).
//
// All saga mutations go through UpdateSagaCAS: an optimistic
// compare-and-swap on the version column. Concurrent drivers of the same
// saga (the original caller and the recovery sweep) both load, decide, and
// write; the loser's write matches zero rows and surfaces as ErrStale, which
// orchestrator callers treat as "someone else already did this".
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reliability-backend/internal/domain"
)

// CreateSaga persists a saga and its steps in one transaction. Step rows get
// generated IDs; the saga is stored exactly as assembled by the service.
func CreateSaga(ctx context.Context, db *gorm.DB, saga *domain.Saga) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if saga.ID == "" {
			saga.ID = uuid.NewString()
		}
		for i := range saga.Steps {
			if saga.Steps[i].ID == "" {
				saga.Steps[i].ID = uuid.NewString()
			}
			saga.Steps[i].SagaID = saga.ID
		}
		return tx.Create(saga).Error
	})
}

// GetSaga fetches a saga with its steps ordered by index, or ErrNotFound.
func GetSaga(ctx context.Context, db *gorm.DB, id string) (*domain.Saga, error) {
	var saga domain.Saga
	err := db.WithContext(ctx).
		Preload("Steps", func(tx *gorm.DB) *gorm.DB { return tx.Order("step_index ASC") }).
		First(&saga, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &saga, nil
}

// CountSagasByStatus returns the total number of sagas in a status.
func CountSagasByStatus(ctx context.Context, db *gorm.DB, status domain.SagaStatus) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Saga{}).
		Where("status = ?", status).
		Count(&n).Error
	return n, err
}

// ListSagasByStatus returns a page of sagas in a status, newest first,
// with steps preloaded in index order.
func ListSagasByStatus(ctx context.Context, db *gorm.DB, status domain.SagaStatus, offset, limit int) ([]domain.Saga, error) {
	var sagas []domain.Saga
	err := db.WithContext(ctx).
		Preload("Steps", func(tx *gorm.DB) *gorm.DB { return tx.Order("step_index ASC") }).
		Where("status = ?", status).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&sagas).Error
	return sagas, err
}

// SagaUpdate carries the mutable saga columns for a CAS write. Nil pointers
// leave the corresponding column untouched.
type SagaUpdate struct {
	Status      domain.SagaStatus
	CurrentStep *int
	LastError   *string
	CompletedAt *time.Time
}

// UpdateSagaCAS applies a saga transition iff the stored version still equals
// expectedVersion, bumping the version in the same write. Returns ErrStale
// when another writer advanced the saga first.
func UpdateSagaCAS(ctx context.Context, db *gorm.DB, id string, expectedVersion int, upd SagaUpdate) error {
	fields := map[string]any{
		"status":     upd.Status,
		"version":    expectedVersion + 1,
		"updated_at": time.Now().UTC(),
	}
	if upd.CurrentStep != nil {
		fields["current_step"] = *upd.CurrentStep
	}
	if upd.LastError != nil {
		fields["last_error"] = *upd.LastError
	}
	if upd.CompletedAt != nil {
		fields["completed_at"] = *upd.CompletedAt
	}
	res := db.WithContext(ctx).
		Model(&domain.Saga{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// UpdateStepStatus records a step transition together with its last error
// (empty string clears it).
func UpdateStepStatus(ctx context.Context, db *gorm.DB, stepID string, status domain.StepStatus, lastError string) error {
	res := db.WithContext(ctx).
		Model(&domain.SagaStep{}).
		Where("id = ?", stepID).
		Updates(map[string]any{
			"status":     status,
			"last_error": lastError,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStalledSagas returns sagas stuck in a non-terminal state whose last
// update is older than the cutoff. The recovery sweep re-drives these.
func ListStalledSagas(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Saga, error) {
	var sagas []domain.Saga
	q := db.WithContext(ctx).
		Preload("Steps", func(tx *gorm.DB) *gorm.DB { return tx.Order("step_index ASC") }).
		Where("status IN ? AND updated_at <= ?",
			[]domain.SagaStatus{domain.SagaStarted, domain.SagaStepInProgress, domain.SagaStepCompleted, domain.SagaCompensating},
			cutoff).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&sagas).Error
	return sagas, err
}
