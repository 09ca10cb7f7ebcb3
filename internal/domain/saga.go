// Package domain defines the core persistence models for the reliability
// layer. These types are used by GORM for database schema mapping and are
// shared across the repository and service layers.
package domain

import (
	"time"
)

// SagaStatus is the lifecycle state of a saga execution.
type SagaStatus string

// Saga lifecycle states. Completed, Compensated, and Failed are terminal.
const (
	SagaStarted        SagaStatus = "started"
	SagaStepInProgress SagaStatus = "step_in_progress"
	SagaStepCompleted  SagaStatus = "step_completed"
	SagaCompensating   SagaStatus = "compensating"
	SagaCompensated    SagaStatus = "compensated"
	SagaCompleted      SagaStatus = "completed"
	SagaFailed         SagaStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaCompleted, SagaCompensated, SagaFailed:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single saga step.
type StepStatus string

// Step lifecycle states.
const (
	StepPending     StepStatus = "pending"
	StepExecuting   StepStatus = "executing"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Saga represents a multi-step distributed transaction coordinated with
// forward steps and compensations. It is mutated only by the orchestrator;
// all transitions go through a version compare-and-swap so that concurrent
// drivers (the original caller and the recovery sweep) cannot apply
// conflicting updates.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Type: business transaction kind (e.g. "vehicle-purchase"); indexed.
//   - Status: current lifecycle state; indexed for operator/recovery queries.
//   - CurrentStep: index of the step being driven next.
//   - CorrelationID: propagated onto every event this saga publishes.
//   - LastError: populated when the saga lands in a failed state.
//   - Version: optimistic concurrency token, bumped on every update.
type Saga struct {
	ID            string     `json:"id"             gorm:"type:char(36);primaryKey"`
	Type          string     `json:"type"           gorm:"type:varchar(128);not null;index"`
	Status        SagaStatus `json:"status"         gorm:"type:varchar(32);not null;index"`
	CurrentStep   int        `json:"current_step"   gorm:"not null;default:0"`
	CorrelationID string     `json:"correlation_id" gorm:"type:varchar(64)"`
	LastError     string     `json:"last_error,omitempty" gorm:"type:text"`
	Version       int        `json:"-"              gorm:"not null;default:0"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	// Steps is the ordered step list. Steps are cascade-deleted with the saga.
	Steps []SagaStep `json:"steps" gorm:"foreignKey:SagaID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Saga.
func (Saga) TableName() string { return "sagas" }

// SagaStep is a single forward action inside a saga, with an optional
// compensating command. An empty Compensation marks the step irreversible:
// once it has succeeded the saga can no longer be rolled back past it.
//
// Fields:
//   - StepIndex: zero-based position; steps execute strictly in this order.
//   - Target: logical name of the service that executes the command.
//   - Payload: JSON input handed to the target service.
//   - IdempotencyKey: derived from (saga id, step index) so re-driving the
//     step after a crash cannot double-apply its side effect.
type SagaStep struct {
	ID             string     `json:"id"              gorm:"type:char(36);primaryKey"`
	SagaID         string     `json:"saga_id"         gorm:"type:char(36);not null;index:idx_saga_steps,priority:1"`
	StepIndex      int        `json:"step_index"      gorm:"not null;index:idx_saga_steps,priority:2"`
	Name           string     `json:"name"            gorm:"type:varchar(128);not null"`
	Target         string     `json:"target"          gorm:"type:varchar(128);not null"`
	Payload        []byte     `json:"payload"         gorm:"type:blob"`
	Status         StepStatus `json:"status"          gorm:"type:varchar(32);not null"`
	IdempotencyKey string     `json:"idempotency_key" gorm:"type:varchar(200);not null"`
	Compensation   string     `json:"compensation,omitempty" gorm:"type:varchar(128)"`
	LastError      string     `json:"last_error,omitempty"   gorm:"type:text"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for SagaStep.
func (SagaStep) TableName() string { return "saga_steps" }

// Compensable reports whether the step declared a compensating command.
func (s SagaStep) Compensable() bool { return s.Compensation != "" }
