// Package services – SagaService
//
// This file implements the saga orchestrator: an explicit state machine for
// multi-step distributed transactions. Each step's side effect runs behind
// the idempotency guard, and every outward event goes through the
// dead-letter-protected publish path, so a crash mid-saga can resume or
// compensate without double-executing effects.
//
// AdvanceStep and Compensate are re-entrant by construction: every saga
// transition is an optimistic compare-and-swap on the persisted version, so
// a concurrent driver (original caller vs. recovery sweep) that loses the
// race simply no-ops.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-reliability-backend/internal/commands"
	"github.com/tbourn/go-reliability-backend/internal/domain"
	"github.com/tbourn/go-reliability-backend/internal/events"
	"github.com/tbourn/go-reliability-backend/internal/repo"
)

// Event types published by the orchestrator.
const (
	EventStepCompleted = "saga.step.completed"
	EventStepFailed    = "saga.step.failed"
	EventSagaFinished  = "saga.finished"
)

// stepScope is the idempotency scope shared by all saga step executions;
// the key itself carries the saga id and step index.
const stepScope = "saga-step"

// StepEvent is the payload of step-completed / step-failed notifications.
type StepEvent struct {
	SagaID    string `json:"saga_id"`
	SagaType  string `json:"saga_type"`
	StepIndex int    `json:"step_index"`
	StepName  string `json:"step_name"`
	Target    string `json:"target"`
	Error     string `json:"error,omitempty"`
}

// SagaFinishedEvent is the payload of the terminal notification.
type SagaFinishedEvent struct {
	SagaID  string            `json:"saga_id"`
	Type    string            `json:"saga_type"`
	Outcome domain.SagaStatus `json:"outcome"`
	Error   string            `json:"error,omitempty"`
}

// StepInput is one step of a saga definition as submitted by a caller.
// An empty Compensation declares the step irreversible.
type StepInput struct {
	Name         string          `json:"name"`
	Target       string          `json:"target"`
	Payload      json.RawMessage `json:"payload"`
	Compensation string          `json:"compensation,omitempty"`
}

// SagaRepo defines the persistence contract required by the orchestrator.
type SagaRepo interface {
	Create(ctx context.Context, db *gorm.DB, saga *domain.Saga) error
	Get(ctx context.Context, db *gorm.DB, id string) (*domain.Saga, error)
	CountByStatus(ctx context.Context, db *gorm.DB, status domain.SagaStatus) (int64, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status domain.SagaStatus, offset, limit int) ([]domain.Saga, error)
	UpdateCAS(ctx context.Context, db *gorm.DB, id string, expectedVersion int, upd repo.SagaUpdate) error
	UpdateStep(ctx context.Context, db *gorm.DB, stepID string, status domain.StepStatus, lastError string) error
	ListStalled(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Saga, error)
}

// SagaService drives saga executions. It owns no state beyond the store and
// is safe for concurrent use, including concurrent calls for the same saga.
type SagaService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the saga repository used by this service.
	Repo SagaRepo
	// Guard wraps every step execution so retries cannot double-apply.
	Guard *IdempotencyService
	// Publisher is the dead-letter-protected publish path.
	Publisher events.Publisher
	// Dispatcher routes step commands to their target services.
	Dispatcher commands.Dispatcher

	// CompensationRetries bounds automatic retries of a failing
	// compensating command before the saga is declared Failed.
	CompensationRetries int
	// CompensationRetryDelay is the pause between those attempts.
	CompensationRetryDelay time.Duration
}

// NewSagaService constructs an orchestrator with a small, bounded
// compensation retry budget.
func NewSagaService(db *gorm.DB, r SagaRepo, guard *IdempotencyService, pub events.Publisher, disp commands.Dispatcher) *SagaService {
	return &SagaService{
		DB:                     db,
		Repo:                   r,
		Guard:                  guard,
		Publisher:              pub,
		Dispatcher:             disp,
		CompensationRetries:    3,
		CompensationRetryDelay: 250 * time.Millisecond,
	}
}

// Start validates a saga definition and persists it in the Started state
// with all steps Pending. Invalid definitions are rejected with
// ErrInvalidSaga and never persisted. No step executes here; callers drive
// execution with Run or AdvanceStep.
func (s *SagaService) Start(ctx context.Context, sagaType, correlationID string, steps []StepInput) (*domain.Saga, error) {
	if strings.TrimSpace(sagaType) == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidSaga)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", ErrInvalidSaga)
	}
	for i, st := range steps {
		if strings.TrimSpace(st.Name) == "" {
			return nil, fmt.Errorf("%w: step %d has no name", ErrInvalidSaga, i)
		}
		if strings.TrimSpace(st.Target) == "" {
			return nil, fmt.Errorf("%w: step %d (%s) has no target", ErrInvalidSaga, i, st.Name)
		}
		if len(st.Payload) > 0 && !json.Valid(st.Payload) {
			return nil, fmt.Errorf("%w: step %d (%s) payload is not valid JSON", ErrInvalidSaga, i, st.Name)
		}
	}

	now := time.Now().UTC()
	saga := &domain.Saga{
		ID:            uuid.NewString(),
		Type:          strings.TrimSpace(sagaType),
		Status:        domain.SagaStarted,
		CurrentStep:   0,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	saga.Steps = make([]domain.SagaStep, len(steps))
	for i, st := range steps {
		saga.Steps[i] = domain.SagaStep{
			SagaID:         saga.ID,
			StepIndex:      i,
			Name:           strings.TrimSpace(st.Name),
			Target:         strings.TrimSpace(st.Target),
			Payload:        st.Payload,
			Status:         domain.StepPending,
			IdempotencyKey: StepIdempotencyKey(saga.ID, i),
			Compensation:   strings.TrimSpace(st.Compensation),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	if err := s.Repo.Create(ctx, s.DB, saga); err != nil {
		return nil, err
	}
	log.Info().
		Str("saga_id", saga.ID).
		Str("saga_type", saga.Type).
		Int("steps", len(saga.Steps)).
		Msg("saga started")
	return saga, nil
}

// StepIdempotencyKey derives the guard key for a step deterministically
// from the saga id and step index, so a re-driven step always lands on the
// same record.
func StepIdempotencyKey(sagaID string, stepIndex int) string {
	return fmt.Sprintf("saga:%s:%d", sagaID, stepIndex)
}

// GetByID returns a saga with its full step history, or ErrSagaNotFound.
func (s *SagaService) GetByID(ctx context.Context, id string) (*domain.Saga, error) {
	saga, err := s.Repo.Get(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSagaNotFound
	}
	return saga, err
}

// ListByStatus returns a page of sagas in a status and the total count.
func (s *SagaService) ListByStatus(ctx context.Context, status domain.SagaStatus, page, pageSize int) ([]domain.Saga, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := s.Repo.CountByStatus(ctx, s.DB, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Saga{}, 0, nil
	}
	items, err := s.Repo.ListByStatus(ctx, s.DB, status, (page-1)*pageSize, pageSize)
	return items, total, err
}

// Run drives a saga until it reaches a terminal state. Synchronous from the
// caller's perspective; safe to re-invoke on an already-terminal saga.
func (s *SagaService) Run(ctx context.Context, id string) error {
	// One forward pass plus full compensation bounds the iteration count;
	// the margin covers the transition-only calls in between.
	saga, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	maxIters := 2*len(saga.Steps) + 4

	for i := 0; i < maxIters; i++ {
		saga, err = s.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if saga.Status.Terminal() {
			return nil
		}
		if err := s.AdvanceStep(ctx, id); err != nil {
			return err
		}
	}
	return fmt.Errorf("saga %s did not reach a terminal state", id)
}

// AdvanceStep executes the saga's next pending step. It is a no-op (not an
// error) when the saga is already terminal or when a concurrent driver wins
// the transition race — crash-recovery callers cannot know the saga's exact
// last observed state, so lost races must be harmless.
func (s *SagaService) AdvanceStep(ctx context.Context, id string) error {
	saga, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if saga.Status.Terminal() {
		return nil
	}
	if saga.Status == domain.SagaCompensating {
		// Resume an interrupted rollback instead of moving forward.
		return s.Compensate(ctx, id)
	}
	if saga.CurrentStep >= len(saga.Steps) {
		// Defensive: all steps done but the terminal write was lost.
		return s.finish(ctx, saga, saga.Version, domain.SagaCompleted, "")
	}

	step := saga.Steps[saga.CurrentStep]
	version := saga.Version

	// Claim the step. A stale version means another driver is already on it.
	err = s.Repo.UpdateCAS(ctx, s.DB, id, version, repo.SagaUpdate{Status: domain.SagaStepInProgress})
	if errors.Is(err, repo.ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}
	version++

	if err := s.Repo.UpdateStep(ctx, s.DB, step.ID, domain.StepExecuting, ""); err != nil {
		return err
	}

	result, execErr := s.executeStep(ctx, saga, step)
	if execErr != nil {
		if err := s.Repo.UpdateStep(ctx, s.DB, step.ID, domain.StepFailed, execErr.Error()); err != nil {
			return err
		}
		s.publishStepEvent(ctx, EventStepFailed, saga, step, execErr)
		log.Warn().
			Str("saga_id", saga.ID).
			Str("step", step.Name).
			Err(execErr).
			Msg("saga step failed, compensating")

		err = s.Repo.UpdateCAS(ctx, s.DB, id, version, repo.SagaUpdate{Status: domain.SagaCompensating})
		if errors.Is(err, repo.ErrStale) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.Compensate(ctx, id)
	}

	if err := s.Repo.UpdateStep(ctx, s.DB, step.ID, domain.StepSucceeded, ""); err != nil {
		return err
	}
	s.publishStepEvent(ctx, EventStepCompleted, saga, step, nil)
	_ = result // stored by the guard; replayed on re-execution

	if saga.CurrentStep == len(saga.Steps)-1 {
		return s.finish(ctx, saga, version, domain.SagaCompleted, "")
	}
	next := saga.CurrentStep + 1
	err = s.Repo.UpdateCAS(ctx, s.DB, id, version, repo.SagaUpdate{
		Status:      domain.SagaStepCompleted,
		CurrentStep: &next,
	})
	if errors.Is(err, repo.ErrStale) {
		return nil
	}
	return err
}

// executeStep runs one step behind the idempotency guard. A replayed step
// performs no side effect and returns the originally stored result.
func (s *SagaService) executeStep(ctx context.Context, saga *domain.Saga, step domain.SagaStep) ([]byte, error) {
	hash := HashRequest(step.Payload)

	res, err := s.Guard.BeginProcessing(ctx, stepScope, step.IdempotencyKey, hash)
	if err != nil {
		return nil, err
	}

	switch res.State {
	case CheckReplay:
		sagaStepsExecuted.WithLabelValues("replayed").Inc()
		idempotencyHits.WithLabelValues("replay").Inc()
		return res.Record.Result, nil

	case CheckInProgress:
		// Another driver is executing this very step; wait for its result.
		idempotencyHits.WithLabelValues("in_progress").Inc()
		rec, err := s.Guard.WaitForResult(ctx, stepScope, step.IdempotencyKey, hash)
		if err != nil {
			return nil, err
		}
		sagaStepsExecuted.WithLabelValues("replayed").Inc()
		return rec.Result, nil

	case CheckConflict:
		// Step payloads are immutable after Start; a conflict means the
		// key was reused outside the orchestrator.
		idempotencyHits.WithLabelValues("conflict").Inc()
		return nil, ErrConflict
	}

	// We hold the Processing record: execute the command.
	idempotencyHits.WithLabelValues("proceed").Inc()
	out, execErr := s.Dispatcher.Execute(ctx, step)
	if execErr != nil {
		// Release the key so a retry of the whole step starts fresh.
		if relErr := s.Guard.Release(ctx, stepScope, step.IdempotencyKey); relErr != nil {
			log.Error().Err(relErr).Str("saga_id", saga.ID).Str("step", step.Name).
				Msg("failed to release idempotency record")
		}
		sagaStepsExecuted.WithLabelValues("failed").Inc()
		return nil, execErr
	}
	if err := s.Guard.CompleteProcessing(ctx, stepScope, step.IdempotencyKey, out); err != nil {
		return nil, err
	}
	sagaStepsExecuted.WithLabelValues("succeeded").Inc()
	return out, nil
}

// Compensate rolls back every Succeeded step in strict reverse order. It is
// a no-op on terminal sagas. A succeeded step without a compensating
// command makes the saga non-compensable: it is flagged and the saga lands
// in Failed for operator remediation, never silently skipped.
func (s *SagaService) Compensate(ctx context.Context, id string) error {
	saga, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if saga.Status.Terminal() {
		return nil
	}

	version := saga.Version
	if saga.Status != domain.SagaCompensating {
		err = s.Repo.UpdateCAS(ctx, s.DB, id, version, repo.SagaUpdate{Status: domain.SagaCompensating})
		if errors.Is(err, repo.ErrStale) {
			return nil
		}
		if err != nil {
			return err
		}
		version++
	}

	for i := len(saga.Steps) - 1; i >= 0; i-- {
		step := saga.Steps[i]
		if step.Status != domain.StepSucceeded {
			continue
		}

		if !step.Compensable() {
			reason := fmt.Sprintf("%s: step %d (%s)", ErrNotCompensable, step.StepIndex, step.Name)
			log.Error().
				Str("saga_id", saga.ID).
				Str("step", step.Name).
				Msg("irreversible step blocks compensation, saga requires operator intervention")
			return s.finish(ctx, saga, version, domain.SagaFailed, reason)
		}

		if compErr := s.compensateStep(ctx, step); compErr != nil {
			reason := fmt.Sprintf("%s: step %d (%s): %v", ErrCompensationFailed, step.StepIndex, step.Name, compErr)
			if err := s.Repo.UpdateStep(ctx, s.DB, step.ID, domain.StepSucceeded, compErr.Error()); err != nil {
				return err
			}
			return s.finish(ctx, saga, version, domain.SagaFailed, reason)
		}
		if err := s.Repo.UpdateStep(ctx, s.DB, step.ID, domain.StepCompensated, ""); err != nil {
			return err
		}
	}

	return s.finish(ctx, saga, version, domain.SagaCompensated, "")
}

// compensateStep retries a compensating command a small bounded number of
// times. Compensations get no open-ended retry: past the budget the saga is
// handed to operators.
func (s *SagaService) compensateStep(ctx context.Context, step domain.SagaStep) error {
	var lastErr error
	for attempt := 0; attempt <= s.CompensationRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.CompensationRetryDelay):
			}
		}
		if lastErr = s.Dispatcher.Compensate(ctx, step); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// finish applies the terminal transition, emits metrics, and publishes the
// terminal event. A lost CAS race is a no-op: the winner already finished
// the saga.
func (s *SagaService) finish(ctx context.Context, saga *domain.Saga, version int, outcome domain.SagaStatus, reason string) error {
	now := time.Now().UTC()
	upd := repo.SagaUpdate{Status: outcome, CompletedAt: &now}
	if reason != "" {
		upd.LastError = &reason
	}
	err := s.Repo.UpdateCAS(ctx, s.DB, saga.ID, version, upd)
	if errors.Is(err, repo.ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}

	sagasFinished.WithLabelValues(saga.Type, string(outcome)).Inc()
	payload, _ := json.Marshal(SagaFinishedEvent{
		SagaID:  saga.ID,
		Type:    saga.Type,
		Outcome: outcome,
		Error:   reason,
	})
	s.publish(ctx, events.Event{
		Type:          EventSagaFinished,
		Payload:       payload,
		CorrelationID: saga.CorrelationID,
	})

	ev := log.Info()
	if outcome == domain.SagaFailed {
		ev = log.Error()
	}
	ev.Str("saga_id", saga.ID).
		Str("saga_type", saga.Type).
		Str("outcome", string(outcome)).
		Str("reason", reason).
		Msg("saga finished")
	return nil
}

func (s *SagaService) publishStepEvent(ctx context.Context, eventType string, saga *domain.Saga, step domain.SagaStep, cause error) {
	evErr := ""
	if cause != nil {
		evErr = cause.Error()
	}
	payload, _ := json.Marshal(StepEvent{
		SagaID:    saga.ID,
		SagaType:  saga.Type,
		StepIndex: step.StepIndex,
		StepName:  step.Name,
		Target:    step.Target,
		Error:     evErr,
	})
	s.publish(ctx, events.Event{
		Type:          eventType,
		Payload:       payload,
		CorrelationID: saga.CorrelationID,
	})
}

// publish sends through the dead-letter-protected path. Failure here means
// the event could be neither delivered nor captured; saga state is already
// persisted, so resumption will republish — log and move on.
func (s *SagaService) publish(ctx context.Context, ev events.Event) {
	if err := s.Publisher.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_type", ev.Type).Msg("event lost: publish and capture both failed")
	}
}
