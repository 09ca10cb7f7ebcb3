// Package services implements the three reliability components: the
// idempotency guard, the dead-letter manager, and the saga orchestrator.
// This file centralizes common service-level error values so that they can
// be consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer;
// translation into user-facing messages or HTTP status codes is performed
// at the handler layer.
package services

import "errors"

// Idempotency guard errors.
var (
	// ErrConflict is returned when an idempotency key is reused with a
	// different request payload. This is a caller bug and is never resolved
	// automatically.
	ErrConflict = errors.New("idempotency key reused with different payload")

	// ErrInProgress is returned when a concurrent duplicate holds the
	// Processing record for the same key.
	ErrInProgress = errors.New("request already in progress")

	// ErrProcessingTimeout is returned when waiting on a concurrent
	// duplicate exceeded the configured processing timeout.
	ErrProcessingTimeout = errors.New("timed out waiting for in-progress request")
)

// Saga orchestrator errors.
var (
	// ErrSagaNotFound indicates the requested saga does not exist.
	ErrSagaNotFound = errors.New("saga not found")

	// ErrInvalidSaga is returned when a saga or step definition is
	// malformed. Invalid sagas are rejected at Start and never persisted.
	ErrInvalidSaga = errors.New("invalid saga definition")

	// ErrNotCompensable is recorded when compensation reaches a succeeded
	// step that declared no compensating command. The saga lands in Failed
	// and requires operator intervention.
	ErrNotCompensable = errors.New("saga has an irreversible succeeded step")

	// ErrCompensationFailed is recorded when a compensating command itself
	// failed past its bounded retries.
	ErrCompensationFailed = errors.New("compensation failed")
)

// Dead-letter manager errors.
var (
	// ErrDeadLetterNotFound indicates the requested message does not exist.
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrNotExhausted is returned when a manual requeue targets a message
	// that is not in the exhausted state.
	ErrNotExhausted = errors.New("dead letter is not exhausted")
)
