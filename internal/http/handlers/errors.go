// Package handlers defines HTTP-layer error codes used across all API
// endpoints. These codes give clients a stable, machine-readable taxonomy
// that supplements human-readable messages; handlers select the most specific
// matching code and pass it to fail() with the corresponding status.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes (bad_request, not_found, conflict) mirror HTTP semantics.
//   - Reliability-specific codes distinguish the two 409 flavors: a request
//     still processing under its idempotency key (in_progress) versus a key
//     reused with a different body (idempotency_conflict).
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Reliability-specific:
	ErrCodeInProgress          = "in_progress"
	ErrCodeIdempotencyConflict = "idempotency_conflict"
	ErrCodeInvalidSaga         = "invalid_saga"
	ErrCodeNotExhausted        = "not_exhausted"
	ErrCodeStartFailed         = "start_failed"
	ErrCodeListFailed          = "list_failed"
)
