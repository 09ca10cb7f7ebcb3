// Package services – Prometheus collectors for the reliability domain.
//
// HTTP-level metrics live in the middleware package; these collectors track
// the domain outcomes operators actually alert on: saga terminal states,
// dead-letter flow, and idempotency replays/conflicts.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// sagasFinished counts sagas reaching a terminal state, by outcome.
	sagasFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_finished_total",
			Help: "Total number of sagas reaching a terminal state.",
		},
		[]string{"type", "outcome"}, // outcome: completed|compensated|failed
	)

	// sagaStepsExecuted counts step executions by result.
	sagaStepsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_steps_executed_total",
			Help: "Total number of saga step executions.",
		},
		[]string{"result"}, // result: succeeded|failed|replayed
	)

	// deadLettersCaptured counts events parked after a failed publish.
	deadLettersCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_captured_total",
			Help: "Total number of events captured to the dead-letter queue.",
		},
		[]string{"event_type"},
	)

	// deadLetterRetries counts republish attempts by result.
	deadLetterRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letter_retries_total",
			Help: "Total number of dead-letter republish attempts.",
		},
		[]string{"result"}, // result: resolved|failed|exhausted
	)

	// idempotencyHits counts guard outcomes on guarded operations.
	idempotencyHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_checks_total",
			Help: "Total number of idempotency guard verdicts.",
		},
		[]string{"verdict"}, // verdict: proceed|replay|in_progress|conflict
	)
)

func init() {
	prometheus.MustRegister(
		sagasFinished,
		sagaStepsExecuted,
		deadLettersCaptured,
		deadLetterRetries,
		idempotencyHits,
	)
}
