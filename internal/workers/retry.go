// Dead-letter drain loop.
//
// On a fixed interval the retrier asks the dead-letter manager for due
// messages, claims each one (a version compare-and-swap, so overlapping
// cycles cannot double-fire), and republishes through the raw broker
// adapter — deliberately not the dead-letter-protected path, because a
// failed republish must be observed here, not re-captured.
package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-reliability-backend/internal/domain"
	"github.com/tbourn/go-reliability-backend/internal/events"
	"github.com/tbourn/go-reliability-backend/internal/services"
)

// Retrier periodically drains the dead-letter queue.
type Retrier struct {
	DLQ       *services.DeadLetterService
	Publisher events.Publisher
	Pool      *Pool
	Interval  time.Duration

	done chan struct{}
}

// NewRetrier wires a drain loop over the given pool.
func NewRetrier(dlq *services.DeadLetterService, pub events.Publisher, pool *Pool, interval time.Duration) *Retrier {
	return &Retrier{
		DLQ:       dlq,
		Publisher: pub,
		Pool:      pool,
		Interval:  interval,
		done:      make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, draining once per interval. Call it
// from its own goroutine; Done() is closed on exit.
func (r *Retrier) Run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.Interval).Msg("dead-letter retrier started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("dead-letter retrier stopped")
			return
		case <-ticker.C:
			r.drainOnce(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (r *Retrier) Done() <-chan struct{} { return r.done }

// drainOnce processes every message currently due. Claim failures are
// skips, not errors: another cycle owns the message.
func (r *Retrier) drainOnce(ctx context.Context) {
	due, err := r.DLQ.ReadyForRetry(ctx, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("dead-letter drain query failed")
		return
	}

	for i := range due {
		msg := due[i]
		claimed, err := r.DLQ.Claim(ctx, &msg)
		if err != nil {
			log.Error().Err(err).Str("dead_letter_id", msg.ID).Msg("dead-letter claim failed")
			continue
		}
		if !claimed {
			continue
		}
		r.Pool.Submit(func(ctx context.Context) {
			r.retry(ctx, msg)
		})
	}
}

// retry republishes one claimed message and settles it: removed on success,
// rescheduled (or exhausted) on failure.
func (r *Retrier) retry(ctx context.Context, msg domain.DeadLetter) {
	err := r.Publisher.Publish(ctx, events.Event{
		Type:          msg.EventType,
		Payload:       msg.Payload,
		CorrelationID: msg.CorrelationID,
	})
	if err != nil {
		if mErr := r.DLQ.MarkAsFailed(ctx, msg.ID, err); mErr != nil {
			log.Error().Err(mErr).Str("dead_letter_id", msg.ID).Msg("failed to record retry failure")
		}
		return
	}

	if rmErr := r.DLQ.Remove(ctx, msg.ID); rmErr != nil {
		log.Error().Err(rmErr).Str("dead_letter_id", msg.ID).Msg("failed to remove resolved dead letter")
		return
	}
	log.Info().
		Str("dead_letter_id", msg.ID).
		Str("event_type", msg.EventType).
		Int("retry_count", msg.RetryCount).
		Msg("dead letter republished")
}
