// Periodic sweeps: idempotency expiry and stalled-saga recovery.
//
// The saga sweep re-invokes AdvanceStep on sagas whose last update is older
// than the stall cutoff. AdvanceStep is re-entrant, so racing the original
// caller is harmless — the loser of the version CAS simply no-ops.
package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-reliability-backend/internal/services"
)

// Sweeper runs the two housekeeping loops on one shared interval.
type Sweeper struct {
	DB       *gorm.DB
	Guard    *services.IdempotencyService
	Sagas    *services.SagaService
	Pool     *Pool
	Interval time.Duration
	// StallAfter is how long a non-terminal saga may sit untouched before
	// the sweep re-drives it.
	StallAfter time.Duration
	// SweepBatch bounds how many stalled sagas one cycle picks up.
	SweepBatch int

	done chan struct{}
}

// NewSweeper wires the housekeeping loops over the given pool.
func NewSweeper(db *gorm.DB, guard *services.IdempotencyService, sagas *services.SagaService, pool *Pool, interval, stallAfter time.Duration) *Sweeper {
	return &Sweeper{
		DB:         db,
		Guard:      guard,
		Sagas:      sagas,
		Pool:       pool,
		Interval:   interval,
		StallAfter: stallAfter,
		SweepBatch: 50,
		done:       make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled. Call it from its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.Interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (s *Sweeper) Done() <-chan struct{} { return s.done }

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if purged, err := s.Guard.PurgeExpired(ctx); err != nil {
		log.Error().Err(err).Msg("idempotency purge failed")
	} else if purged > 0 {
		log.Debug().Int64("purged", purged).Msg("expired idempotency records purged")
	}

	cutoff := time.Now().UTC().Add(-s.StallAfter)
	stalled, err := s.Sagas.Repo.ListStalled(ctx, s.DB, cutoff, s.SweepBatch)
	if err != nil {
		log.Error().Err(err).Msg("stalled-saga query failed")
		return
	}

	for i := range stalled {
		sagaID := stalled[i].ID
		s.Pool.Submit(func(ctx context.Context) {
			log.Info().Str("saga_id", sagaID).Msg("re-driving stalled saga")
			if err := s.Sagas.Run(ctx, sagaID); err != nil {
				log.Error().Err(err).Str("saga_id", sagaID).Msg("stalled saga recovery failed")
			}
		})
	}
}
