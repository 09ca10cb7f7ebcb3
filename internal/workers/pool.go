// Package workers hosts the background machinery of the reliability layer:
// a bounded worker pool and the periodic loops that drain the dead-letter
// queue, purge expired idempotency records, and re-drive stalled sagas.
//
// There are no fire-and-forget goroutines here: every task goes through the
// pool, failures are logged, and shutdown drains in-flight work before
// returning.
package workers

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Task is one unit of background work.
type Task func(ctx context.Context)

// Pool is a fixed-size worker pool fed by a bounded task channel.
// Submitting to a stopped pool is a no-op; submitting to a full queue
// blocks, which back-pressures the producer instead of growing unbounded.
type Pool struct {
	workers int
	tasks   chan Task
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool sizes the pool. workers and queueSize values below 1 are coerced.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{workers: workers, tasks: make(chan Task, queueSize)}
}

// Start launches the workers. Tasks observe ctx for cancellation; the pool
// itself stops via Stop, not ctx, so in-flight tasks can finish cleanly.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				p.run(ctx, task)
			}
		}()
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("worker task panicked")
		}
	}()
	task(ctx)
}

// Submit enqueues a task. Returns false when the pool has been stopped.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()
	p.tasks <- task
	return true
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.tasks)
	p.wg.Wait()
}
