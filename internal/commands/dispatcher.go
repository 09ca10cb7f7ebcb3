// Package commands routes saga step commands to the business services that
// execute them. The orchestrator stays agnostic of transports: it hands a
// step to a Dispatcher and observes success or failure.
//
// Two dispatchers are provided:
//   - Registry: an in-process map from command name to handler function,
//     bound once at startup (tests and embedded handlers use this).
//   - NATSDispatcher: request-reply over the message bus, for the real
//     deployment where the ~80 business services live elsewhere.
package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/tbourn/go-reliability-backend/internal/domain"
)

// Dispatcher executes and compensates saga steps against their target
// services. Execute returns the step result payload (may be nil); the
// orchestrator stores it for idempotent replay.
type Dispatcher interface {
	Execute(ctx context.Context, step domain.SagaStep) ([]byte, error)
	Compensate(ctx context.Context, step domain.SagaStep) error
}

// Handler executes one named command for a target service.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Registry dispatches commands to in-process handlers keyed by
// "<target>/<command>". Handlers are registered once at startup; lookups are
// plain map reads, never reflection.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty command registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler for (target, command). Registering the same pair
// twice panics: duplicate registrations are a wiring bug, caught at startup.
func (r *Registry) Register(target, command string, h Handler) {
	key := target + "/" + command
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("commands: handler for %q registered twice", key))
	}
	r.handlers[key] = h
}

func (r *Registry) lookup(target, command string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[target+"/"+command]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("commands: no handler registered for %s/%s", target, command)
	}
	return h, nil
}

// Execute implements Dispatcher: runs the step's forward command.
func (r *Registry) Execute(ctx context.Context, step domain.SagaStep) ([]byte, error) {
	h, err := r.lookup(step.Target, step.Name)
	if err != nil {
		return nil, err
	}
	return h(ctx, step.Payload)
}

// Compensate implements Dispatcher: runs the step's compensating command.
// Calling it on a step without one is a programming error at the
// orchestrator layer and is rejected.
func (r *Registry) Compensate(ctx context.Context, step domain.SagaStep) error {
	if !step.Compensable() {
		return fmt.Errorf("commands: step %q has no compensation", step.Name)
	}
	h, err := r.lookup(step.Target, step.Compensation)
	if err != nil {
		return err
	}
	_, err = h(ctx, step.Payload)
	return err
}
