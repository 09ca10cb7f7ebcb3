// Package events defines the outbound event-delivery surface of the
// reliability layer: the event envelope, the publisher contract every broker
// adapter implements, and the decoder registry that maps event types to
// their payload deserializers.
//
// Delivery semantics are at-least-once: a publish that fails is captured to
// the dead-letter queue and republished later, and a publish whose ack was
// lost may be repeated. Consumers are expected to be idempotent.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Event is the unit handed to a Publisher: a topic discriminator, the
// serialized payload, and the correlation id threading the originating
// request through logs and traces.
type Event struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Publisher sends events to the topic-based broker. Implementations must
// honor the context and return an error when delivery was not attempted or
// not acknowledged; the caller decides whether to absorb it into the DLQ.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// NopPublisher logs events instead of delivering them. It stands in for the
// broker in development and tests when no broker is configured.
type NopPublisher struct{}

// Publish implements Publisher by logging the event.
func (NopPublisher) Publish(_ context.Context, ev Event) error {
	log.Debug().
		Str("event_type", ev.Type).
		Str("correlation_id", ev.CorrelationID).
		Int("bytes", len(ev.Payload)).
		Msg("event published (nop)")
	return nil
}

// Decoder turns a raw event payload into its typed representation.
type Decoder func(payload []byte) (any, error)

// Registry maps event types to payload decoders. The mapping is populated
// once at startup and resolved per message with a plain map lookup, never
// via reflection.
//
// The zero value is not usable; construct with NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry returns an empty decoder registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register binds an event type to its decoder. Registering the same type
// twice panics: duplicate registrations are a wiring bug, caught at startup.
func (r *Registry) Register(eventType string, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[eventType]; exists {
		panic(fmt.Sprintf("events: decoder for %q registered twice", eventType))
	}
	r.decoders[eventType] = dec
}

// Decode resolves the decoder for ev.Type and applies it. Unknown event
// types return an error rather than being dropped silently.
func (r *Registry) Decode(ev Event) (any, error) {
	r.mu.RLock()
	dec, ok := r.decoders[ev.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("events: no decoder registered for %q", ev.Type)
	}
	return dec(ev.Payload)
}

// Types returns the registered event types, sorted. Useful for startup logs
// and diagnostics.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// JSONDecoder returns a Decoder that unmarshals the payload into a fresh
// value of type T.
func JSONDecoder[T any]() Decoder {
	return func(payload []byte) (any, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
