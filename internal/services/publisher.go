// Package services – ReliablePublisher
//
// This file implements the dead-letter-protected publish path every
// component shares. From the business caller's viewpoint publishing is
// fire-and-forget: a transient broker failure is absorbed into the DLQ and
// never bubbles up as a hard error.
package services

import (
	"context"

	"github.com/tbourn/go-reliability-backend/internal/events"
)

// ReliablePublisher wraps a broker publisher with dead-letter capture.
// It implements events.Publisher and can therefore stand anywhere a plain
// publisher is expected.
type ReliablePublisher struct {
	// Inner is the actual broker adapter.
	Inner events.Publisher
	// DLQ captures events whose publish failed.
	DLQ *DeadLetterService
}

// NewReliablePublisher wires the capture path around a broker adapter.
func NewReliablePublisher(inner events.Publisher, dlq *DeadLetterService) *ReliablePublisher {
	return &ReliablePublisher{Inner: inner, DLQ: dlq}
}

// Publish attempts delivery and, on failure, parks the event in the DLQ.
// It returns an error only when the event could be neither delivered nor
// captured — the one case where losing it is on the table.
func (p *ReliablePublisher) Publish(ctx context.Context, ev events.Event) error {
	err := p.Inner.Publish(ctx, ev)
	if err == nil {
		return nil
	}
	_, capErr := p.DLQ.Capture(ctx, ev.Type, ev.Payload, ev.CorrelationID, err)
	return capErr
}
