// NATS broker adapter.
//
// Events are published to `<prefix>.<event-type>` subjects with the
// correlation id carried as a message header, so consumers can thread it
// into their own logs and traces without unwrapping the payload.
package events

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// HeaderCorrelationID is the NATS message header carrying the correlation id.
const HeaderCorrelationID = "X-Correlation-ID"

// NATSPublisher publishes events through a NATS connection. Safe for
// concurrent use; the underlying connection handles its own buffering and
// reconnects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	// flushTimeout bounds the round trip that confirms the server received
	// the publish; without it a dead broker would fail only much later.
	flushTimeout time.Duration
}

// NewNATSPublisher wires a publisher on top of an established connection.
// An empty prefix defaults to "events".
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "events"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, flushTimeout: 5 * time.Second}
}

// Publish implements Publisher. The publish is confirmed with a flush so
// that broker unavailability surfaces here, where the caller can capture
// the event to the dead-letter queue.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	msg := &nats.Msg{
		Subject: p.prefix + "." + ev.Type,
		Data:    ev.Payload,
		Header:  nats.Header{},
	}
	if ev.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, ev.CorrelationID)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return err
	}

	timeout := p.flushTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	return p.conn.FlushTimeout(timeout)
}
