// NATS request-reply dispatcher.
//
// Step commands go to `<prefix>.<target>.<command>` subjects; the target
// service replies with a small JSON envelope. A missing or negative reply is
// a step failure — the orchestrator decides whether to compensate.
package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/tbourn/go-reliability-backend/internal/domain"
)

// commandReply is the envelope business services answer with.
type commandReply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// NATSDispatcher executes saga step commands via request-reply on the bus.
// The per-request deadline comes from the caller's context.
type NATSDispatcher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSDispatcher wires a dispatcher on top of an established connection.
// An empty prefix defaults to "commands".
func NewNATSDispatcher(conn *nats.Conn, prefix string) *NATSDispatcher {
	if prefix == "" {
		prefix = "commands"
	}
	return &NATSDispatcher{conn: conn, prefix: prefix}
}

func (d *NATSDispatcher) request(ctx context.Context, target, command string, payload []byte) ([]byte, error) {
	subject := fmt.Sprintf("%s.%s.%s", d.prefix, target, command)
	msg, err := d.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", subject, err)
	}

	var reply commandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("dispatch %s: malformed reply: %w", subject, err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("dispatch %s: %s", subject, reply.Error)
	}
	return reply.Result, nil
}

// Execute implements Dispatcher.
func (d *NATSDispatcher) Execute(ctx context.Context, step domain.SagaStep) ([]byte, error) {
	return d.request(ctx, step.Target, step.Name, step.Payload)
}

// Compensate implements Dispatcher.
func (d *NATSDispatcher) Compensate(ctx context.Context, step domain.SagaStep) error {
	if !step.Compensable() {
		return fmt.Errorf("commands: step %q has no compensation", step.Name)
	}
	_, err := d.request(ctx, step.Target, step.Compensation, step.Payload)
	return err
}
