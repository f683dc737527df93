// Package natssink publishes events to NATS subjects.
package natssink

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/headcount/internal/events"
	"github.com/banshee-data/headcount/internal/monitoring"
)

// conn is the subset of *nats.Conn the sink needs.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	IsConnected() bool
	Close()
}

// Sink publishes each envelope to "<subject>.<kind>".
type Sink struct {
	conn    conn
	subject string
	codec   events.Codec
}

// Connect dials url and returns a sink that publishes under subject.
// The client reconnects on its own; Check reports whether it is currently
// connected.
func Connect(url, subject string, codec events.Codec) (*Sink, error) {
	nc, err := nats.Connect(url,
		nats.Name("headcount"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			monitoring.Logf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			monitoring.Logf("[nats] reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return newSink(nc, subject, codec), nil
}

func newSink(c conn, subject string, codec events.Codec) *Sink {
	if subject == "" {
		subject = "headcount.events"
	}
	if codec == nil {
		codec = events.JSONCodec{}
	}
	return &Sink{conn: c, subject: subject, codec: codec}
}

// Subject returns the subject an envelope is published on.
func (s *Sink) Subject(env events.Envelope) string {
	return s.subject + "." + string(env.Kind)
}

// Write publishes the batch and waits for the server to acknowledge the
// flush.
func (s *Sink) Write(ctx context.Context, batch []events.Envelope) error {
	if !s.conn.IsConnected() {
		return errors.New("nats: not connected")
	}
	for _, env := range batch {
		data, err := s.codec.Encode(env)
		if err != nil {
			return fmt.Errorf("encode %s: %w", env.ID, err)
		}
		if err := s.conn.Publish(s.Subject(env), data); err != nil {
			return fmt.Errorf("publish %s: %w", env.ID, err)
		}
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Check reports whether the connection is up.
func (s *Sink) Check(context.Context) error {
	if !s.conn.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}

// Close closes the connection.
func (s *Sink) Close() {
	s.conn.Close()
}
