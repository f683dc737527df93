package events

import (
	"context"

	"github.com/banshee-data/headcount/internal/monitoring"
)

// Sink delivers a batch of envelopes downstream. A nil error means every
// envelope in the batch was accepted; the publisher retries the whole batch
// otherwise, so sinks must tolerate duplicates.
type Sink interface {
	Write(ctx context.Context, batch []Envelope) error
}

// HealthProbe reports whether a sink is reachable again after a failure.
type HealthProbe interface {
	Check(ctx context.Context) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch []Envelope) error

func (f SinkFunc) Write(ctx context.Context, batch []Envelope) error { return f(ctx, batch) }

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// LogSink writes every envelope through monitoring.Logf. It never fails and
// backs the "log" sink kind used in dev mode.
type LogSink struct {
	Codec Codec
}

func (s LogSink) Write(_ context.Context, batch []Envelope) error {
	codec := s.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	for _, env := range batch {
		if codec.Name() != "json" {
			monitoring.Logf("[events] %s %s#%d %s", env.Kind, env.CameraID, env.Seq, env.ID)
			continue
		}
		b, err := codec.Encode(env)
		if err != nil {
			monitoring.Logf("[events] encode %s: %v", env.ID, err)
			continue
		}
		monitoring.Logf("[events] %s", b)
	}
	return nil
}

// Check always succeeds.
func (LogSink) Check(context.Context) error { return nil }
