package events

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/resilience"
	"github.com/banshee-data/headcount/internal/timeutil"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Sink          Sink
	Probe         HealthProbe   // checked before retrying after a failure; nil retries blindly
	Capacity      int           // buffered envelopes (default 10000)
	BatchSize     int           // envelopes per sink write (default 100)
	RetryInterval time.Duration // wait between failed deliveries (default 5s)
	WarnFraction  float64       // buffer fill that raises a WARNING (default 0.5)
	WriteTimeout  time.Duration // per-write deadline (default 10s)
	Clock         timeutil.Clock
	Alerts        monitoring.AlertSink
	Metrics       *monitoring.Metrics
}

// Stats is a point-in-time view of the publisher.
type Stats struct {
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Evicted   uint64 `json:"evicted"`
	Failures  uint64 `json:"failures"`
	Healthy   bool   `json:"healthy"`
}

// Publisher buffers envelopes in a bounded ring and delivers them to the
// sink from a single background loop. Envelopes leave the ring only after
// the sink accepted them; on overflow the oldest is evicted.
type Publisher struct {
	cfg  PublisherConfig
	ring *resilience.Ring[Envelope]
	wake chan struct{}
	warn int

	mu          sync.Mutex
	seq         map[string]uint64
	warned      bool
	overflowing bool
	stats       Stats
}

// NewPublisher creates a publisher. Call Run to start delivery.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.WarnFraction <= 0 || cfg.WarnFraction > 1 {
		cfg.WarnFraction = 0.5
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Alerts == nil {
		cfg.Alerts = monitoring.LogAlertSink{}
	}
	warn := int(math.Ceil(float64(cfg.Capacity) * cfg.WarnFraction))
	if warn < 1 {
		warn = 1
	}
	return &Publisher{
		cfg:   cfg,
		ring:  resilience.NewRing[Envelope](cfg.Capacity),
		wake:  make(chan struct{}, 1),
		warn:  warn,
		seq:   make(map[string]uint64),
		stats: Stats{Capacity: cfg.Capacity, Healthy: true},
	}
}

// Publish stamps ev with an ID and the next sequence number for its camera
// and appends it to the buffer. It never blocks on the sink.
func (p *Publisher) Publish(ev Event) Envelope {
	p.mu.Lock()
	p.seq[ev.Camera()]++
	env := Envelope{
		ID:        uuid.NewString(),
		CameraID:  ev.Camera(),
		Seq:       p.seq[ev.Camera()],
		Kind:      ev.Kind(),
		Timestamp: ev.Time(),
		Payload:   ev,
	}
	old, evicted, depth := p.ring.Push(env)
	p.stats.Published++
	var alerts []monitoring.Alert
	if evicted {
		p.stats.Evicted++
		if !p.overflowing {
			p.overflowing = true
			alerts = append(alerts, p.alert(monitoring.SeverityCritical,
				fmt.Sprintf("event buffer full (%d); evicting oldest events, first lost %s %s#%d", p.cfg.Capacity, old.Kind, old.CameraID, old.Seq)))
		}
	}
	if depth >= p.warn && !p.warned {
		p.warned = true
		alerts = append(alerts, p.alert(monitoring.SeverityWarning,
			fmt.Sprintf("event buffer at %d/%d", depth, p.cfg.Capacity)))
	}
	p.mu.Unlock()

	p.cfg.Metrics.EventPublished(string(env.Kind))
	p.cfg.Metrics.BufferDepth(depth)
	if evicted {
		p.cfg.Metrics.BufferEviction()
	}
	for _, a := range alerts {
		p.cfg.Alerts.Raise(a)
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return env
}

func (p *Publisher) alert(sev monitoring.Severity, msg string) monitoring.Alert {
	return monitoring.Alert{Severity: sev, Source: "publisher", Message: msg, Timestamp: p.cfg.Clock.Now()}
}

// Len returns the buffer depth.
func (p *Publisher) Len() int { return p.ring.Len() }

// Pending returns a copy of the buffered envelopes, oldest first.
func (p *Publisher) Pending() []Envelope { return p.ring.Snapshot() }

// Stats returns the current counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Depth = p.ring.Len()
	return s
}

// Run delivers buffered envelopes until ctx is cancelled. After a failed
// write it waits RetryInterval and consults the health probe before trying
// again.
func (p *Publisher) Run(ctx context.Context) error {
	monitoring.Logf("[publisher] started capacity=%d batch=%d", p.cfg.Capacity, p.cfg.BatchSize)
	for {
		if p.ring.Len() == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.wake:
			}
			continue
		}
		if err := p.deliver(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := p.awaitHealthy(ctx); err != nil {
				return err
			}
		}
	}
}

// Flush delivers until the buffer is empty, a write fails or ctx is done.
// It is used on shutdown after Run has returned.
func (p *Publisher) Flush(ctx context.Context) error {
	for p.ring.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.deliver(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) deliver(ctx context.Context) error {
	batch, base := p.ring.Peek(p.cfg.BatchSize)
	if len(batch) == 0 {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	err := p.cfg.Sink.Write(wctx, batch)
	cancel()
	if err != nil {
		p.cfg.Metrics.DeliveryFailure()
		p.mu.Lock()
		p.stats.Failures++
		first := p.stats.Healthy
		p.stats.Healthy = false
		p.mu.Unlock()
		if first {
			monitoring.Logf("[publisher] delivery failed, buffering: %v", err)
		} else {
			monitoring.Debugf("[publisher] delivery failed: %v", err)
		}
		return err
	}

	depth := p.ring.Ack(base, len(batch))
	p.cfg.Metrics.EventsDelivered(len(batch))
	p.cfg.Metrics.BufferDepth(depth)

	p.mu.Lock()
	recovered := !p.stats.Healthy
	p.stats.Healthy = true
	p.stats.Delivered += uint64(len(batch))
	if depth < p.warn {
		p.warned = false
	}
	if depth < p.cfg.Capacity {
		p.overflowing = false
	}
	p.mu.Unlock()
	if recovered {
		monitoring.Logf("[publisher] delivery recovered, %d buffered", depth)
	}
	return nil
}

func (p *Publisher) awaitHealthy(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.cfg.Clock.After(p.cfg.RetryInterval):
		}
		if p.cfg.Probe == nil {
			return nil
		}
		err := p.cfg.Probe.Check(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		monitoring.Debugf("[publisher] sink still unhealthy: %v", err)
	}
}
