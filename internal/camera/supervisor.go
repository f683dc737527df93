package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/timeutil"
)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	CameraID string
	Source   Source
	Frames   *Mailbox

	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	ReadTimeout       time.Duration // default 5s
	FailureThreshold  int           // consecutive read failures before reconnecting (default 5)
	WarnAttempt       int           // default 3
	CriticalAttempt   int           // default 10

	Clock   timeutil.Clock
	Alerts  monitoring.AlertSink
	Metrics *monitoring.Metrics

	// OnStatus receives every state change. It is called from the
	// supervisor goroutine and must not block.
	OnStatus func(Status)
}

// Supervisor keeps one camera connected and feeds its frames into a Mailbox.
type Supervisor struct {
	cfg     SupervisorConfig
	backoff *Backoff
	prefix  string

	mu     sync.Mutex
	status Status

	seq      uint64
	attempt  int
	alerted  bool
	dropLogs uint64
}

// NewSupervisor creates a supervisor; Run starts it.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.WarnAttempt <= 0 {
		cfg.WarnAttempt = 3
	}
	if cfg.CriticalAttempt <= 0 {
		cfg.CriticalAttempt = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Alerts == nil {
		cfg.Alerts = monitoring.LogAlertSink{}
	}
	if cfg.Frames == nil {
		cfg.Frames = NewMailbox()
	}
	return &Supervisor{
		cfg:     cfg,
		backoff: NewBackoff(cfg.InitialBackoff, cfg.BackoffMultiplier, cfg.MaxBackoff),
		prefix:  fmt.Sprintf("[camera %s]", cfg.CameraID),
		status:  Status{CameraID: cfg.CameraID, State: StateConnecting},
	}
}

// Frames returns the mailbox the supervisor writes to.
func (s *Supervisor) Frames() *Mailbox { return s.cfg.Frames }

// Status returns the latest connection status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run connects, reads and reconnects until ctx is cancelled. It always
// returns ctx.Err() after publishing a final FAILED status.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateFailed, 0, "stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.setState(StateConnecting, 0, "")

		stream, err := s.cfg.Source.Open(ctx)
		if ctx.Err() != nil {
			if stream != nil {
				stream.Close()
			}
			return ctx.Err()
		}
		if err != nil {
			monitoring.Logf("%s open failed: %v", s.prefix, err)
			if !s.wait(ctx, s.failCycle(err)) {
				return ctx.Err()
			}
			continue
		}

		s.setState(StateConnected, 0, "")
		err = s.readLoop(ctx, stream)
		if cerr := stream.Close(); cerr != nil {
			monitoring.Debugf("%s close: %v", s.prefix, cerr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		monitoring.Logf("%s connection lost: %v", s.prefix, err)
		if !s.wait(ctx, s.failCycle(err)) {
			return ctx.Err()
		}
	}
}

// readLoop returns after FailureThreshold consecutive failed reads or when
// ctx is done. A failed read is logged and counted, never fatal.
func (s *Supervisor) readLoop(ctx context.Context, stream Stream) error {
	failures := 0
	for {
		frame, err := s.read(ctx, stream)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failures++
			s.cfg.Metrics.ReadError(s.cfg.CameraID)
			monitoring.Logf("%s read failed (%d/%d): %v", s.prefix, failures, s.cfg.FailureThreshold, err)
			if failures >= s.cfg.FailureThreshold {
				return fmt.Errorf("%d consecutive read failures: %w", failures, err)
			}
			continue
		}
		failures = 0
		s.succeed()
		s.deliver(frame)
	}
}

func (s *Supervisor) read(ctx context.Context, stream Stream) (Frame, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	f, err := stream.Read(rctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return Frame{}, fmt.Errorf("%w after %s", ErrReadTimeout, s.cfg.ReadTimeout)
	}
	return f, err
}

func (s *Supervisor) deliver(f Frame) {
	s.seq++
	f.Seq = s.seq
	f.CameraID = s.cfg.CameraID
	if f.Timestamp.IsZero() {
		f.Timestamp = s.cfg.Clock.Now()
	}
	s.cfg.Metrics.FrameRead(s.cfg.CameraID)
	if s.cfg.Frames.Put(f) {
		s.cfg.Metrics.FrameDropped(s.cfg.CameraID)
		drops := s.cfg.Frames.Drops()
		if drops == 1 || drops-s.dropLogs >= 100 {
			s.dropLogs = drops
			monitoring.Logf("%s detection behind, dropping oldest frames (%d dropped so far)", s.prefix, drops)
		}
	}
}

// succeed marks the first frame of a connection as a successful cycle.
func (s *Supervisor) succeed() {
	s.mu.Lock()
	s.status.LastSuccess = s.cfg.Clock.Now()
	s.mu.Unlock()
	if s.attempt == 0 {
		return
	}
	monitoring.Logf("%s recovered after %d failed attempts", s.prefix, s.attempt)
	if s.alerted {
		s.raise(monitoring.SeverityInfo, fmt.Sprintf("RECOVERED: camera %s reconnected after %d attempts", s.cfg.CameraID, s.attempt))
		s.alerted = false
	}
	s.attempt = 0
	s.backoff.Reset()
	s.mu.Lock()
	s.status.Attempt = 0
	s.mu.Unlock()
}

func (s *Supervisor) failCycle(err error) time.Duration {
	s.attempt++
	delay := s.backoff.Next()
	switch s.attempt {
	case s.cfg.WarnAttempt:
		s.raise(monitoring.SeverityWarning, fmt.Sprintf("camera %s unreachable after %d attempts: %v", s.cfg.CameraID, s.attempt, err))
	case s.cfg.CriticalAttempt:
		s.raise(monitoring.SeverityCritical, fmt.Sprintf("camera %s unreachable after %d attempts: %v", s.cfg.CameraID, s.attempt, err))
	}
	monitoring.Logf("%s attempt %d, backoff %s", s.prefix, s.attempt, delay)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.setState(StateBackoff, delay, msg)
	return delay
}

func (s *Supervisor) raise(sev monitoring.Severity, msg string) {
	if sev != monitoring.SeverityInfo {
		s.alerted = true
	}
	s.cfg.Alerts.Raise(monitoring.Alert{
		Severity:  sev,
		Source:    "camera/" + s.cfg.CameraID,
		Message:   msg,
		Timestamp: s.cfg.Clock.Now(),
	})
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.cfg.Clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) setState(state ConnectionState, delay time.Duration, errMsg string) {
	s.mu.Lock()
	s.status.State = state
	s.status.Attempt = s.attempt
	s.status.Delay = delay
	s.status.Timestamp = s.cfg.Clock.Now()
	s.status.Err = errMsg
	st := s.status
	s.mu.Unlock()

	s.cfg.Metrics.ConnectionState(s.cfg.CameraID, int(state))
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(st)
	}
}
