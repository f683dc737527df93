package detect

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/timeutil"
)

// CadenceConfig controls how often face recognition runs.
type CadenceConfig struct {
	EveryN        int     // recognise every Nth frame (default 30)
	MaxEveryN     int     // upper bound under load (default 120)
	TargetFPS     float64 // frame-rate cap at normal load (default 0: every frame)
	HighWatermark float64 // CPU percent that triggers shedding (default 85)
	LowWatermark  float64 // CPU percent at or below which defaults return (default 60)
}

func (c *CadenceConfig) applyDefaults() {
	if c.EveryN <= 0 {
		c.EveryN = 30
	}
	if c.MaxEveryN < c.EveryN {
		c.MaxEveryN = 120
		if c.MaxEveryN < c.EveryN {
			c.MaxEveryN = c.EveryN
		}
	}
	if c.TargetFPS < 0 {
		c.TargetFPS = 0
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 85
	}
	if c.LowWatermark <= 0 || c.LowWatermark > c.HighWatermark {
		c.LowWatermark = 60
	}
}

// sheddingFPS is the first cap applied under load when the source rate has
// not been measured yet.
const sheddingFPS = 15

// Cadence decides which frames are processed and which are recognition
// ticks. Load samples move it between the default and a degraded setting
// with hysteresis: only a sample at or above the high watermark degrades
// further and only one at or below the low watermark restores defaults.
// An fps of 0 means no cap.
type Cadence struct {
	cfg      CadenceConfig
	every    int
	fps      float64
	frames   uint64
	lastSeq  uint64
	last     time.Time
	arrived  time.Time
	interval time.Duration // smoothed source inter-frame interval
}

// NewCadence creates a cadence at the default setting.
func NewCadence(cfg CadenceConfig) *Cadence {
	cfg.applyDefaults()
	return &Cadence{cfg: cfg, every: cfg.EveryN, fps: cfg.TargetFPS}
}

// EveryN returns the current recognition interval in processed frames.
func (c *Cadence) EveryN() int { return c.every }

// FPS returns the current target frame rate.
func (c *Cadence) FPS() float64 { return c.fps }

// Observe applies a load sample. Each sample is applied once; repeated calls
// with the same sample are ignored. It reports whether the setting changed.
func (c *Cadence) Observe(s LoadSample) bool {
	if s.Seq == 0 || s.Seq == c.lastSeq {
		return false
	}
	c.lastSeq = s.Seq
	every, fps := c.every, c.fps
	switch {
	case s.Percent >= c.cfg.HighWatermark:
		every = min(c.every*2, c.cfg.MaxEveryN)
		fps = max(c.effectiveFPS()/2, 1)
	case s.Percent <= c.cfg.LowWatermark:
		every, fps = c.cfg.EveryN, c.cfg.TargetFPS
	}
	changed := every != c.every || fps != c.fps
	c.every, c.fps = every, fps
	return changed
}

// effectiveFPS is the rate frames are currently processed at: the cap when
// one is set, else the measured source rate.
func (c *Cadence) effectiveFPS() float64 {
	if c.fps > 0 {
		return c.fps
	}
	if c.interval > 0 {
		return float64(time.Second) / float64(c.interval)
	}
	return 2 * sheddingFPS
}

// Admit reports whether a frame at ts fits the current frame-rate cap.
// Without a cap every frame is admitted.
func (c *Cadence) Admit(ts time.Time) bool {
	if !c.arrived.IsZero() {
		if d := ts.Sub(c.arrived); d > 0 {
			if c.interval == 0 {
				c.interval = d
			} else {
				c.interval = (4*c.interval + d) / 5
			}
		}
	}
	c.arrived = ts

	if c.fps > 0 && !c.last.IsZero() && ts.Sub(c.last) < time.Duration(float64(time.Second)/c.fps) {
		return false
	}
	c.last = ts
	return true
}

// Tick counts one processed frame and reports whether it is a recognition
// tick. The first processed frame always is.
func (c *Cadence) Tick() bool {
	due := c.frames%uint64(c.every) == 0
	c.frames++
	return due
}

// LoadSample is one CPU load reading. Seq increases with every reading.
type LoadSample struct {
	Seq     uint64
	Percent float64
	At      time.Time
}

// LoadSampler reads system CPU utilisation in percent.
type LoadSampler interface {
	Sample(ctx context.Context) (float64, error)
}

// CPUSampler reads overall CPU utilisation with gopsutil.
type CPUSampler struct{}

// Sample returns CPU utilisation since the previous call.
func (CPUSampler) Sample(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0], nil
}

// LoadMonitor samples CPU load on an interval and shares the latest reading
// with every camera.
type LoadMonitor struct {
	sampler  LoadSampler
	interval time.Duration
	clock    timeutil.Clock

	mu     sync.RWMutex
	latest LoadSample
}

// NewLoadMonitor creates a monitor; Run starts sampling.
func NewLoadMonitor(s LoadSampler, interval time.Duration, clk timeutil.Clock) *LoadMonitor {
	if s == nil {
		s = CPUSampler{}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clk == nil {
		clk = timeutil.RealClock{}
	}
	return &LoadMonitor{sampler: s, interval: interval, clock: clk}
}

// Latest returns the most recent sample (zero Seq before the first one).
func (m *LoadMonitor) Latest() LoadSample {
	if m == nil {
		return LoadSample{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// SampleOnce takes one reading.
func (m *LoadMonitor) SampleOnce(ctx context.Context) {
	pct, err := m.sampler.Sample(ctx)
	if err != nil {
		monitoring.Debugf("[load] cpu sample failed: %v", err)
		return
	}
	m.mu.Lock()
	m.latest = LoadSample{Seq: m.latest.Seq + 1, Percent: pct, At: m.clock.Now()}
	m.mu.Unlock()
}

// Run samples every interval until ctx is done.
func (m *LoadMonitor) Run(ctx context.Context) {
	m.SampleOnce(ctx)
	t := m.clock.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			m.SampleOnce(ctx)
		}
	}
}
