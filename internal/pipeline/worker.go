// Package pipeline wires the per-camera stages together: one Worker per
// camera owns its supervisor, detection stage, counter and verifier, and
// shares the lookup pool and event publisher with the other cameras.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/headcount/internal/camera"
	"github.com/banshee-data/headcount/internal/counting"
	"github.com/banshee-data/headcount/internal/detect"
	"github.com/banshee-data/headcount/internal/events"
	"github.com/banshee-data/headcount/internal/identity"
	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/timeutil"
	"github.com/banshee-data/headcount/internal/verify"
)

// Submitter queues lookups; *identity.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, sample identity.FaceSample, reply chan<- identity.MatchResult) error
}

// Publisher accepts events; *events.Publisher implements it.
type Publisher interface {
	Publish(ev events.Event) events.Envelope
}

// CameraSpec is one configured camera.
type CameraSpec struct {
	ID     string
	Source camera.Source
	// SourceKey identifies the connection descriptor; a change on reload
	// restarts the camera.
	SourceKey string
	Lines     []counting.Line
	Zones     []counting.Zone
}

// Settings are the per-camera tunables shared by every worker.
type Settings struct {
	Connection       camera.SupervisorConfig // CameraID, Source, Frames and OnStatus are set per camera
	Detection        detect.StageConfig      // CameraID is set per camera
	Verify           verify.Config
	Hysteresis       float64
	DeferredCapacity int
	ExpireInterval   time.Duration // how often verification deadlines are checked (default 1s)
}

// Shared are the components every worker uses.
type Shared struct {
	Pool      Submitter
	Publisher Publisher
	Clock     timeutil.Clock
	Alerts    monitoring.AlertSink
	Metrics   *monitoring.Metrics
}

type geometry struct {
	lines []counting.Line
	zones []counting.Zone
}

// WorkerStats is a snapshot of one camera.
type WorkerStats struct {
	Camera      camera.Status `json:"camera"`
	Tracks      int           `json:"tracks"`
	Deferred    int           `json:"deferred"`
	Recognized  uint64        `json:"recognized"`
	Crossings   uint64        `json:"crossings"`
	ZoneEntries uint64        `json:"zone_entries"`
	FaceEveryN  int           `json:"face_every_n"`
}

// Worker runs one camera: a reader goroutine (supervisor into mailbox) and
// a processing goroutine that owns all per-camera state.
type Worker struct {
	spec   CameraSpec
	shared Shared
	prefix string

	sup      *camera.Supervisor
	stage    *detect.Stage
	counter  *counting.Counter
	verifier *verify.Verifier
	deferred *deferredQueue
	active   map[uint64]bool
	expireIv time.Duration

	results  chan identity.MatchResult
	geometry chan geometry

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	stats WorkerStats
}

// NewWorker builds the stages for spec. Start runs them.
func NewWorker(spec CameraSpec, settings Settings, shared Shared) *Worker {
	if shared.Clock == nil {
		shared.Clock = timeutil.RealClock{}
	}
	w := &Worker{
		spec:     spec,
		shared:   shared,
		prefix:   fmt.Sprintf("[pipeline %s]", spec.ID),
		deferred: newDeferredQueue(settings.DeferredCapacity),
		active:   make(map[uint64]bool),
		expireIv: settings.ExpireInterval,
		results:  make(chan identity.MatchResult, 64),
		geometry: make(chan geometry),
		done:     make(chan struct{}),
	}
	if w.expireIv <= 0 {
		w.expireIv = time.Second
	}

	sc := settings.Connection
	sc.CameraID = spec.ID
	sc.Source = spec.Source
	sc.Frames = camera.NewMailbox()
	sc.Clock = shared.Clock
	sc.Alerts = shared.Alerts
	sc.Metrics = shared.Metrics
	sc.OnStatus = w.onStatus
	w.sup = camera.NewSupervisor(sc)

	dc := settings.Detection
	dc.CameraID = spec.ID
	dc.Metrics = shared.Metrics
	w.stage = detect.NewStage(dc)

	w.counter = counting.NewCounter(spec.ID, spec.Lines, spec.Zones, settings.Hysteresis, shared.Metrics)
	w.verifier = verify.New(spec.ID, settings.Verify)
	w.stats.Camera = w.sup.Status()
	w.stats.FaceEveryN = w.stage.Cadence().EveryN()
	return w
}

// ID returns the camera id.
func (w *Worker) ID() string { return w.spec.ID }

// Spec returns the camera spec the worker was started with.
func (w *Worker) Spec() CameraSpec { return w.spec }

// Start launches the worker goroutines under ctx.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.sup.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		w.process(ctx)
	}()
	go func() {
		wg.Wait()
		close(w.done)
	}()
	monitoring.Logf("%s started with %d lines, %d zones", w.prefix, len(w.spec.Lines), len(w.spec.Zones))
}

// Stop cancels the worker and waits for it. In-flight lookups see the
// cancellation, partial verification windows are discarded and the
// supervisor publishes a final FAILED status.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	monitoring.Logf("%s stopped", w.prefix)
}

// Done is closed once the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// SetGeometry swaps the counting lines and zones. The swap happens on the
// processing goroutine between frames.
func (w *Worker) SetGeometry(lines []counting.Line, zones []counting.Zone) {
	select {
	case w.geometry <- geometry{lines: lines, zones: zones}:
		w.spec.Lines, w.spec.Zones = lines, zones
	case <-w.done:
	}
}

// Stats returns a snapshot for the status endpoint.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) onStatus(st camera.Status) {
	w.mu.Lock()
	w.stats.Camera = st
	w.mu.Unlock()
	w.shared.Publisher.Publish(events.NewConnectionStatus(st))
}

func (w *Worker) process(ctx context.Context) {
	frames := w.sup.Frames()
	expire := w.shared.Clock.NewTicker(w.expireIv)
	defer expire.Stop()
	defer w.verifier.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		case <-frames.Ready():
			if f, ok := frames.TryTake(); ok {
				w.handleFrame(ctx, f)
			}
		case res := <-w.results:
			w.handleResult(ctx, res)
		case g := <-w.geometry:
			w.counter.SetGeometry(g.lines, g.zones)
			monitoring.Logf("%s geometry reloaded: %d lines, %d zones", w.prefix, len(g.lines), len(g.zones))
		case <-expire.C():
			w.decide(w.verifier.Expire(w.shared.Clock.Now()))
		}
	}
}

func (w *Worker) handleFrame(ctx context.Context, f camera.Frame) {
	out := w.stage.Process(ctx, f)
	if out.Skipped {
		return
	}

	var crossings, zones uint64
	for _, tu := range out.Tracks {
		w.active[tu.TrackID] = true
		cs, zs := w.counter.Observe(tu.TrackID, tu.Center, tu.Timestamp)
		for _, c := range cs {
			w.shared.Publisher.Publish(events.NewCrossing(c))
			crossings++
		}
		for _, z := range zs {
			w.shared.Publisher.Publish(events.NewZone(z))
			zones++
		}
	}
	for _, id := range out.Expired {
		delete(w.active, id)
		w.counter.Forget(id)
		w.verifier.Forget(id)
		if n := w.deferred.dropTrack(id); n > 0 {
			monitoring.Debugf("%s track %d expired, dropped %d deferred samples", w.prefix, id, n)
		}
	}

	if out.FaceTick {
		w.retryDeferred(ctx)
	}
	for _, s := range out.Samples {
		w.submit(ctx, s)
	}

	w.mu.Lock()
	w.stats.Tracks = len(w.active)
	w.stats.Deferred = w.deferred.len()
	w.stats.Crossings += crossings
	w.stats.ZoneEntries += zones
	w.stats.FaceEveryN = w.stage.Cadence().EveryN()
	w.mu.Unlock()
}

func (w *Worker) submit(ctx context.Context, s identity.FaceSample) {
	err := w.shared.Pool.Submit(ctx, s, w.results)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrPoolSaturated):
		w.deferred.push(s)
		monitoring.Debugf("%s lookup pool saturated, deferred track %d sample", w.prefix, s.TrackID)
	default:
		monitoring.Debugf("%s lookup for track %d not submitted: %v", w.prefix, s.TrackID, err)
	}
}

func (w *Worker) retryDeferred(ctx context.Context) {
	for _, s := range w.deferred.take() {
		if w.active[s.TrackID] {
			w.submit(ctx, s)
		}
	}
}

func (w *Worker) handleResult(ctx context.Context, res identity.MatchResult) {
	if !w.active[res.Sample.TrackID] {
		return
	}
	switch {
	case errors.Is(res.Err, identity.ErrInvalidQuery):
		monitoring.Debugf("%s track %d sample rejected by store: %v", w.prefix, res.Sample.TrackID, res.Err)
		return
	case res.Status == identity.StatusUnavailable:
		w.deferred.push(res.Sample)
		return
	}
	w.decide(w.verifier.Add(res))
	w.retryDeferred(ctx)
}

func (w *Worker) decide(decisions []verify.Decision) {
	for _, d := range decisions {
		if d.State != verify.StateVerified || d.Recognition == nil {
			continue
		}
		w.shared.Publisher.Publish(events.NewRecognition(*d.Recognition))
		w.shared.Metrics.Recognition(w.spec.ID)
		monitoring.Logf("%s track %d recognized as %s (%.2f)", w.prefix, d.TrackID, d.Recognition.PersonID, d.Recognition.Confidence)
		w.mu.Lock()
		w.stats.Recognized++
		w.mu.Unlock()
	}
}
