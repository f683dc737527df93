package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/banshee-data/headcount/internal/monitoring"
)

// Runtime manages the set of running camera workers.
type Runtime struct {
	settings Settings
	shared   Shared

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*Worker
}

// NewRuntime creates an idle runtime.
func NewRuntime(settings Settings, shared Shared) *Runtime {
	return &Runtime{settings: settings, shared: shared, workers: make(map[string]*Worker)}
}

// Start runs a worker for every camera. Workers live until Stop, a
// Reconfigure that removes them, or cancellation of ctx.
func (r *Runtime) Start(ctx context.Context, cams []CameraSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	for _, spec := range cams {
		r.startLocked(spec)
	}
}

func (r *Runtime) startLocked(spec CameraSpec) {
	w := NewWorker(spec, r.settings, r.shared)
	w.Start(r.ctx)
	r.workers[spec.ID] = w
}

// ReconfigureResult lists what a Reconfigure changed.
type ReconfigureResult struct {
	Started   []string `json:"started,omitempty"`
	Stopped   []string `json:"stopped,omitempty"`
	Restarted []string `json:"restarted,omitempty"`
	Updated   []string `json:"updated,omitempty"`
}

// Reconfigure starts cameras that are new, stops cameras that are gone,
// restarts cameras whose source changed and swaps lines and zones on the
// rest. Cameras that are not touched keep their tracks and counts.
func (r *Runtime) Reconfigure(cams []CameraSpec) ReconfigureResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res ReconfigureResult
	want := make(map[string]CameraSpec, len(cams))
	for _, spec := range cams {
		want[spec.ID] = spec
	}
	for id, w := range r.workers {
		if _, ok := want[id]; !ok {
			w.Stop()
			delete(r.workers, id)
			res.Stopped = append(res.Stopped, id)
		}
	}
	for _, spec := range cams {
		w, ok := r.workers[spec.ID]
		switch {
		case !ok:
			r.startLocked(spec)
			res.Started = append(res.Started, spec.ID)
		case w.Spec().SourceKey != spec.SourceKey:
			w.Stop()
			r.startLocked(spec)
			res.Restarted = append(res.Restarted, spec.ID)
		default:
			w.SetGeometry(spec.Lines, spec.Zones)
			res.Updated = append(res.Updated, spec.ID)
		}
	}
	sort.Strings(res.Stopped)
	monitoring.Logf("[pipeline] reconfigured: started=%v stopped=%v restarted=%v updated=%v",
		res.Started, res.Stopped, res.Restarted, res.Updated)
	return res
}

// Stop stops every worker.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var wg sync.WaitGroup
	for _, w := range r.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	r.workers = make(map[string]*Worker)
}

// Cameras returns the running camera ids, sorted.
func (r *Runtime) Cameras() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a snapshot of every running worker keyed by camera id.
func (r *Runtime) Stats() map[string]WorkerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]WorkerStats, len(r.workers))
	for id, w := range r.workers {
		out[id] = w.Stats()
	}
	return out
}
