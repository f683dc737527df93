package main

import (
	"net/http"
	"time"

	"github.com/banshee-data/headcount/internal/events"
	"github.com/banshee-data/headcount/internal/httputil"
	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/pipeline"
	"github.com/banshee-data/headcount/internal/timeutil"
	"github.com/banshee-data/headcount/internal/version"
)

type runtimeStats interface {
	Stats() map[string]pipeline.WorkerStats
}

type publisherStats interface {
	Stats() events.Stats
}

// statusServer serves the operational endpoints next to /metrics.
type statusServer struct {
	cameras   runtimeStats
	publisher publisherStats
	metrics   *monitoring.Metrics
	clock     timeutil.Clock
	started   time.Time
}

type cameraView struct {
	State       string     `json:"state"`
	Attempt     int        `json:"retry_count"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Error       string     `json:"error,omitempty"`
	Tracks      int        `json:"tracks"`
	Deferred    int        `json:"deferred"`
	Recognized  uint64     `json:"recognized"`
	Crossings   uint64     `json:"crossings"`
	ZoneEntries uint64     `json:"zone_entries"`
	FaceEveryN  int        `json:"face_every_n"`
}

type statusResponse struct {
	Version    version.Info          `json:"version"`
	UptimeSecs float64               `json:"uptime_secs"`
	Cameras    map[string]cameraView `json:"cameras"`
	Publisher  events.Stats          `json:"publisher"`
}

func (s *statusServer) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// handleHealth reports 503 while the event sink is failing, so a supervisor
// can see that events are piling up in the buffer.
func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ps := s.publisher.Stats()
	if !ps.Healthy {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded", "buffered": ps.Depth})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "buffered": ps.Depth})
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := statusResponse{
		Version:    version.Current(),
		UptimeSecs: s.clock.Since(s.started).Seconds(),
		Cameras:    make(map[string]cameraView),
		Publisher:  s.publisher.Stats(),
	}
	for id, ws := range s.cameras.Stats() {
		v := cameraView{
			State:       ws.Camera.State.String(),
			Attempt:     ws.Camera.Attempt,
			Error:       ws.Camera.Err,
			Tracks:      ws.Tracks,
			Deferred:    ws.Deferred,
			Recognized:  ws.Recognized,
			Crossings:   ws.Crossings,
			ZoneEntries: ws.ZoneEntries,
			FaceEveryN:  ws.FaceEveryN,
		}
		if !ws.Camera.LastSuccess.IsZero() {
			t := ws.Camera.LastSuccess
			v.LastSuccess = &t
		}
		resp.Cameras[id] = v
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
