package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/headcount/internal/camera"
	"github.com/banshee-data/headcount/internal/geom"
	"github.com/banshee-data/headcount/internal/identity"
	"github.com/banshee-data/headcount/internal/monitoring"
)

// StageConfig configures a per-camera detection Stage.
type StageConfig struct {
	CameraID     string
	Backend      Backend
	Tracker      TrackerConfig
	Cadence      CadenceConfig
	Gate         QualityGate
	// EmbeddingDim, when set, is the length every embedding must have.
	EmbeddingDim int
	Load         *LoadMonitor
	Metrics      *monitoring.Metrics
}

// TrackUpdate is the position of one track in a processed frame.
type TrackUpdate struct {
	TrackID   uint64
	Box       geom.Box
	Center    geom.Point
	Timestamp time.Time
}

// Output is the result of processing one frame.
type Output struct {
	FrameSeq  uint64
	Timestamp time.Time
	Skipped   bool // dropped by the degraded-mode frame-rate cap
	FaceTick  bool
	Tracks    []TrackUpdate
	Expired   []uint64
	Samples   []identity.FaceSample
}

// Stage runs tracking on every admitted frame and face recognition on
// cadence ticks. It is owned by one camera goroutine.
type Stage struct {
	cfg          StageConfig
	tracker      *Tracker
	cadence      *Cadence
	prefix       string
	throttled    uint64
	throttleLogs uint64
}

// NewStage creates a stage for one camera.
func NewStage(cfg StageConfig) *Stage {
	s := &Stage{
		cfg:     cfg,
		tracker: NewTracker(cfg.Tracker),
		cadence: NewCadence(cfg.Cadence),
		prefix:  fmt.Sprintf("[detect %s]", cfg.CameraID),
	}
	cfg.Metrics.FaceCadence(cfg.CameraID, s.cadence.EveryN())
	return s
}

// Cadence exposes the current cadence.
func (s *Stage) Cadence() *Cadence { return s.cadence }

// Tracker exposes the tracker.
func (s *Stage) Tracker() *Tracker { return s.tracker }

// Process analyses one frame. Backend errors are absorbed: a failed person
// detection ages the tracks as if the frame were empty, and a failed face
// step yields no samples.
func (s *Stage) Process(ctx context.Context, f camera.Frame) Output {
	out := Output{FrameSeq: f.Seq, Timestamp: f.Timestamp}

	if s.cadence.Observe(s.cfg.Load.Latest()) {
		monitoring.Logf("%s cadence now every %d frames at %.1f fps", s.prefix, s.cadence.EveryN(), s.cadence.FPS())
		s.cfg.Metrics.FaceCadence(s.cfg.CameraID, s.cadence.EveryN())
	}
	if !s.cadence.Admit(f.Timestamp) {
		out.Skipped = true
		s.throttled++
		s.cfg.Metrics.FrameThrottled(s.cfg.CameraID)
		if s.throttled == 1 || s.throttled-s.throttleLogs >= 100 {
			s.throttleLogs = s.throttled
			monitoring.Logf("%s frame rate capped at %.1f fps, skipping frames (%d skipped so far)", s.prefix, s.cadence.FPS(), s.throttled)
		}
		return out
	}

	dets, err := s.cfg.Backend.Detect(ctx, f)
	if err != nil {
		monitoring.Logf("%s frame %d person detection failed: %v", s.prefix, f.Seq, err)
		s.cfg.Metrics.DetectError(s.cfg.CameraID, "person")
		dets = nil
	}
	tracks, expired := s.tracker.Update(dets, f.Timestamp)
	out.Expired = expired
	for _, tr := range tracks {
		out.Tracks = append(out.Tracks, TrackUpdate{TrackID: tr.ID, Box: tr.Box, Center: tr.Center(), Timestamp: f.Timestamp})
	}

	out.FaceTick = s.cadence.Tick()
	if !out.FaceTick || err != nil || len(tracks) == 0 {
		return out
	}
	out.Samples = s.faces(ctx, f, tracks)
	return out
}

func (s *Stage) faces(ctx context.Context, f camera.Frame, tracks []*Track) []identity.FaceSample {
	boxes := make([]geom.Box, len(tracks))
	for i, tr := range tracks {
		boxes[i] = tr.Box
	}
	faces, err := s.cfg.Backend.DetectFaces(ctx, f, boxes)
	if err != nil {
		monitoring.Logf("%s frame %d face detection failed: %v", s.prefix, f.Seq, err)
		s.cfg.Metrics.DetectError(s.cfg.CameraID, "face")
		return nil
	}

	// Best accepted face per track. A face belongs to the track whose box
	// overlaps it most.
	best := make(map[uint64]FaceDetection)
	for _, face := range faces {
		if reason := s.cfg.Gate.Check(face); reason != "" {
			s.cfg.Metrics.QualityRejection(s.cfg.CameraID, reason)
			monitoring.Debugf("%s frame %d face skipped: %s", s.prefix, f.Seq, reason)
			continue
		}
		owner, overlap := uint64(0), 0.0
		for _, tr := range tracks {
			if a := tr.Box.Intersection(face.Box); a > overlap {
				owner, overlap = tr.ID, a
			}
		}
		if owner == 0 {
			continue
		}
		if cur, ok := best[owner]; !ok || face.Quality > cur.Quality {
			best[owner] = face
		}
	}

	var samples []identity.FaceSample
	for _, tr := range tracks {
		face, ok := best[tr.ID]
		if !ok {
			continue
		}
		emb, err := s.cfg.Backend.Embed(ctx, f, face)
		if err != nil {
			monitoring.Logf("%s frame %d embedding for track %d failed: %v", s.prefix, f.Seq, tr.ID, err)
			s.cfg.Metrics.DetectError(s.cfg.CameraID, "embed")
			continue
		}
		if err := identity.ValidateEmbedding(emb, s.cfg.EmbeddingDim); err != nil {
			monitoring.Debugf("%s frame %d embedding for track %d discarded: %v", s.prefix, f.Seq, tr.ID, err)
			s.cfg.Metrics.InvalidEmbedding(s.cfg.CameraID)
			continue
		}
		samples = append(samples, identity.FaceSample{
			CameraID:  s.cfg.CameraID,
			TrackID:   tr.ID,
			Embedding: emb,
			Quality:   face.Quality,
			Box:       face.Box,
			Timestamp: f.Timestamp,
		})
	}
	return samples
}

// Reset drops all tracks, returning their ids.
func (s *Stage) Reset() []uint64 { return s.tracker.Reset() }
