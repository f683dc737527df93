package detect

import (
	"sort"
	"time"

	"github.com/banshee-data/headcount/internal/geom"
)

// TrackerConfig holds the association and lifetime parameters.
type TrackerConfig struct {
	MinIoU        float64       // minimum overlap to continue a track (default 0.3)
	Timeout       time.Duration // unobserved time before expiry (default 2s)
	HistoryLength int           // center samples kept per track (default 30)
}

// Sample is one observed track center.
type Sample struct {
	Point     geom.Point
	Timestamp time.Time
}

// History is a fixed-size ring of the most recent samples.
type History struct {
	buf  []Sample
	next int
	full bool
}

func newHistory(n int) *History { return &History{buf: make([]Sample, n)} }

// Add appends s, overwriting the oldest sample when full.
func (h *History) Add(s Sample) {
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of stored samples.
func (h *History) Len() int {
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Samples returns the stored samples, oldest first.
func (h *History) Samples() []Sample {
	if !h.full {
		return append([]Sample(nil), h.buf[:h.next]...)
	}
	out := make([]Sample, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// Last returns the newest sample.
func (h *History) Last() (Sample, bool) {
	if h.Len() == 0 {
		return Sample{}, false
	}
	return h.buf[(h.next-1+len(h.buf))%len(h.buf)], true
}

// Track is one person followed across frames of a camera.
type Track struct {
	ID        uint64
	Box       geom.Box
	FirstSeen time.Time
	LastSeen  time.Time
	History   *History
}

// Center returns the center of the current box.
func (t *Track) Center() geom.Point { return t.Box.Center() }

// Tracker associates person detections with live tracks by greedy IoU.
// Track ids are assigned monotonically and never reused.
type Tracker struct {
	cfg    TrackerConfig
	tracks map[uint64]*Track
	nextID uint64
}

// NewTracker creates an empty tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MinIoU <= 0 {
		cfg.MinIoU = 0.3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = 30
	}
	return &Tracker{cfg: cfg, tracks: make(map[uint64]*Track)}
}

type pair struct {
	track uint64
	det   int
	iou   float64
}

// Update folds the detections of one frame into the tracker and returns the
// tracks observed in this frame and the ids of tracks that expired.
// Pass nil detections to age tracks on a frame that could not be analysed.
func (t *Tracker) Update(dets []PersonDetection, ts time.Time) (observed []*Track, expired []uint64) {
	// Stale tracks expire before association so a detection after a long
	// gap starts a new track instead of reviving the old one.
	for id, tr := range t.tracks {
		if ts.Sub(tr.LastSeen) > t.cfg.Timeout {
			expired = append(expired, id)
			delete(t.tracks, id)
		}
	}

	var pairs []pair
	for id, tr := range t.tracks {
		for i, d := range dets {
			if iou := tr.Box.IoU(d.Box); iou >= t.cfg.MinIoU {
				pairs = append(pairs, pair{id, i, iou})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].iou != pairs[j].iou {
			return pairs[i].iou > pairs[j].iou
		}
		if pairs[i].track != pairs[j].track {
			return pairs[i].track < pairs[j].track
		}
		return pairs[i].det < pairs[j].det
	})

	usedTrack := make(map[uint64]bool)
	usedDet := make(map[int]bool)
	for _, p := range pairs {
		if usedTrack[p.track] || usedDet[p.det] {
			continue
		}
		usedTrack[p.track] = true
		usedDet[p.det] = true
		tr := t.tracks[p.track]
		tr.Box = dets[p.det].Box
		tr.LastSeen = ts
		tr.History.Add(Sample{Point: tr.Box.Center(), Timestamp: ts})
		observed = append(observed, tr)
	}

	for i, d := range dets {
		if usedDet[i] {
			continue
		}
		t.nextID++
		tr := &Track{ID: t.nextID, Box: d.Box, FirstSeen: ts, LastSeen: ts, History: newHistory(t.cfg.HistoryLength)}
		tr.History.Add(Sample{Point: d.Box.Center(), Timestamp: ts})
		t.tracks[tr.ID] = tr
		observed = append(observed, tr)
	}

	sort.Slice(observed, func(i, j int) bool { return observed[i].ID < observed[j].ID })
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return observed, expired
}

// Track returns a live track by id.
func (t *Tracker) Track(id uint64) (*Track, bool) {
	tr, ok := t.tracks[id]
	return tr, ok
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int { return len(t.tracks) }

// Reset drops every track and returns their ids. Ids keep increasing.
func (t *Tracker) Reset() []uint64 {
	ids := make([]uint64, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	t.tracks = make(map[uint64]*Track)
	return ids
}
