// Package verify confirms an identity only when several spaced lookups for
// the same track agree, so a single lucky frame never produces a
// recognition.
package verify

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/headcount/internal/identity"
	"github.com/banshee-data/headcount/internal/monitoring"
)

// State is the lifecycle state of a verification window.
type State int

const (
	StateCollecting State = iota
	StateVerified
	StateRejected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "COLLECTING"
	case StateVerified:
		return "VERIFIED"
	case StateRejected:
		return "REJECTED"
	case StateExpired:
		return "EXPIRED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config holds the window parameters.
type Config struct {
	MaxResults   int           // results kept per window (default 3)
	MinSpacing   time.Duration // minimum gap between accepted results (default 1s)
	Window       time.Duration // deadline after the first accepted result (default 10s)
	MinAgreement int           // agreeing results needed to verify (default 2)
}

func (c *Config) applyDefaults() {
	if c.MaxResults <= 0 {
		c.MaxResults = 3
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = time.Second
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.MinAgreement <= 0 {
		c.MinAgreement = 2
	}
	if c.MinAgreement > c.MaxResults {
		c.MinAgreement = c.MaxResults
	}
}

// Recognition is a verified identity for one track.
type Recognition struct {
	CameraID   string
	TrackID    uint64
	PersonID   string
	Confidence float64   // mean similarity of the agreeing results
	Timestamp  time.Time // capture time of the first agreeing result
	Agreeing   int
}

// Decision reports a window leaving COLLECTING.
type Decision struct {
	TrackID     uint64
	State       State
	Recognition *Recognition // set for VERIFIED
}

// Window buffers the accepted results of one track.
type Window struct {
	TrackID  uint64
	Deadline time.Time
	State    State
	Results  []identity.MatchResult
}

func (w *Window) last() time.Time { return w.Results[len(w.Results)-1].Sample.Timestamp }

type tally struct {
	count int
	sims  []float64
	first time.Time
}

func (w *Window) tallies() map[string]*tally {
	out := make(map[string]*tally)
	for _, r := range w.Results {
		for _, v := range r.Votes() {
			t := out[v.PersonID]
			if t == nil {
				t = &tally{first: r.Sample.Timestamp}
				out[v.PersonID] = t
			}
			t.count++
			t.sims = append(t.sims, v.Similarity)
		}
	}
	return out
}

// Verifier holds the windows of one camera. It is not safe for concurrent
// use; the owning camera goroutine drives it.
type Verifier struct {
	cfg      Config
	cameraID string
	windows  map[uint64]*Window
	verified map[uint64]bool
	prefix   string
}

// New creates a verifier for one camera.
func New(cameraID string, cfg Config) *Verifier {
	cfg.applyDefaults()
	return &Verifier{
		cfg:      cfg,
		cameraID: cameraID,
		windows:  make(map[uint64]*Window),
		verified: make(map[uint64]bool),
		prefix:   fmt.Sprintf("[verify %s]", cameraID),
	}
}

// Add feeds one lookup result. LOOKUP_UNAVAILABLE results, results closer
// than MinSpacing to the previous one, and results for an already verified
// track are ignored. The returned decisions are in the order they happened.
func (v *Verifier) Add(res identity.MatchResult) []Decision {
	if res.Status == identity.StatusUnavailable {
		return nil
	}
	id := res.Sample.TrackID
	if v.verified[id] {
		return nil
	}
	ts := res.Sample.Timestamp

	var out []Decision
	w := v.windows[id]
	if w != nil && ts.After(w.Deadline) {
		out = append(out, v.close(w, StateExpired, nil))
		w = nil
	}
	if w == nil {
		w = &Window{TrackID: id, Deadline: ts.Add(v.cfg.Window), State: StateCollecting}
		v.windows[id] = w
	} else if ts.Sub(w.last()) < v.cfg.MinSpacing {
		return out
	}
	w.Results = append(w.Results, res)

	if d, done := v.evaluate(w); done {
		out = append(out, d)
	}
	return out
}

func (v *Verifier) evaluate(w *Window) (Decision, bool) {
	tallies := w.tallies()
	leader, best, tie := "", 0, false
	for person, t := range tallies {
		switch {
		case t.count > best:
			leader, best, tie = person, t.count, false
		case t.count == best:
			tie = true
		}
	}

	if best >= v.cfg.MinAgreement && !tie {
		t := tallies[leader]
		rec := &Recognition{
			CameraID:   v.cameraID,
			TrackID:    w.TrackID,
			PersonID:   leader,
			Confidence: stat.Mean(t.sims, nil),
			Timestamp:  t.first,
			Agreeing:   t.count,
		}
		v.verified[w.TrackID] = true
		return v.close(w, StateVerified, rec), true
	}

	remaining := v.cfg.MaxResults - len(w.Results)
	if remaining == 0 || best+remaining < v.cfg.MinAgreement {
		return v.close(w, StateRejected, nil), true
	}
	return Decision{}, false
}

func (v *Verifier) close(w *Window, state State, rec *Recognition) Decision {
	w.State = state
	delete(v.windows, w.TrackID)
	if rec != nil {
		monitoring.Logf("%s track %d verified as %s (confidence %.3f, %d agreeing)", v.prefix, w.TrackID, rec.PersonID, rec.Confidence, rec.Agreeing)
	} else {
		monitoring.Debugf("%s track %d window %s after %d results", v.prefix, w.TrackID, state, len(w.Results))
	}
	return Decision{TrackID: w.TrackID, State: state, Recognition: rec}
}

// Expire closes every collecting window whose deadline is before now.
func (v *Verifier) Expire(now time.Time) []Decision {
	var due []*Window
	for _, w := range v.windows {
		if now.After(w.Deadline) {
			due = append(due, w)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TrackID < due[j].TrackID })
	out := make([]Decision, 0, len(due))
	for _, w := range due {
		out = append(out, v.close(w, StateExpired, nil))
	}
	return out
}

// Verified reports whether the track already produced a recognition.
func (v *Verifier) Verified(track uint64) bool { return v.verified[track] }

// Window returns the collecting window of a track, if any.
func (v *Verifier) Window(track uint64) (*Window, bool) {
	w, ok := v.windows[track]
	return w, ok
}

// Forget drops all state of an expired track.
func (v *Verifier) Forget(track uint64) {
	delete(v.windows, track)
	delete(v.verified, track)
}

// Reset discards every partial window and tombstone.
func (v *Verifier) Reset() {
	v.windows = make(map[uint64]*Window)
	v.verified = make(map[uint64]bool)
}
