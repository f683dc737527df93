// Package counting turns track positions into directional line crossings
// and restricted-zone entries. Occupancy is left to consumers of the IN/OUT
// stream; nothing here keeps a running total.
package counting

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/headcount/internal/geom"
	"github.com/banshee-data/headcount/internal/monitoring"
)

// Direction of a crossing.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

func (d Direction) Opposite() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// Line is a counting line. Moving from the negative to the positive side of
// (B-A)x(P-A) is IN unless InNegative is set.
type Line struct {
	ID         string
	Points     geom.Polyline
	InNegative bool
}

// Side returns -1 or +1 for the side of p relative to the nearest segment,
// and the distance to the line.
func (l Line) Side(p geom.Point) (int, float64) {
	if len(l.Points) < 2 {
		return 0, math.Inf(1)
	}
	best, side := math.Inf(1), 0
	for i := 0; i+1 < len(l.Points); i++ {
		a, b := l.Points[i], l.Points[i+1]
		d := geom.DistToSegment(p, a, b)
		if d < best {
			best = d
			switch c := b.Sub(a).Cross(p.Sub(a)); {
			case c > 0:
				side = 1
			case c < 0:
				side = -1
			default:
				side = 0
			}
		}
	}
	return side, best
}

func (l Line) direction(from, to int) Direction {
	in := from < 0 && to > 0
	if l.InNegative {
		in = !in
	}
	if in {
		return DirectionIn
	}
	return DirectionOut
}

// Zone is a restricted polygon.
type Zone struct {
	ID      string
	Polygon geom.Polygon
}

// Crossing is one counted line crossing.
type Crossing struct {
	CameraID  string
	LineID    string
	TrackID   uint64
	Direction Direction
	Point     geom.Point
	Timestamp time.Time
}

// ZoneEntry is the first entry of a track into a zone.
type ZoneEntry struct {
	CameraID  string
	ZoneID    string
	TrackID   uint64
	Point     geom.Point
	Timestamp time.Time
}

type lineState struct {
	side    int // committed side, 0 until first committed
	anchor  geom.Point
	counted map[Direction]bool
}

type trackState struct {
	lines   map[string]*lineState
	entered map[string]bool
}

// Counter tracks the committed side of every track for every line of one
// camera. It is driven by the camera goroutine and is not safe for
// concurrent use.
type Counter struct {
	cameraID   string
	hysteresis float64
	lines      []Line
	zones      []Zone
	tracks     map[uint64]*trackState
	metrics    *monitoring.Metrics
	prefix     string
}

// NewCounter creates a counter for one camera.
func NewCounter(cameraID string, lines []Line, zones []Zone, hysteresis float64, metrics *monitoring.Metrics) *Counter {
	if hysteresis < 0 {
		hysteresis = 0
	}
	return &Counter{
		cameraID:   cameraID,
		hysteresis: hysteresis,
		lines:      lines,
		zones:      zones,
		tracks:     make(map[uint64]*trackState),
		metrics:    metrics,
		prefix:     fmt.Sprintf("[count %s]", cameraID),
	}
}

// SetGeometry replaces the lines and zones. State of lines and zones whose
// id disappeared is dropped; existing ids keep their per-track history, so a
// reload never re-counts a track.
func (c *Counter) SetGeometry(lines []Line, zones []Zone) {
	keepLine := make(map[string]bool, len(lines))
	for _, l := range lines {
		keepLine[l.ID] = true
	}
	keepZone := make(map[string]bool, len(zones))
	for _, z := range zones {
		keepZone[z.ID] = true
	}
	for _, ts := range c.tracks {
		for id := range ts.lines {
			if !keepLine[id] {
				delete(ts.lines, id)
			}
		}
		for id := range ts.entered {
			if !keepZone[id] {
				delete(ts.entered, id)
			}
		}
	}
	c.lines, c.zones = lines, zones
}

// Observe processes one track position.
func (c *Counter) Observe(track uint64, p geom.Point, ts time.Time) ([]Crossing, []ZoneEntry) {
	st := c.tracks[track]
	if st == nil {
		st = &trackState{lines: make(map[string]*lineState), entered: make(map[string]bool)}
		c.tracks[track] = st
	}

	var crossings []Crossing
	for _, line := range c.lines {
		if x, ok := c.observeLine(st, line, track, p, ts); ok {
			crossings = append(crossings, x)
		}
	}

	var entries []ZoneEntry
	for _, z := range c.zones {
		if st.entered[z.ID] || !z.Polygon.Contains(p) {
			continue
		}
		st.entered[z.ID] = true
		entries = append(entries, ZoneEntry{CameraID: c.cameraID, ZoneID: z.ID, TrackID: track, Point: p, Timestamp: ts})
		monitoring.Logf("%s track %d entered zone %s", c.prefix, track, z.ID)
	}
	return crossings, entries
}

func (c *Counter) observeLine(st *trackState, line Line, track uint64, p geom.Point, ts time.Time) (Crossing, bool) {
	side, dist := line.Side(p)
	if side == 0 || dist <= c.hysteresis {
		// On or near the line: not enough motion to commit a side.
		return Crossing{}, false
	}
	ls := st.lines[line.ID]
	if ls == nil {
		st.lines[line.ID] = &lineState{side: side, anchor: p, counted: make(map[Direction]bool)}
		return Crossing{}, false
	}
	if side == ls.side {
		ls.anchor = p
		return Crossing{}, false
	}

	from, anchor := ls.side, ls.anchor
	ls.side, ls.anchor = side, p
	if !line.Points.Intersects(anchor, p) {
		// Went around an end of the line.
		return Crossing{}, false
	}

	dir := line.direction(from, side)
	if ls.counted[dir] {
		c.metrics.CrossingSuppressed(c.cameraID)
		monitoring.Debugf("%s track %d repeat %s on %s suppressed", c.prefix, track, dir, line.ID)
		return Crossing{}, false
	}
	ls.counted[dir] = true
	c.metrics.Crossing(c.cameraID, string(dir))
	return Crossing{CameraID: c.cameraID, LineID: line.ID, TrackID: track, Direction: dir, Point: p, Timestamp: ts}, true
}

// Forget drops the state of an expired track.
func (c *Counter) Forget(track uint64) { delete(c.tracks, track) }

// Tracks returns the number of tracks with state.
func (c *Counter) Tracks() int { return len(c.tracks) }
