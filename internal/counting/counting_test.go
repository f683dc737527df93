package counting

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headcount/internal/geom"
	"github.com/banshee-data/headcount/internal/monitoring"
)

func init() { monitoring.SetLogger(nil) }

var (
	t0      = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	doorway = Line{ID: "door", Points: geom.Polyline{{X: 0, Y: 300}, {X: 1000, Y: 300}}}
)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestLine_Side(t *testing.T) {
	side, dist := doorway.Side(geom.Point{X: 500, Y: 200})
	assert.Equal(t, -1, side)
	assert.Equal(t, 100.0, dist)
	side, _ = doorway.Side(geom.Point{X: 500, Y: 400})
	assert.Equal(t, 1, side)
	side, _ = doorway.Side(geom.Point{X: 500, Y: 300})
	assert.Equal(t, 0, side)
}

func TestCounter_DownInLingerUpOut(t *testing.T) {
	metrics := monitoring.NewMetrics()
	c := NewCounter("cam-1", []Line{doorway}, nil, 15, metrics)
	var got []Crossing
	observe := func(y float64, ms int) {
		xs, _ := c.Observe(1, geom.Point{X: 500, Y: y}, at(ms))
		got = append(got, xs...)
	}

	// Walk down across the line at t=0.
	observe(200, -400)
	observe(260, -200)
	observe(340, 0)
	require.Len(t, got, 1)
	assert.Equal(t, DirectionIn, got[0].Direction)
	assert.Equal(t, at(0), got[0].Timestamp)

	// Linger on the boundary, crossing it five times within 2s.
	for i := 0; i < 5; i++ {
		observe(292, 200+i*400)
		observe(308, 400+i*400)
	}
	assert.Len(t, got, 1)

	// Walk back up at t=10s.
	observe(320, 9800)
	observe(250, 10000)
	require.Len(t, got, 2)
	assert.Equal(t, DirectionOut, got[1].Direction)
	assert.Equal(t, at(10000), got[1].Timestamp)
	assert.Equal(t, 2.0, metrics.Sum("headcount_crossings_total"))
}

func TestCounter_DedupPerDirection(t *testing.T) {
	metrics := monitoring.NewMetrics()
	c := NewCounter("cam-1", []Line{doorway}, nil, 15, metrics)
	ys := []float64{200, 400, 200, 400, 200, 400}
	var dirs []Direction
	for i, y := range ys {
		xs, _ := c.Observe(9, geom.Point{X: 500, Y: y}, at(i*500))
		for _, x := range xs {
			dirs = append(dirs, x.Direction)
		}
	}
	assert.Equal(t, []Direction{DirectionIn, DirectionOut}, dirs)
	assert.Equal(t, 3.0, metrics.Sum("headcount_crossings_suppressed_total"))
}

func TestCounter_OscillationProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	lines := []Line{
		doorway,
		{ID: "diag", Points: geom.Polyline{{X: 0, Y: 0}, {X: 500, Y: 400}, {X: 1000, Y: 500}}},
	}
	c := NewCounter("cam-1", lines, nil, 15, nil)

	type key struct {
		track uint64
		line  string
		dir   Direction
	}
	seen := map[key]int{}
	for track := uint64(1); track <= 20; track++ {
		p := geom.Point{X: rng.Float64() * 1000, Y: rng.Float64() * 600}
		for step := 0; step < 300; step++ {
			p.X += rng.NormFloat64() * 40
			p.Y += rng.NormFloat64() * 40
			xs, _ := c.Observe(track, p, at(step*66))
			for _, x := range xs {
				seen[key{track, x.LineID, x.Direction}]++
			}
		}
	}
	require.NotEmpty(t, seen)
	for k, n := range seen {
		assert.Equal(t, 1, n, "%+v counted %d times", k, n)
	}
}

func TestCounter_InNegativeInverts(t *testing.T) {
	line := doorway
	line.InNegative = true
	c := NewCounter("cam-1", []Line{line}, nil, 15, nil)
	c.Observe(1, geom.Point{X: 500, Y: 200}, at(0))
	xs, _ := c.Observe(1, geom.Point{X: 500, Y: 400}, at(100))
	require.Len(t, xs, 1)
	assert.Equal(t, DirectionOut, xs[0].Direction)
}

func TestCounter_AroundTheEndIsNotACrossing(t *testing.T) {
	short := Line{ID: "short", Points: geom.Polyline{{X: 400, Y: 300}, {X: 600, Y: 300}}}
	c := NewCounter("cam-1", []Line{short}, nil, 15, nil)
	c.Observe(1, geom.Point{X: 800, Y: 200}, at(0))
	xs, _ := c.Observe(1, geom.Point{X: 800, Y: 400}, at(100))
	assert.Empty(t, xs)
}

func TestCounter_ExpiryEmitsNothingAndForgets(t *testing.T) {
	c := NewCounter("cam-1", []Line{doorway}, nil, 15, nil)
	c.Observe(1, geom.Point{X: 500, Y: 200}, at(0))
	assert.Equal(t, 1, c.Tracks())
	c.Forget(1)
	assert.Equal(t, 0, c.Tracks())

	// A new track id starting below the line has no history to cross from.
	xs, _ := c.Observe(2, geom.Point{X: 500, Y: 400}, at(100))
	assert.Empty(t, xs)
}

func TestCounter_ZoneEntryOncePerTrack(t *testing.T) {
	zone := Zone{ID: "server-room", Polygon: geom.Polygon{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}}
	c := NewCounter("cam-1", nil, []Zone{zone}, 15, nil)

	var entries []ZoneEntry
	for i, p := range []geom.Point{{X: 200, Y: 50}, {X: 50, Y: 50}, {X: 200, Y: 50}, {X: 60, Y: 60}} {
		_, es := c.Observe(4, p, at(i*100))
		entries = append(entries, es...)
	}
	require.Len(t, entries, 1)
	assert.Equal(t, "server-room", entries[0].ZoneID)
	assert.Equal(t, at(100), entries[0].Timestamp)
}

func TestCounter_SetGeometryKeepsHistory(t *testing.T) {
	c := NewCounter("cam-1", []Line{doorway}, nil, 15, nil)
	c.Observe(1, geom.Point{X: 500, Y: 200}, at(0))
	xs, _ := c.Observe(1, geom.Point{X: 500, Y: 400}, at(100))
	require.Len(t, xs, 1)

	moved := doorway
	moved.Points = geom.Polyline{{X: 0, Y: 310}, {X: 1000, Y: 310}}
	c.SetGeometry([]Line{moved}, nil)
	c.Observe(1, geom.Point{X: 500, Y: 200}, at(200))
	xs, _ = c.Observe(1, geom.Point{X: 500, Y: 400}, at(300))
	assert.Empty(t, xs, "IN already counted for this track")

	c.SetGeometry(nil, nil)
	xs, _ = c.Observe(1, geom.Point{X: 500, Y: 200}, at(400))
	assert.Empty(t, xs)
}
