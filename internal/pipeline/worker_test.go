package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headcount/internal/counting"
	"github.com/banshee-data/headcount/internal/detect"
	"github.com/banshee-data/headcount/internal/geom"
	"github.com/banshee-data/headcount/internal/identity"
	"github.com/banshee-data/headcount/internal/monitoring"
)

var doorLine = counting.Line{ID: "door", Points: geom.Polyline{{X: 0, Y: 300}, {X: 1000, Y: 300}}}

func testSettings(t *testing.T, everyN int) Settings {
	return Settings{
		Detection: detect.StageConfig{
			Backend: annotatedBackend(t),
			Cadence: detect.CadenceConfig{EveryN: everyN},
		},
		Hysteresis: 15,
	}
}

// newSyncWorker builds a worker that is driven frame by frame from the test
// goroutine instead of through its supervisor.
func newSyncWorker(t *testing.T, spec CameraSpec, settings Settings, pool Submitter, metrics *monitoring.Metrics) (*Worker, *recorder) {
	t.Helper()
	rec := &recorder{}
	w := NewWorker(spec, settings, Shared{Pool: pool, Publisher: rec, Metrics: metrics})
	return w, rec
}

func TestWorker_CrossingOscillationScenario(t *testing.T) {
	ctx := context.Background()
	metrics := monitoring.NewMetrics()
	w, rec := newSyncWorker(t, CameraSpec{ID: "lobby", Lines: []counting.Line{doorLine}},
		testSettings(t, 30), &syncPool{}, metrics)

	const step = 100 * time.Millisecond
	seq := uint64(0)
	feed := func(at time.Duration, y float64) {
		seq++
		w.handleFrame(ctx, annotationFrame(t, "lobby", seq, t0.Add(at), person(500, y, false)))
	}

	// Walk down across the line, arriving just past it at t=0.
	for at := -time.Second; at <= 0; at += step {
		frac := float64(at+time.Second) / float64(time.Second)
		feed(at, 200+130*frac)
	}
	require.Len(t, rec.crossings(), 1)
	assert.Equal(t, "IN", rec.crossings()[0].Direction)

	// Linger on the line, oscillating across it five times within 2s.
	for k := 1; k <= 20; k++ {
		y := 290.0
		if (k-1)/2%2 == 1 {
			y = 310
		}
		feed(time.Duration(k)*step, y)
	}
	for at := 2100 * time.Millisecond; at <= 9*time.Second; at += step {
		feed(at, 330)
	}
	assert.Len(t, rec.crossings(), 1, "oscillation must not emit further events")

	// Walk back up across the line, arriving at t=10.
	for at := 9*time.Second + step; at <= 10*time.Second; at += step {
		frac := float64(at-9*time.Second) / float64(time.Second)
		feed(at, 330-70*frac)
	}
	got := rec.crossings()
	require.Len(t, got, 2)
	assert.Equal(t, "OUT", got[1].Direction)
	assert.Equal(t, got[0].TrackID, got[1].TrackID)
	assert.True(t, got[1].Timestamp.After(t0.Add(9*time.Second)))
	assert.False(t, got[1].Timestamp.After(t0.Add(10*time.Second)))
	assert.Equal(t, 2.0, metrics.Sum("headcount_crossings_total"))
	assert.Equal(t, uint64(2), w.Stats().Crossings)
}

func highVotes(top float64) []identity.Candidate {
	return []identity.Candidate{{PersonID: "P", Similarities: []float64{top, top - 0.005, top - 0.01, top - 0.015, 0.30}}}
}

func TestWorker_VerifiesOnSecondAgreeingSample(t *testing.T) {
	ctx := context.Background()
	store := &queueStore{queue: [][]identity.Candidate{
		highVotes(0.70),
		highVotes(0.68),
		{{PersonID: "P", Similarities: []float64{0.40, 0.38, 0.35, 0.30, 0.20}}},
	}}
	pool := &syncPool{resolver: identity.NewMatcher(identity.MatcherConfig{}, store)}
	metrics := monitoring.NewMetrics()
	w, rec := newSyncWorker(t, CameraSpec{ID: "lobby"}, testSettings(t, 10), pool, metrics)

	for i := 0; i <= 25; i++ {
		at := time.Duration(i) * 100 * time.Millisecond
		w.handleFrame(ctx, annotationFrame(t, "lobby", uint64(i+1), t0.Add(at), person(500, 500, true)))
		drain(ctx, w)
		switch {
		case i < 10:
			require.Empty(t, rec.recognitions(), "frame %d", i)
		case i == 10:
			require.Len(t, rec.recognitions(), 1, "verified right after the second agreeing sample")
		}
	}

	assert.Len(t, pool.submitted, 3, "samples at t=0,1,2")
	recs := rec.recognitions()
	require.Len(t, recs, 1, "one recognition per track")
	assert.Equal(t, "P", recs[0].PersonID)
	assert.Equal(t, uint64(1), recs[0].TrackID)
	assert.InDelta(t, 0.69, recs[0].Confidence, 1e-9)
	assert.Equal(t, 2, recs[0].Agreeing)
	assert.Equal(t, 1.0, metrics.Sum("headcount_recognitions_total"))
}

func TestWorker_DefersSaturatedLookups(t *testing.T) {
	ctx := context.Background()
	store := &queueStore{queue: [][]identity.Candidate{highVotes(0.8)}}
	pool := &syncPool{resolver: identity.NewMatcher(identity.MatcherConfig{}, store), saturated: true}
	w, _ := newSyncWorker(t, CameraSpec{ID: "lobby"}, testSettings(t, 5), pool, nil)

	frame := func(i int) {
		at := time.Duration(i) * 100 * time.Millisecond
		w.handleFrame(ctx, annotationFrame(t, "lobby", uint64(i+1), t0.Add(at), person(500, 500, true)))
		drain(ctx, w)
	}
	frame(0)
	assert.Equal(t, 1, w.deferred.len())
	assert.Empty(t, pool.submitted)

	pool.saturated = false
	for i := 1; i <= 5; i++ {
		frame(i)
	}
	// The tick at frame 5 resubmits the deferred sample before the new one.
	require.Len(t, pool.submitted, 2)
	assert.Equal(t, t0, pool.submitted[0].Timestamp)
	assert.Equal(t, 0, w.deferred.len())
}

func TestWorker_DefersUnavailableAndDropsOnExpiry(t *testing.T) {
	ctx := context.Background()
	store := &queueStore{err: errStoreDown}
	pool := &syncPool{resolver: identity.NewMatcher(identity.MatcherConfig{}, store)}
	w, rec := newSyncWorker(t, CameraSpec{ID: "lobby"}, testSettings(t, 5), pool, nil)

	for i := 0; i < 10; i++ {
		at := time.Duration(i) * 100 * time.Millisecond
		w.handleFrame(ctx, annotationFrame(t, "lobby", uint64(i+1), t0.Add(at), person(500, 500, true)))
		drain(ctx, w)
	}
	// Frame 0 deferred; frame 5 retried it and added its own, both failed again.
	assert.Equal(t, 2, w.deferred.len())
	assert.Empty(t, rec.recognitions())

	// The person leaves; the track expires after the tracker timeout.
	w.handleFrame(ctx, annotationFrame(t, "lobby", 100, t0.Add(5*time.Second), detect.Annotation{}))
	assert.Equal(t, 0, w.deferred.len())
	assert.Equal(t, 0, w.Stats().Tracks)
}

func TestWorker_DropsRejectedQueries(t *testing.T) {
	ctx := context.Background()
	store := &queueStore{err: fmt.Errorf("%w: dimension 4, want 512", identity.ErrInvalidQuery)}
	pool := &syncPool{resolver: identity.NewMatcher(identity.MatcherConfig{}, store)}
	w, rec := newSyncWorker(t, CameraSpec{ID: "lobby"}, testSettings(t, 5), pool, nil)

	for i := 0; i < 10; i++ {
		at := time.Duration(i) * 100 * time.Millisecond
		w.handleFrame(ctx, annotationFrame(t, "lobby", uint64(i+1), t0.Add(at), person(500, 500, true)))
		drain(ctx, w)
	}
	assert.Equal(t, 2, store.lookups)
	assert.Equal(t, 0, w.deferred.len(), "rejected samples are not retried")
	_, open := w.verifier.Window(1)
	assert.False(t, open, "rejected samples take no verification slot")
	assert.Empty(t, rec.recognitions())
}

func TestWorker_IgnoresResultsForExpiredTracks(t *testing.T) {
	ctx := context.Background()
	w, rec := newSyncWorker(t, CameraSpec{ID: "lobby"}, testSettings(t, 30), &syncPool{}, nil)

	sample := identity.FaceSample{CameraID: "lobby", TrackID: 42, Timestamp: t0}
	w.handleResult(ctx, identity.MatchResult{Sample: sample, Status: identity.StatusMatch, PersonID: "P", Band: identity.BandHigh, Similarity: 0.9})
	w.handleResult(ctx, identity.MatchResult{Sample: sample, Status: identity.StatusMatch, PersonID: "P", Band: identity.BandHigh, Similarity: 0.9})
	assert.Empty(t, rec.recognitions())
	_, open := w.verifier.Window(42)
	assert.False(t, open)
}

func TestWorker_ZoneEntryAndGeometrySwap(t *testing.T) {
	ctx := context.Background()
	vault := counting.Zone{ID: "vault", Polygon: geom.Polygon{{X: 600, Y: 0}, {X: 1000, Y: 0}, {X: 1000, Y: 1000}, {X: 600, Y: 1000}}}
	w, rec := newSyncWorker(t, CameraSpec{ID: "lobby"}, testSettings(t, 30), &syncPool{}, nil)

	seq := uint64(0)
	walk := func(from, to float64) {
		for x := from; x <= to; x += 20 {
			seq++
			w.handleFrame(ctx, annotationFrame(t, "lobby", seq, t0.Add(time.Duration(seq)*100*time.Millisecond), person(x, 500, false)))
		}
	}
	walk(400, 700)
	assert.Empty(t, rec.zones(), "no zones configured yet")

	w.counter.SetGeometry(nil, []counting.Zone{vault})
	walk(700, 800)
	zs := rec.zones()
	require.Len(t, zs, 1)
	assert.Equal(t, "vault", zs[0].ZoneID)
}

func TestDeferredQueue(t *testing.T) {
	q := newDeferredQueue(3)
	for i := 1; i <= 5; i++ {
		q.push(identity.FaceSample{TrackID: uint64(i % 2), Quality: float64(i)})
	}
	assert.Equal(t, 3, q.len())
	assert.Equal(t, uint64(2), q.evicted)

	assert.Equal(t, 2, q.dropTrack(1))
	got := q.take()
	require.Len(t, got, 1)
	assert.Equal(t, 4.0, got[0].Quality)
	assert.Equal(t, 0, q.len())

	assert.Equal(t, 64, newDeferredQueue(0).capacity)
}
