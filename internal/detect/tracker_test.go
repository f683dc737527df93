package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headcount/internal/geom"
)

func det(x, y float64) PersonDetection {
	return PersonDetection{Box: geom.Box{X: x, Y: y, W: 100, H: 200}, Score: 0.9}
}

func TestTracker_AssociatesByIoU(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	t0 := time.Unix(0, 0)

	obs, _ := tr.Update([]PersonDetection{det(0, 0), det(500, 0)}, t0)
	require.Len(t, obs, 2)
	assert.Equal(t, uint64(1), obs[0].ID)
	assert.Equal(t, uint64(2), obs[1].ID)

	// Small moves keep their ids; the order of detections does not matter.
	obs, _ = tr.Update([]PersonDetection{det(510, 5), det(10, 5)}, t0.Add(100*time.Millisecond))
	require.Len(t, obs, 2)
	assert.Equal(t, uint64(1), obs[0].ID)
	assert.Equal(t, 10.0, obs[0].Box.X)
	assert.Equal(t, uint64(2), obs[1].ID)
	assert.Equal(t, 510.0, obs[1].Box.X)
	assert.Equal(t, 2, obs[0].History.Len())
}

func TestTracker_LowOverlapStartsNewTrack(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	t0 := time.Unix(0, 0)
	tr.Update([]PersonDetection{det(0, 0)}, t0)
	obs, _ := tr.Update([]PersonDetection{det(80, 0)}, t0.Add(time.Second)) // IoU 20/180
	require.Len(t, obs, 1)
	assert.Equal(t, uint64(2), obs[0].ID)
	assert.Equal(t, 2, tr.Len())
}

func TestTracker_ExpiresAndNeverReusesIDs(t *testing.T) {
	tr := NewTracker(TrackerConfig{Timeout: 2 * time.Second})
	t0 := time.Unix(0, 0)
	tr.Update([]PersonDetection{det(0, 0)}, t0)

	_, expired := tr.Update(nil, t0.Add(2*time.Second))
	assert.Empty(t, expired, "exactly at the timeout the track is still live")

	_, expired = tr.Update(nil, t0.Add(2001*time.Millisecond))
	assert.Equal(t, []uint64{1}, expired)
	assert.Equal(t, 0, tr.Len())

	obs, _ := tr.Update([]PersonDetection{det(0, 0)}, t0.Add(3*time.Second))
	require.Len(t, obs, 1)
	assert.Equal(t, uint64(2), obs[0].ID)
}

func TestTracker_GapLongerThanTimeoutStartsNewTrack(t *testing.T) {
	tr := NewTracker(TrackerConfig{Timeout: 2 * time.Second})
	t0 := time.Unix(0, 0)
	obs, _ := tr.Update([]PersonDetection{det(0, 0)}, t0)
	require.Len(t, obs, 1)
	require.Equal(t, uint64(1), obs[0].ID)

	// No frames for a minute, then someone appears in the same place.
	obs, expired := tr.Update([]PersonDetection{det(0, 0)}, t0.Add(time.Minute))
	assert.Equal(t, []uint64{1}, expired)
	require.Len(t, obs, 1)
	assert.Equal(t, uint64(2), obs[0].ID)
	assert.Equal(t, t0.Add(time.Minute), obs[0].FirstSeen)
	assert.Equal(t, 1, tr.Len())
}

func TestHistory_Ring(t *testing.T) {
	h := newHistory(30)
	t0 := time.Unix(0, 0)
	for i := 0; i < 45; i++ {
		h.Add(Sample{Point: geom.Point{X: float64(i)}, Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	assert.Equal(t, 30, h.Len())
	s := h.Samples()
	require.Len(t, s, 30)
	assert.Equal(t, 15.0, s[0].Point.X)
	assert.Equal(t, 44.0, s[29].Point.X)
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, 44.0, last.Point.X)
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	tr.Update([]PersonDetection{det(0, 0), det(400, 0)}, time.Unix(0, 0))
	assert.Equal(t, []uint64{1, 2}, tr.Reset())
	obs, _ := tr.Update([]PersonDetection{det(0, 0)}, time.Unix(1, 0))
	assert.Equal(t, uint64(3), obs[0].ID)
}
