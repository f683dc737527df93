package geom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBox_IoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float64
	}{
		{"identical", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1},
		{"disjoint", Box{0, 0, 10, 10}, Box{20, 20, 5, 5}, 0},
		{"half overlap", Box{0, 0, 10, 10}, Box{5, 0, 10, 10}, 50.0 / 150.0},
		{"empty", Box{0, 0, 0, 0}, Box{0, 0, 10, 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.IoU(tt.b), 1e-9)
		})
	}
}

func TestSegmentsIntersect(t *testing.T) {
	assert.True(t, SegmentsIntersect(Point{0, 0}, Point{10, 10}, Point{0, 10}, Point{10, 0}))
	assert.False(t, SegmentsIntersect(Point{0, 0}, Point{1, 1}, Point{5, 0}, Point{5, 10}))
	// touching at an endpoint counts
	assert.True(t, SegmentsIntersect(Point{0, 5}, Point{5, 5}, Point{5, 0}, Point{5, 10}))
}

func TestPolyline(t *testing.T) {
	line := Polyline{{0, 100}, {100, 100}, {200, 150}}
	assert.True(t, line.Intersects(Point{50, 80}, Point{50, 120}))
	assert.True(t, line.Intersects(Point{150, 100}, Point{150, 150}))
	assert.False(t, line.Intersects(Point{50, 80}, Point{60, 90}))
	assert.InDelta(t, 20, line.Distance(Point{50, 80}), 1e-9)
}

func TestPolygon_Contains(t *testing.T) {
	square := Polygon{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	assert.True(t, square.Contains(Point{5, 5}))
	assert.False(t, square.Contains(Point{15, 5}))
	assert.False(t, Polygon{}.Contains(Point{0, 0}))
}
