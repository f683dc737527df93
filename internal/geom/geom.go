// Package geom holds the image-plane geometry shared by tracking and
// counting: points, axis-aligned boxes, polylines and polygons, all in pixels.
package geom

import "math"

// Point is a position in image pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

// Cross returns the z component of p × q.
func (p Point) Cross(q Point) float64 { return p.X*q.Y - p.Y*q.X }

func (p Point) Dist(q Point) float64 { return math.Hypot(p.X-q.X, p.Y-q.Y) }

// Box is an axis-aligned rectangle with its top-left corner at (X, Y).
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (b Box) Center() Point { return Point{b.X + b.W/2, b.Y + b.H/2} }

func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Intersection returns the overlapping area of b and o.
func (b Box) Intersection(o Box) float64 {
	x0 := math.Max(b.X, o.X)
	y0 := math.Max(b.Y, o.Y)
	x1 := math.Min(b.X+b.W, o.X+o.W)
	y1 := math.Min(b.Y+b.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	return (x1 - x0) * (y1 - y0)
}

// IoU returns intersection over union, 0 for disjoint or empty boxes.
func (b Box) IoU(o Box) float64 {
	inter := b.Intersection(o)
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Contains reports whether p lies inside b (edges included).
func (b Box) Contains(p Point) bool {
	return p.X >= b.X && p.X <= b.X+b.W && p.Y >= b.Y && p.Y <= b.Y+b.H
}

// SegmentsIntersect reports whether segment p1-p2 touches segment q1-q2.
func SegmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := orient(q1, q2, p1)
	d2 := orient(q1, q2, p2)
	d3 := orient(p1, p2, q1)
	d4 := orient(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

func orient(a, b, p Point) float64 { return b.Sub(a).Cross(p.Sub(a)) }

func onSegment(a, b, p Point) bool {
	return p.X >= math.Min(a.X, b.X) && p.X <= math.Max(a.X, b.X) &&
		p.Y >= math.Min(a.Y, b.Y) && p.Y <= math.Max(a.Y, b.Y)
}

// DistToSegment returns the distance from p to segment a-b.
func DistToSegment(p, a, b Point) float64 {
	ab := b.Sub(a)
	l2 := ab.X*ab.X + ab.Y*ab.Y
	if l2 == 0 {
		return p.Dist(a)
	}
	t := ((p.X-a.X)*ab.X + (p.Y-a.Y)*ab.Y) / l2
	t = math.Max(0, math.Min(1, t))
	return p.Dist(Point{a.X + t*ab.X, a.Y + t*ab.Y})
}

// Polyline is an open chain of segments.
type Polyline []Point

// Intersects reports whether segment a-b crosses any segment of the line.
func (l Polyline) Intersects(a, b Point) bool {
	for i := 0; i+1 < len(l); i++ {
		if SegmentsIntersect(a, b, l[i], l[i+1]) {
			return true
		}
	}
	return false
}

// Distance returns the distance from p to the nearest segment.
func (l Polyline) Distance(p Point) float64 {
	if len(l) == 1 {
		return p.Dist(l[0])
	}
	best := math.Inf(1)
	for i := 0; i+1 < len(l); i++ {
		best = math.Min(best, DistToSegment(p, l[i], l[i+1]))
	}
	return best
}

// Polygon is a closed ring; the last vertex connects back to the first.
type Polygon []Point

// Contains reports whether p is inside the polygon (even-odd rule).
func (pg Polygon) Contains(p Point) bool {
	inside := false
	for i, j := 0, len(pg)-1; i < len(pg); j, i = i, i+1 {
		a, b := pg[i], pg[j]
		if (a.Y > p.Y) != (b.Y > p.Y) && p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
	}
	return inside
}
