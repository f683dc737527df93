package detect

// Rejection reasons reported by the quality gate.
const (
	RejectTooSmall   = "too_small"
	RejectLowQuality = "low_quality"
)

// QualityGate filters faces too small or too poor to embed reliably.
type QualityGate struct {
	MinPixels  float64 // minimum face width and height (default 80)
	MinQuality float64 // minimum detector quality (default 0.5)
}

// Check returns "" for an accepted face or the rejection reason.
func (g QualityGate) Check(f FaceDetection) string {
	minPx := g.MinPixels
	if minPx <= 0 {
		minPx = 80
	}
	minQ := g.MinQuality
	if minQ <= 0 {
		minQ = 0.5
	}
	if f.Box.W < minPx || f.Box.H < minPx {
		return RejectTooSmall
	}
	if f.Quality < minQ {
		return RejectLowQuality
	}
	return ""
}
