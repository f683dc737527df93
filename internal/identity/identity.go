// Package identity resolves face embeddings to registered people: a
// reference store lookup followed by a per-reference voting rule, guarded by
// a circuit breaker and executed on a bounded worker pool.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/headcount/internal/geom"
)

var (
	// ErrStoreUnavailable wraps every failure to reach a reference store.
	ErrStoreUnavailable = errors.New("reference store unavailable")
	// ErrInvalidQuery marks a lookup rejected for the query itself (zero
	// vector, wrong dimension). It says nothing about the store's health.
	ErrInvalidQuery = errors.New("invalid query embedding")
	// ErrPoolSaturated is returned by Pool.Submit when the queue is full.
	ErrPoolSaturated = errors.New("lookup pool saturated")
	// ErrPoolClosed is returned by Pool.Submit after Close.
	ErrPoolClosed = errors.New("lookup pool closed")
)

// Embedding is a fixed-length face feature vector.
type Embedding []float32

// Float64 converts e for the gonum vector routines.
func (e Embedding) Float64() []float64 {
	out := make([]float64, len(e))
	for i, v := range e {
		out[i] = float64(v)
	}
	return out
}

// FaceSample is one face crop observed on a track.
type FaceSample struct {
	CameraID  string
	TrackID   uint64
	Embedding Embedding
	Quality   float64
	Box       geom.Box
	Timestamp time.Time
}

// Reference is one enrolled embedding of a person.
type Reference struct {
	Embedding Embedding `json:"embedding"`
	Quality   float64   `json:"quality"`
}

// Record is a registered person and their reference embeddings.
type Record struct {
	PersonID    string      `json:"person_id"`
	DisplayName string      `json:"display_name,omitempty"`
	References  []Reference `json:"references"`
}

// Candidate is one person returned by a store lookup, with the similarity of
// the query to each of their references.
type Candidate struct {
	PersonID     string    `json:"person_id"`
	Similarities []float64 `json:"similarities"`
}

// Top returns the highest reference similarity.
func (c Candidate) Top() float64 {
	best := -1.0
	for _, s := range c.Similarities {
		if s > best {
			best = s
		}
	}
	return best
}

// Votes counts references whose similarity exceeds threshold.
func (c Candidate) Votes(threshold float64) int {
	n := 0
	for _, s := range c.Similarities {
		if s > threshold {
			n++
		}
	}
	return n
}

// VoteRatio is Votes over the number of references.
func (c Candidate) VoteRatio(threshold float64) float64 {
	if len(c.Similarities) == 0 {
		return 0
	}
	return float64(c.Votes(threshold)) / float64(len(c.Similarities))
}

// Status is the outcome of one lookup.
type Status string

const (
	StatusMatch       Status = "MATCH"
	StatusNoMatch     Status = "NO_MATCH"
	StatusAmbiguous   Status = "AMBIGUOUS"
	StatusUnavailable Status = "LOOKUP_UNAVAILABLE"
)

// Band grades the strength of a result.
type Band string

const (
	BandHigh   Band = "HIGH"
	BandMedium Band = "MEDIUM"
	BandLow    Band = "LOW"
	BandNone   Band = "NONE"
)

// AtLeastMedium reports whether b is MEDIUM or HIGH.
func (b Band) AtLeastMedium() bool { return b == BandHigh || b == BandMedium }

// TiedCandidate is one of the indistinguishable leaders of an AMBIGUOUS result.
type TiedCandidate struct {
	PersonID   string
	Similarity float64
	VoteRatio  float64
	Band       Band
}

// MatchResult is the matcher's verdict on one FaceSample.
type MatchResult struct {
	Sample       FaceSample
	Status       Status
	PersonID     string // set for MATCH only
	Band         Band
	VoteRatio    float64
	Similarity   float64   // top similarity of the leading candidate
	Similarities []float64 // per-reference similarities of the leading candidate
	Tied         []TiedCandidate
	Fallback     bool // answered from the fallback cache
	Err          error
}

// Vote is a (person, similarity) pair a result contributes to verification.
type Vote struct {
	PersonID   string
	Similarity float64
}

// Votes returns the MEDIUM-or-better votes carried by r: the person of a
// MATCH, or every tied candidate of an AMBIGUOUS result.
func (r MatchResult) Votes() []Vote {
	switch r.Status {
	case StatusMatch:
		if r.Band.AtLeastMedium() {
			return []Vote{{PersonID: r.PersonID, Similarity: r.Similarity}}
		}
	case StatusAmbiguous:
		out := make([]Vote, 0, len(r.Tied))
		for _, c := range r.Tied {
			if c.Band.AtLeastMedium() {
				out = append(out, Vote{PersonID: c.PersonID, Similarity: c.Similarity})
			}
		}
		return out
	}
	return nil
}

func (r MatchResult) String() string {
	switch r.Status {
	case StatusMatch:
		return fmt.Sprintf("%s %s %s ratio=%.2f sim=%.3f", r.Status, r.PersonID, r.Band, r.VoteRatio, r.Similarity)
	case StatusAmbiguous:
		return fmt.Sprintf("%s %d candidates sim=%.3f", r.Status, len(r.Tied), r.Similarity)
	case StatusUnavailable:
		return fmt.Sprintf("%s: %v", r.Status, r.Err)
	}
	return fmt.Sprintf("%s %s ratio=%.2f", r.Status, r.Band, r.VoteRatio)
}
