package pipeline

import "github.com/banshee-data/headcount/internal/identity"

// deferredQueue parks face samples whose lookup could not run. It is owned
// by one camera goroutine; when full the oldest sample is evicted.
type deferredQueue struct {
	capacity int
	items    []identity.FaceSample
	evicted  uint64
}

func newDeferredQueue(capacity int) *deferredQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &deferredQueue{capacity: capacity}
}

func (q *deferredQueue) push(s identity.FaceSample) {
	if len(q.items) == q.capacity {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.evicted++
	}
	q.items = append(q.items, s)
}

// take empties the queue, oldest first.
func (q *deferredQueue) take() []identity.FaceSample {
	out := q.items
	q.items = nil
	return out
}

// dropTrack discards the samples of an expired track.
func (q *deferredQueue) dropTrack(track uint64) int {
	kept := q.items[:0]
	for _, s := range q.items {
		if s.TrackID != track {
			kept = append(kept, s)
		}
	}
	n := len(q.items) - len(kept)
	q.items = kept
	return n
}

func (q *deferredQueue) len() int { return len(q.items) }
