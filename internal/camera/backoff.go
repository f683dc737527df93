package camera

import "time"

// Backoff produces the reconnect delay sequence: Initial, then multiplied by
// Multiplier after each failed cycle, capped at Max. It only goes back down
// on Reset.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration

	next time.Duration
}

// NewBackoff returns a Backoff with the given parameters; zero values take
// the defaults 30s, 1.5 and 300s.
func NewBackoff(initial time.Duration, multiplier float64, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 30 * time.Second
	}
	if multiplier < 1 {
		multiplier = 1.5
	}
	if max <= 0 {
		max = 300 * time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Multiplier: multiplier, Max: max, next: initial}
}

// Next returns the delay for the current failed cycle and advances.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Initial
	}
	d := b.next
	grown := time.Duration(float64(b.next) * b.Multiplier)
	if grown > b.Max || grown < b.next {
		grown = b.Max
	}
	b.next = grown
	return d
}

// Reset returns the sequence to Initial after a successful cycle.
func (b *Backoff) Reset() {
	b.next = b.Initial
}
