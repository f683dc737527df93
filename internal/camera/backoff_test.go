package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(30*time.Second, 1.5, 300*time.Second)

	want := []time.Duration{
		30 * time.Second,
		45 * time.Second,
		67500 * time.Millisecond,
		101250 * time.Millisecond,
		151875 * time.Millisecond,
		227812500 * time.Microsecond,
		300 * time.Second,
		300 * time.Second,
	}
	var prev time.Duration
	for i, w := range want {
		got := b.Next()
		assert.Equal(t, w, got, "attempt %d", i+1)
		assert.GreaterOrEqual(t, got, prev, "backoff decreased at attempt %d", i+1)
		prev = got
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(0, 0, 0)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 30*time.Second, b.Next())
}

func TestNewBackoff_MaxBelowInitial(t *testing.T) {
	b := NewBackoff(time.Minute, 2, time.Second)
	assert.Equal(t, time.Minute, b.Next())
	assert.Equal(t, time.Minute, b.Next())
}
