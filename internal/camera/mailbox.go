package camera

import (
	"context"
	"sync"
	"sync/atomic"
)

// Mailbox is a single-slot frame buffer between the reader and the detection
// stage. Put never blocks: an unconsumed frame is overwritten and counted as
// a drop, so a slow consumer sees the newest frame instead of a backlog.
type Mailbox struct {
	mu    sync.Mutex
	frame *Frame
	ready chan struct{}
	drops atomic.Uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Put stores f, reporting whether an unconsumed frame was overwritten.
func (m *Mailbox) Put(f Frame) (dropped bool) {
	m.mu.Lock()
	if m.frame != nil {
		dropped = true
		m.drops.Add(1)
	}
	m.frame = &f
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Take blocks until a frame is available or ctx is done.
func (m *Mailbox) Take(ctx context.Context) (Frame, error) {
	for {
		if f, ok := m.TryTake(); ok {
			return f, nil
		}
		select {
		case <-m.ready:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Ready is signalled after Put. A receive does not guarantee a frame;
// follow it with TryTake.
func (m *Mailbox) Ready() <-chan struct{} { return m.ready }

// TryTake returns the pending frame without blocking.
func (m *Mailbox) TryTake() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame == nil {
		return Frame{}, false
	}
	f := *m.frame
	m.frame = nil
	return f, true
}

// Drops returns the number of overwritten frames.
func (m *Mailbox) Drops() uint64 { return m.drops.Load() }
