// Package camera owns the connection to each video source: it opens the
// stream, reads frames under a timeout, and repairs the connection with
// exponential backoff for as long as the camera stays configured.
package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrReadTimeout is returned when a frame read exceeds the read timeout.
var ErrReadTimeout = errors.New("frame read timed out")

// Frame is one decoded image from a camera. The pipeline treats Data as
// opaque; detection backends interpret it according to ContentType.
type Frame struct {
	CameraID    string
	Seq         uint64
	Timestamp   time.Time
	Width       int
	Height      int
	ContentType string
	Data        []byte
}

// Source opens a stream for one camera.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open connection delivering frames.
type Stream interface {
	// Read blocks until a frame is available or ctx is done.
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Stream, error)

func (f SourceFunc) Open(ctx context.Context) (Stream, error) { return f(ctx) }

// ConnectionState is the supervisor state for one camera.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateBackoff
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateBackoff:
		return "BACKOFF"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// Status is a snapshot of a camera connection.
type Status struct {
	CameraID    string
	State       ConnectionState
	Attempt     int           // consecutive failed connection cycles
	Delay       time.Duration // current backoff delay, set in BACKOFF
	LastSuccess time.Time
	Timestamp   time.Time
	Err         string
}
