// Package events defines the events the pipeline emits and the publisher
// that buffers them on their way to a downstream sink.
package events

import (
	"time"

	"github.com/banshee-data/headcount/internal/camera"
	"github.com/banshee-data/headcount/internal/counting"
	"github.com/banshee-data/headcount/internal/verify"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindRecognition      Kind = "recognition"
	KindCrossing         Kind = "crossing"
	KindConnectionStatus Kind = "connection_status"
	KindZone             Kind = "zone"
)

// Event is implemented by every payload the publisher accepts.
type Event interface {
	Kind() Kind
	Camera() string
	Time() time.Time
}

// Recognition reports a verified identity for a track.
type Recognition struct {
	CameraID   string    `json:"camera_id"`
	TrackID    uint64    `json:"track_id"`
	PersonID   string    `json:"person_id"`
	Confidence float64   `json:"confidence"`
	Agreeing   int       `json:"agreeing"`
	Timestamp  time.Time `json:"timestamp"`
}

func (Recognition) Kind() Kind        { return KindRecognition }
func (e Recognition) Camera() string  { return e.CameraID }
func (e Recognition) Time() time.Time { return e.Timestamp }

// Crossing reports a track crossing a counting line.
type Crossing struct {
	CameraID  string    `json:"camera_id"`
	LineID    string    `json:"line_id"`
	TrackID   uint64    `json:"track_id"`
	Direction string    `json:"direction"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Timestamp time.Time `json:"timestamp"`
}

func (Crossing) Kind() Kind        { return KindCrossing }
func (e Crossing) Camera() string  { return e.CameraID }
func (e Crossing) Time() time.Time { return e.Timestamp }

// ConnectionStatus reports a camera connection state change.
type ConnectionStatus struct {
	CameraID    string     `json:"camera_id"`
	State       string     `json:"state"`
	Attempt     int        `json:"retry_count"`
	DelaySecs   float64    `json:"delay_secs,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Error       string     `json:"error,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

func (ConnectionStatus) Kind() Kind        { return KindConnectionStatus }
func (e ConnectionStatus) Camera() string  { return e.CameraID }
func (e ConnectionStatus) Time() time.Time { return e.Timestamp }

// Zone reports a track entering a restricted zone.
type Zone struct {
	CameraID  string    `json:"camera_id"`
	ZoneID    string    `json:"zone_id"`
	TrackID   uint64    `json:"track_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (Zone) Kind() Kind        { return KindZone }
func (e Zone) Camera() string  { return e.CameraID }
func (e Zone) Time() time.Time { return e.Timestamp }

// NewRecognition converts a verified recognition.
func NewRecognition(r verify.Recognition) Recognition {
	return Recognition{
		CameraID:   r.CameraID,
		TrackID:    r.TrackID,
		PersonID:   r.PersonID,
		Confidence: r.Confidence,
		Agreeing:   r.Agreeing,
		Timestamp:  r.Timestamp,
	}
}

// NewCrossing converts a counter crossing.
func NewCrossing(c counting.Crossing) Crossing {
	return Crossing{
		CameraID:  c.CameraID,
		LineID:    c.LineID,
		TrackID:   c.TrackID,
		Direction: string(c.Direction),
		X:         c.Point.X,
		Y:         c.Point.Y,
		Timestamp: c.Timestamp,
	}
}

// NewZone converts a zone entry.
func NewZone(z counting.ZoneEntry) Zone {
	return Zone{CameraID: z.CameraID, ZoneID: z.ZoneID, TrackID: z.TrackID, Timestamp: z.Timestamp}
}

// NewConnectionStatus converts a supervisor status report.
func NewConnectionStatus(s camera.Status) ConnectionStatus {
	e := ConnectionStatus{
		CameraID:  s.CameraID,
		State:     s.State.String(),
		Attempt:   s.Attempt,
		DelaySecs: s.Delay.Seconds(),
		Error:     s.Err,
		Timestamp: s.Timestamp,
	}
	if !s.LastSuccess.IsZero() {
		t := s.LastSuccess
		e.LastSuccess = &t
	}
	return e
}

// Envelope is the unit buffered by the publisher and written to sinks.
type Envelope struct {
	ID        string    `json:"id"`
	CameraID  string    `json:"camera_id"`
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Event     `json:"payload"`
}
