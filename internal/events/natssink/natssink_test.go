package natssink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headcount/internal/events"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	connected  bool
	publishErr error
	flushErr   error
	msgs       []published
	flushes    int
	closed     bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.msgs = append(c.msgs, published{subject, data})
	return nil
}

func (c *fakeConn) FlushWithContext(context.Context) error {
	c.flushes++
	return c.flushErr
}

func (c *fakeConn) IsConnected() bool { return c.connected }
func (c *fakeConn) Close()            { c.closed = true }

func batch() []events.Envelope {
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	cross := events.Crossing{CameraID: "door", LineID: "l1", TrackID: 1, Direction: "IN", Timestamp: ts}
	zone := events.Zone{CameraID: "door", ZoneID: "z1", TrackID: 1, Timestamp: ts}
	return []events.Envelope{
		{ID: "a", CameraID: "door", Seq: 1, Kind: cross.Kind(), Timestamp: ts, Payload: cross},
		{ID: "b", CameraID: "door", Seq: 2, Kind: zone.Kind(), Timestamp: ts, Payload: zone},
	}
}

func TestSink_Write(t *testing.T) {
	c := &fakeConn{connected: true}
	s := newSink(c, "", nil)

	require.NoError(t, s.Write(context.Background(), batch()))
	require.Len(t, c.msgs, 2)
	assert.Equal(t, "headcount.events.crossing", c.msgs[0].subject)
	assert.Equal(t, "headcount.events.zone", c.msgs[1].subject)
	assert.Equal(t, 1, c.flushes)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(c.msgs[0].data, &got))
	assert.Equal(t, "a", got["id"])
	assert.Equal(t, "l1", got["payload"].(map[string]interface{})["line_id"])
}

func TestSink_Failures(t *testing.T) {
	tests := []struct {
		name string
		conn *fakeConn
	}{
		{"disconnected", &fakeConn{}},
		{"publish error", &fakeConn{connected: true, publishErr: errors.New("slow consumer")}},
		{"flush error", &fakeConn{connected: true, flushErr: context.DeadlineExceeded}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSink(tt.conn, "site", events.ProtoCodec{})
			assert.Error(t, s.Write(context.Background(), batch()))
		})
	}
}

func TestSink_CheckAndClose(t *testing.T) {
	c := &fakeConn{}
	s := newSink(c, "site", nil)
	assert.Error(t, s.Check(context.Background()))
	c.connected = true
	assert.NoError(t, s.Check(context.Background()))
	assert.Equal(t, "site.zone", s.Subject(batch()[1]))
	s.Close()
	assert.True(t, c.closed)
}
