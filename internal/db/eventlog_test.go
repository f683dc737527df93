package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headcount/internal/events"
)

func TestEventLog_WriteIsIdempotent(t *testing.T) {
	d := openTestDB(t)
	log := NewEventLog(d)
	ctx := context.Background()

	p := events.NewPublisher(events.PublisherConfig{Sink: log})
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	p.Publish(events.Crossing{CameraID: "door", LineID: "l1", TrackID: 1, Direction: "IN", Timestamp: ts})
	p.Publish(events.Crossing{CameraID: "door", LineID: "l1", TrackID: 2, Direction: "OUT", Timestamp: ts.Add(time.Second)})
	p.Publish(events.Zone{CameraID: "door", ZoneID: "z", TrackID: 2, Timestamp: ts.Add(2 * time.Second)})

	batch := p.Pending()
	require.NoError(t, log.Write(ctx, batch))
	require.NoError(t, log.Write(ctx, batch), "redelivery after an unacknowledged write")

	counts, err := log.CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[events.Kind]int{events.KindCrossing: 2, events.KindZone: 1}, counts)

	recent, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, events.KindZone, recent[0].Kind)
	assert.Equal(t, uint64(3), recent[0].Seq)
	assert.Equal(t, ts.Add(2*time.Second), recent[0].Timestamp)
	assert.Contains(t, recent[1].Payload, `"direction":"OUT"`)

	assert.NoError(t, log.Check(ctx))
}

func TestEventLog_PublisherFlush(t *testing.T) {
	d := openTestDB(t)
	log := NewEventLog(d)
	p := events.NewPublisher(events.PublisherConfig{Sink: log, BatchSize: 2})
	for i := 0; i < 5; i++ {
		p.Publish(events.Zone{CameraID: "cam", ZoneID: "z", TrackID: uint64(i), Timestamp: time.Unix(int64(i), 0)})
	}
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 0, p.Len())

	counts, err := log.CountByKind(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, counts[events.KindZone])
}

func TestEventLog_CheckFailsWhenClosed(t *testing.T) {
	d := openTestDB(t)
	log := NewEventLog(d)
	require.NoError(t, d.Close())
	assert.Error(t, log.Check(context.Background()))
	assert.Error(t, log.Write(context.Background(), nil))
}
