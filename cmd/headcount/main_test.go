package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headcount/internal/camera"
	"github.com/banshee-data/headcount/internal/config"
	"github.com/banshee-data/headcount/internal/counting"
	"github.com/banshee-data/headcount/internal/db"
	"github.com/banshee-data/headcount/internal/detect"
	"github.com/banshee-data/headcount/internal/events"
	"github.com/banshee-data/headcount/internal/identity"
	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/pipeline"
	"github.com/banshee-data/headcount/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func tempDB(t *testing.T) (*db.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "headcount.db")
	database, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database, path
}

func TestLoadConfigWithoutPath(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Cameras)
	assert.Equal(t, "sqlite", cfg.GetSink().Kind)
}

func TestMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	var out bytes.Buffer

	require.NoError(t, migrateCommand(&out, []string{"status"}, path))
	assert.Equal(t, "schema version 0 of 2\n", out.String())

	out.Reset()
	require.NoError(t, migrateCommand(&out, []string{"up"}, path))
	assert.Equal(t, "schema version 2 of 2\n", out.String())

	out.Reset()
	require.NoError(t, migrateCommand(&out, []string{"down"}, path))
	assert.Equal(t, "schema version 1 of 2\n", out.String())

	assert.ErrorIs(t, migrateCommand(&out, []string{"sideways"}, path), errUsage)
	assert.ErrorIs(t, migrateCommand(&out, nil, path), errUsage)
}

func TestIdentitiesCommand(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ids.db")
	file := filepath.Join(dir, "ids.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"records": [{"person_id": "alice", "seed": "alice", "seed_refs": 3}]}`), 0o644))

	var out bytes.Buffer
	require.NoError(t, identitiesCommand(ctx, &out, []string{"import", file}, path, 8))
	assert.Contains(t, out.String(), "imported 1 identities")

	out.Reset()
	require.NoError(t, identitiesCommand(ctx, &out, []string{"count"}, path, 8))
	assert.Equal(t, "1 identities, 3 reference embeddings\n", out.String())

	out.Reset()
	require.NoError(t, identitiesCommand(ctx, &out, []string{"remove", "alice"}, path, 8))
	assert.Error(t, identitiesCommand(ctx, &out, []string{"remove", "alice"}, path, 8))
	assert.ErrorIs(t, identitiesCommand(ctx, &out, []string{"import"}, path, 8), errUsage)
}

func TestBuildSink(t *testing.T) {
	database, _ := tempDB(t)

	tests := []struct {
		name    string
		sc      config.SinkConfig
		wantErr bool
	}{
		{name: "sqlite", sc: config.SinkConfig{Kind: "sqlite"}},
		{name: "log", sc: config.SinkConfig{Kind: "log", Codec: "proto"}},
		{name: "with grpc probe", sc: config.SinkConfig{Kind: "log", GRPCHealthAddr: "127.0.0.1:1"}},
		{name: "unknown kind", sc: config.SinkConfig{Kind: "carrier-pigeon"}, wantErr: true},
		{name: "unknown codec", sc: config.SinkConfig{Kind: "log", Codec: "xml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := buildSink(tt.sc, database)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer b.close()
			assert.NotNil(t, b.sink)
			assert.NotNil(t, b.probe)
		})
	}
}

func TestBuildSinkSQLiteRecordsEvents(t *testing.T) {
	ctx := context.Background()
	database, _ := tempDB(t)
	b, err := buildSink(config.SinkConfig{Kind: "sqlite"}, database)
	require.NoError(t, err)

	pub := events.NewPublisher(events.PublisherConfig{Sink: b.sink, Probe: b.probe})
	pub.Publish(events.Crossing{CameraID: "lobby", LineID: "door", TrackID: 1, Direction: "IN", Timestamp: time.Now()})
	require.NoError(t, pub.Flush(ctx))

	counts, err := db.NewEventLog(database).CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[events.KindCrossing])
}

func TestBuildResolver(t *testing.T) {
	ctx := context.Background()
	database, _ := tempDB(t)
	cfg, err := config.Parse([]byte(`{"matching": {"embedding_dim": 16}}`))
	require.NoError(t, err)
	require.NoError(t, seedDevIdentities(ctx, database, "", 16))

	matcher, reloader, err := buildResolver(cfg, database, monitoring.NewMetrics())
	require.NoError(t, err)
	require.NoError(t, reloader.Reload(ctx))

	res := matcher.Match(ctx, identity.FaceSample{
		CameraID:  "lobby",
		TrackID:   1,
		Embedding: identity.SyntheticEmbedding("alice", 16),
		Timestamp: time.Now(),
	})
	assert.Equal(t, identity.StatusMatch, res.Status)
	assert.Equal(t, "alice", res.PersonID)

	_, _, err = buildResolver(&config.Config{Matching: &config.MatchingConfig{Store: strPtr("redis")}}, database, nil)
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }

func TestBuildAlertsWithoutBroker(t *testing.T) {
	sink, closeFn, err := buildAlerts(config.AlertsConfig{})
	require.NoError(t, err)
	defer closeFn()
	assert.Len(t, sink.(monitoring.MultiAlertSink), 1)
}

func TestDevCamerasCrossAndEnter(t *testing.T) {
	cams, err := devCameras(timeutil.NewMockClock(time.Now()))
	require.NoError(t, err)
	require.Len(t, cams, 2)

	backend, err := detect.NewBackend("annotated", detect.BackendOptions{EmbeddingDim: 16})
	require.NoError(t, err)

	for _, spec := range cams {
		t.Run(spec.ID, func(t *testing.T) {
			src, ok := spec.Source.(*camera.ScriptedSource)
			require.True(t, ok)
			assert.True(t, src.Loop)

			counter := counting.NewCounter(spec.ID, spec.Lines, spec.Zones, 15, nil)
			tracker := detect.NewTracker(detect.TrackerConfig{})
			var crossings []counting.Crossing
			var entries []counting.ZoneEntry
			ts := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
			for _, step := range src.Frames {
				ts = ts.Add(src.Interval)
				dets, err := backend.Detect(context.Background(), step.Frame)
				require.NoError(t, err)
				tracks, _ := tracker.Update(dets, ts)
				for _, tr := range tracks {
					cs, zs := counter.Observe(tr.ID, tr.Center(), ts)
					crossings = append(crossings, cs...)
					entries = append(entries, zs...)
				}
			}
			switch spec.ID {
			case "dev-lobby":
				require.Len(t, crossings, 2)
				assert.Equal(t, counting.DirectionIn, crossings[0].Direction)
				assert.Equal(t, counting.DirectionOut, crossings[1].Direction)
			case "dev-corridor":
				require.Len(t, entries, 1)
				assert.Equal(t, "server-room", entries[0].ZoneID)
			}
		})
	}
}

type fakeRuntime map[string]pipeline.WorkerStats

func (f fakeRuntime) Stats() map[string]pipeline.WorkerStats { return f }

type fakePublisher events.Stats

func (f fakePublisher) Stats() events.Stats { return events.Stats(f) }

func TestStatusServer(t *testing.T) {
	clk := timeutil.NewMockClock(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))
	started := clk.Now()
	clk.Advance(90 * time.Second)
	rt := fakeRuntime{"lobby": {
		Camera:    camera.Status{CameraID: "lobby", State: camera.StateConnected, LastSuccess: clk.Now()},
		Tracks:    2,
		Crossings: 5,
	}}

	tests := []struct {
		name     string
		path     string
		method   string
		pub      fakePublisher
		wantCode int
	}{
		{"healthy", "/healthz", http.MethodGet, fakePublisher{Healthy: true}, http.StatusOK},
		{"degraded", "/healthz", http.MethodGet, fakePublisher{Healthy: false, Depth: 12}, http.StatusServiceUnavailable},
		{"status", "/status", http.MethodGet, fakePublisher{Healthy: true}, http.StatusOK},
		{"post status", "/status", http.MethodPost, fakePublisher{Healthy: true}, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &statusServer{cameras: rt, publisher: tt.pub, metrics: monitoring.NewMetrics(), clock: clk, started: started}
			rr := httptest.NewRecorder()
			s.ServeMux().ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, rr.Code)
		})
	}

	s := &statusServer{cameras: rt, publisher: fakePublisher{Healthy: true, Depth: 3}, clock: clk, started: started}
	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	var got statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 90.0, got.UptimeSecs)
	assert.Equal(t, 3, got.Publisher.Depth)
	lobby := got.Cameras["lobby"]
	assert.Equal(t, "CONNECTED", lobby.State)
	assert.Equal(t, 2, lobby.Tracks)
	assert.Equal(t, uint64(5), lobby.Crossings)
	require.NotNil(t, lobby.LastSuccess)
}
