package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/banshee-data/headcount/internal/camera"
	"github.com/banshee-data/headcount/internal/counting"
	"github.com/banshee-data/headcount/internal/db"
	"github.com/banshee-data/headcount/internal/detect"
	"github.com/banshee-data/headcount/internal/geom"
	"github.com/banshee-data/headcount/internal/identity"
	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/pipeline"
	"github.com/banshee-data/headcount/internal/timeutil"
)

const (
	devFrameSize = 1000
	devFPS       = 15
)

// devIdentitySeeds are registered when dev mode runs without an import file.
// "visitor" walks through the demo but is never registered.
var devIdentitySeeds = []db.ImportRecord{
	{Record: identity.Record{PersonID: "alice", DisplayName: "Alice (demo)"}, Seed: "alice"},
	{Record: identity.Record{PersonID: "bob", DisplayName: "Bob (demo)"}, Seed: "bob"},
}

func seedDevIdentities(ctx context.Context, database *db.DB, path string, dim int) error {
	store := db.NewIdentityStore(database)
	if path != "" {
		n, err := store.ImportJSON(ctx, path, dim)
		if err != nil {
			return err
		}
		monitoring.Logf("[headcount] dev mode: imported %d identities from %s", n, path)
		return nil
	}
	records := make([]identity.Record, 0, len(devIdentitySeeds))
	for _, r := range devIdentitySeeds {
		records = append(records, r.Expand(dim))
	}
	if err := store.Upsert(ctx, records); err != nil {
		return err
	}
	monitoring.Logf("[headcount] dev mode: seeded %d demo identities", len(records))
	return nil
}

// devWalk is one person crossing the frame. Positions are interpolated
// linearly from start to end over the given number of frames.
type devWalk struct {
	seed       string
	start, end geom.Point
	frames     int
}

func (dw devWalk) annotations() []detect.Annotation {
	out := make([]detect.Annotation, 0, dw.frames)
	for i := 0; i < dw.frames; i++ {
		f := float64(i) / float64(dw.frames-1)
		c := geom.Point{X: dw.start.X + f*(dw.end.X-dw.start.X), Y: dw.start.Y + f*(dw.end.Y-dw.start.Y)}
		out = append(out, detect.Annotation{
			Persons: []detect.PersonDetection{{Box: geom.Box{X: c.X - 100, Y: c.Y - 200, W: 200, H: 400}, Score: 0.9}},
			Faces: []detect.AnnotatedFace{{
				Box:     geom.Box{X: c.X - 50, Y: c.Y - 180, W: 100, H: 100},
				Quality: 0.85,
				Seed:    dw.seed,
				Noise:   0.02,
			}},
		})
	}
	return out
}

// devScript loops the walks, each followed by an empty pause long enough
// for the track to expire.
func devScript(walks []devWalk, pause int, interval time.Duration, clk timeutil.Clock) (*camera.ScriptedSource, error) {
	src := &camera.ScriptedSource{Loop: true, Interval: interval, Clock: clk}
	add := func(ann detect.Annotation) error {
		data, err := json.Marshal(ann)
		if err != nil {
			return err
		}
		src.Frames = append(src.Frames, camera.ScriptedFrame{Frame: camera.Frame{
			Width: devFrameSize, Height: devFrameSize, ContentType: camera.AnnotationContentType, Data: data,
		}})
		return nil
	}
	for _, w := range walks {
		for _, ann := range w.annotations() {
			if err := add(ann); err != nil {
				return nil, err
			}
		}
		for i := 0; i < pause; i++ {
			if err := add(detect.Annotation{}); err != nil {
				return nil, err
			}
		}
	}
	return src, nil
}

// devCameras returns two synthetic cameras: a lobby door crossed in both
// directions by registered people and a corridor with a restricted zone
// entered by an unregistered visitor.
func devCameras(clk timeutil.Clock) ([]pipeline.CameraSpec, error) {
	interval := time.Second / devFPS
	pause := 3 * devFPS

	lobby, err := devScript([]devWalk{
		{seed: "alice", start: geom.Point{X: 500, Y: 250}, end: geom.Point{X: 500, Y: 850}, frames: 5 * devFPS},
		{seed: "bob", start: geom.Point{X: 400, Y: 850}, end: geom.Point{X: 400, Y: 250}, frames: 5 * devFPS},
	}, pause, interval, clk)
	if err != nil {
		return nil, err
	}
	corridor, err := devScript([]devWalk{
		{seed: "visitor", start: geom.Point{X: 150, Y: 500}, end: geom.Point{X: 850, Y: 500}, frames: 6 * devFPS},
	}, pause, interval, clk)
	if err != nil {
		return nil, err
	}

	return []pipeline.CameraSpec{
		{
			ID:        "dev-lobby",
			Source:    lobby,
			SourceKey: "dev|lobby",
			Lines:     []counting.Line{{ID: "door", Points: geom.Polyline{{X: 0, Y: 550}, {X: devFrameSize, Y: 550}}}},
		},
		{
			ID:        "dev-corridor",
			Source:    corridor,
			SourceKey: "dev|corridor",
			Zones: []counting.Zone{{ID: "server-room", Polygon: geom.Polygon{
				{X: 700, Y: 0}, {X: devFrameSize, Y: 0}, {X: devFrameSize, Y: devFrameSize}, {X: 700, Y: devFrameSize},
			}}},
		},
	}, nil
}
