package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/headcount/internal/timeutil"
)

// AnnotationContentType marks frames whose Data is a JSON document of
// detections rather than image bytes. The annotated detection backend reads
// these; they drive dev mode and tests.
const AnnotationContentType = "application/x-headcount-annotations+json"

// ScriptedFrame is one step of a ScriptedSource. A non-nil Err makes the
// read fail instead of returning Frame.
type ScriptedFrame struct {
	Frame Frame
	Err   error
}

// ScriptedSource replays a fixed sequence of frames. The first OpenFailures
// calls to Open fail, which lets tests drive the reconnect path.
type ScriptedSource struct {
	Frames       []ScriptedFrame
	Loop         bool
	Interval     time.Duration // pause between frames; zero replays at full speed
	OpenFailures int
	Clock        timeutil.Clock

	mu    sync.Mutex
	opens int
	pos   int
}

// Open returns a stream positioned after the frames already replayed.
func (s *ScriptedSource) Open(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.opens <= s.OpenFailures {
		return nil, fmt.Errorf("scripted source: open %d refused", s.opens)
	}
	return &scriptedStream{src: s}, nil
}

// Opens returns how many times Open was called.
func (s *ScriptedSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *ScriptedSource) next() (ScriptedFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.Frames) {
		if !s.Loop || len(s.Frames) == 0 {
			return ScriptedFrame{}, false
		}
		s.pos = 0
	}
	f := s.Frames[s.pos]
	s.pos++
	return f, true
}

type scriptedStream struct {
	src    *ScriptedSource
	closed bool
}

func (st *scriptedStream) Read(ctx context.Context) (Frame, error) {
	if st.closed {
		return Frame{}, errors.New("scripted source: stream closed")
	}
	if st.src.Interval > 0 {
		clk := st.src.Clock
		if clk == nil {
			clk = timeutil.RealClock{}
		}
		select {
		case <-clk.After(st.src.Interval):
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
	step, ok := st.src.next()
	if !ok {
		<-ctx.Done()
		return Frame{}, ctx.Err()
	}
	if step.Err != nil {
		return Frame{}, step.Err
	}
	f := step.Frame
	if st.src.Clock != nil && f.Timestamp.IsZero() {
		f.Timestamp = st.src.Clock.Now()
	}
	return f, nil
}

func (st *scriptedStream) Close() error {
	st.closed = true
	return nil
}

type scriptFile struct {
	FPS    float64           `json:"fps"`
	Loop   bool              `json:"loop"`
	Width  int               `json:"width"`
	Height int               `json:"height"`
	Frames []json.RawMessage `json:"frames"`
}

// LoadScript reads a dev-mode script: a JSON object with fps, loop, frame
// size and a list of per-frame annotation documents.
func LoadScript(path string) (*ScriptedSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	return ParseScript(f)
}

// ParseScript decodes a script from r.
func ParseScript(r io.Reader) (*ScriptedSource, error) {
	var sf scriptFile
	if err := json.NewDecoder(io.LimitReader(r, 64<<20)).Decode(&sf); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if len(sf.Frames) == 0 {
		return nil, errors.New("parse script: no frames")
	}
	src := &ScriptedSource{Loop: sf.Loop}
	if sf.FPS > 0 {
		src.Interval = time.Duration(float64(time.Second) / sf.FPS)
	}
	for _, raw := range sf.Frames {
		src.Frames = append(src.Frames, ScriptedFrame{Frame: Frame{
			Width:       sf.Width,
			Height:      sf.Height,
			ContentType: AnnotationContentType,
			Data:        append([]byte(nil), raw...),
		}})
	}
	return src, nil
}
