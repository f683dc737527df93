package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/banshee-data/headcount/internal/httputil"
)

// MJPEGSource reads a multipart/x-mixed-replace JPEG stream over HTTP, the
// format most IP cameras expose next to RTSP.
type MJPEGSource struct {
	URL      string
	Username string
	Password string
	Client   httputil.HTTPClient
}

// Open issues the GET and validates the multipart response.
func (s *MJPEGSource) Open(ctx context.Context) (Stream, error) {
	client := s.Client
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	sctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(sctx, http.MethodGet, s.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mjpeg request: %w", err)
	}
	if s.Username != "" {
		req.SetBasicAuth(s.Username, s.Password)
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mjpeg connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mjpeg connect: unexpected status %d", resp.StatusCode)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mjpeg connect: not a multipart stream (%q)", resp.Header.Get("Content-Type"))
	}
	return &mjpegStream{
		body:   resp.Body,
		parts:  multipart.NewReader(resp.Body, params["boundary"]),
		cancel: cancel,
	}, nil
}

type partResult struct {
	frame Frame
	err   error
}

type mjpegStream struct {
	body    io.ReadCloser
	parts   *multipart.Reader
	cancel  context.CancelFunc
	pending chan partResult
}

// Read returns the next JPEG part. A read abandoned by ctx keeps running in
// the background and its frame is returned by the following Read.
func (m *mjpegStream) Read(ctx context.Context) (Frame, error) {
	if m.pending == nil {
		ch := make(chan partResult, 1)
		m.pending = ch
		go func() { ch <- m.nextPart() }()
	}
	select {
	case r := <-m.pending:
		m.pending = nil
		return r.frame, r.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (m *mjpegStream) nextPart() partResult {
	part, err := m.parts.NextPart()
	if err != nil {
		return partResult{err: fmt.Errorf("mjpeg part: %w", err)}
	}
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, 16<<20))
	if err != nil {
		return partResult{err: fmt.Errorf("mjpeg part body: %w", err)}
	}
	f := Frame{ContentType: part.Header.Get("Content-Type"), Data: data}
	if f.ContentType == "" {
		f.ContentType = "image/jpeg"
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width, f.Height = cfg.Width, cfg.Height
	}
	return partResult{frame: f}
}

func (m *mjpegStream) Close() error {
	m.cancel()
	return m.body.Close()
}
