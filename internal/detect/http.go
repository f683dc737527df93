package detect

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/banshee-data/headcount/internal/camera"
	"github.com/banshee-data/headcount/internal/geom"
	"github.com/banshee-data/headcount/internal/httputil"
	"github.com/banshee-data/headcount/internal/identity"
)

func init() {
	Register("http", func(opts BackendOptions) (Backend, error) {
		if opts.InferenceURL == "" {
			return Backend{}, errors.New("inference_url is required")
		}
		c := opts.Client
		if c == nil {
			c = httputil.NewStandardClient(nil)
		}
		h := &HTTPInference{BaseURL: strings.TrimRight(opts.InferenceURL, "/"), Client: c}
		return Backend{Detector: h, FaceDetector: h, Embedder: h}, nil
	})
}

// HTTPInference calls an external inference service with JSON requests.
// Image bytes travel base64-encoded in "image" ([]byte marshals that way).
//
//	POST /v1/persons {"image", "content_type"}          -> {"detections": [...]}
//	POST /v1/faces   {"image", "content_type", "boxes"} -> {"faces": [...]}
//	POST /v1/embed   {"image", "content_type", "box"}   -> {"embedding": [...]}
type HTTPInference struct {
	BaseURL string
	Client  httputil.HTTPClient
}

type inferenceRequest struct {
	Image       []byte     `json:"image"`
	ContentType string     `json:"content_type"`
	Boxes       []geom.Box `json:"boxes,omitempty"`
	Box         *geom.Box  `json:"box,omitempty"`
}

// Detect implements Detector.
func (h *HTTPInference) Detect(ctx context.Context, f camera.Frame) ([]PersonDetection, error) {
	var resp struct {
		Detections []PersonDetection `json:"detections"`
	}
	req := inferenceRequest{Image: f.Data, ContentType: f.ContentType}
	if err := httputil.DoJSON(ctx, h.Client, http.MethodPost, h.BaseURL+"/v1/persons", req, &resp); err != nil {
		return nil, err
	}
	return resp.Detections, nil
}

// DetectFaces implements FaceDetector.
func (h *HTTPInference) DetectFaces(ctx context.Context, f camera.Frame, people []geom.Box) ([]FaceDetection, error) {
	var resp struct {
		Faces []FaceDetection `json:"faces"`
	}
	req := inferenceRequest{Image: f.Data, ContentType: f.ContentType, Boxes: people}
	if err := httputil.DoJSON(ctx, h.Client, http.MethodPost, h.BaseURL+"/v1/faces", req, &resp); err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

// Embed implements Embedder. An embedding already returned by DetectFaces
// is reused.
func (h *HTTPInference) Embed(ctx context.Context, f camera.Frame, face FaceDetection) (identity.Embedding, error) {
	if len(face.Embedding) > 0 {
		return face.Embedding, nil
	}
	var resp struct {
		Embedding identity.Embedding `json:"embedding"`
	}
	box := face.Box
	req := inferenceRequest{Image: f.Data, ContentType: f.ContentType, Box: &box}
	if err := httputil.DoJSON(ctx, h.Client, http.MethodPost, h.BaseURL+"/v1/embed", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("inference service returned an empty embedding")
	}
	return resp.Embedding, nil
}
