package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/headcount/internal/camera"
	"github.com/banshee-data/headcount/internal/geom"
	"github.com/banshee-data/headcount/internal/identity"
)

func init() {
	Register("annotated", func(opts BackendOptions) (Backend, error) {
		a := &Annotated{Dim: opts.EmbeddingDim}
		return Backend{Detector: a, FaceDetector: a, Embedder: a}, nil
	})
}

// Annotation is the payload of a frame with camera.AnnotationContentType.
//
//	{"persons": [{"box": {"x":..,"y":..,"w":..,"h":..}, "score": 0.9}],
//	 "faces":   [{"box": {...}, "quality": 0.8, "seed": "alice", "noise": 0.02}],
//	 "error":   "optional simulated detector failure"}
//
// A face either carries an explicit embedding or a seed from which a
// synthetic embedding is derived.
type Annotation struct {
	Persons []PersonDetection `json:"persons"`
	Faces   []AnnotatedFace   `json:"faces"`
	Error   string            `json:"error,omitempty"`
}

// AnnotatedFace is a face entry of an Annotation.
type AnnotatedFace struct {
	Box       geom.Box           `json:"box"`
	Quality   float64            `json:"quality"`
	Embedding identity.Embedding `json:"embedding,omitempty"`
	Seed      string             `json:"seed,omitempty"`
	Noise     float64            `json:"noise,omitempty"`
}

// Annotated reads detections from annotation frames instead of running a
// model. It drives dev mode and the end-to-end tests.
type Annotated struct {
	Dim int
}

func (a *Annotated) parse(f camera.Frame) (Annotation, error) {
	var ann Annotation
	if f.ContentType != camera.AnnotationContentType {
		return ann, fmt.Errorf("annotated backend: unsupported content type %q", f.ContentType)
	}
	if err := json.Unmarshal(f.Data, &ann); err != nil {
		return ann, fmt.Errorf("annotated backend: %w", err)
	}
	if ann.Error != "" {
		return ann, errors.New(ann.Error)
	}
	return ann, nil
}

// Detect implements Detector.
func (a *Annotated) Detect(_ context.Context, f camera.Frame) ([]PersonDetection, error) {
	ann, err := a.parse(f)
	if err != nil {
		return nil, err
	}
	return ann.Persons, nil
}

// DetectFaces implements FaceDetector. Every annotated face is returned;
// the stage decides which track it belongs to.
func (a *Annotated) DetectFaces(_ context.Context, f camera.Frame, _ []geom.Box) ([]FaceDetection, error) {
	ann, err := a.parse(f)
	if err != nil {
		return nil, err
	}
	out := make([]FaceDetection, 0, len(ann.Faces))
	for i, af := range ann.Faces {
		emb := af.Embedding
		if len(emb) == 0 && af.Seed != "" {
			dim := a.Dim
			if dim <= 0 {
				dim = 512
			}
			emb = identity.SyntheticEmbedding(af.Seed, dim)
			if af.Noise > 0 {
				emb = identity.Perturb(emb, af.Noise, fmt.Sprintf("%s/%d/%d", f.CameraID, f.Seq, i))
			}
		}
		out = append(out, FaceDetection{Box: af.Box, Quality: af.Quality, Embedding: emb})
	}
	return out, nil
}

// Embed implements Embedder by returning the annotated embedding.
func (a *Annotated) Embed(_ context.Context, _ camera.Frame, face FaceDetection) (identity.Embedding, error) {
	if len(face.Embedding) == 0 {
		return nil, errors.New("annotated backend: face has no embedding")
	}
	return face.Embedding, nil
}
