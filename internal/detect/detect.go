// Package detect turns camera frames into tracked people and face samples.
// Inference is delegated to a pluggable backend; this package owns the
// per-camera tracker, the recognition cadence and the face quality gate.
package detect

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/headcount/internal/camera"
	"github.com/banshee-data/headcount/internal/geom"
	"github.com/banshee-data/headcount/internal/httputil"
	"github.com/banshee-data/headcount/internal/identity"
)

// PersonDetection is one person box found in a frame.
type PersonDetection struct {
	Box   geom.Box `json:"box"`
	Score float64  `json:"score"`
}

// FaceDetection is one face box with its quality estimate in [0,1].
// Backends that compute embeddings during detection may fill Embedding.
type FaceDetection struct {
	Box       geom.Box           `json:"box"`
	Quality   float64            `json:"quality"`
	Embedding identity.Embedding `json:"embedding,omitempty"`
}

// Detector finds people in a frame.
type Detector interface {
	Detect(ctx context.Context, f camera.Frame) ([]PersonDetection, error)
}

// FaceDetector finds faces inside the given person boxes.
type FaceDetector interface {
	DetectFaces(ctx context.Context, f camera.Frame, people []geom.Box) ([]FaceDetection, error)
}

// Embedder computes the embedding of one face.
type Embedder interface {
	Embed(ctx context.Context, f camera.Frame, face FaceDetection) (identity.Embedding, error)
}

// Backend bundles the three inference capabilities.
type Backend struct {
	Name string
	Detector
	FaceDetector
	Embedder
}

// BackendOptions carries what backend factories may need.
type BackendOptions struct {
	InferenceURL string
	EmbeddingDim int
	Client       httputil.HTTPClient
}

// BackendFactory builds a Backend.
type BackendFactory func(opts BackendOptions) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]BackendFactory{}
)

// Register makes a backend available by name. It panics on duplicates.
func Register(name string, f BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("detect: backend registered twice: " + name)
	}
	registry[name] = f
}

// NewBackend builds the backend registered under name.
func NewBackend(name string, opts BackendOptions) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return Backend{}, fmt.Errorf("unknown detection backend %q (available: %v)", name, Backends())
	}
	b, err := f(opts)
	if err != nil {
		return Backend{}, fmt.Errorf("backend %s: %w", name, err)
	}
	b.Name = name
	return b, nil
}

// Backends lists the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
