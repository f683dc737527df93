package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/headcount/internal/httputil"
	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/timeutil"
)

// ReferenceStore answers nearest-neighbour queries over enrolled references.
// Failures to reach the store wrap ErrStoreUnavailable.
type ReferenceStore interface {
	Lookup(ctx context.Context, query Embedding, k int) ([]Candidate, error)
}

// Loader returns the full reference set, for refreshing an EmbeddingCache.
type Loader interface {
	LoadRecords(ctx context.Context) ([]Record, error)
}

// HTTPStore queries an external vector similarity service.
//
//	POST {BaseURL}/lookup {"embedding": [...], "k": 5}
//	-> {"candidates": [{"person_id": "...", "similarities": [...]}]}
//
// GET {BaseURL}/records returns {"records": [...]} so the service can also
// seed the fallback cache.
type HTTPStore struct {
	BaseURL string
	Client  httputil.HTTPClient
}

func (s *HTTPStore) client() httputil.HTTPClient {
	if s.Client == nil {
		return httputil.NewStandardClient(nil)
	}
	return s.Client
}

// Lookup implements ReferenceStore.
func (s *HTTPStore) Lookup(ctx context.Context, query Embedding, k int) ([]Candidate, error) {
	req := struct {
		Embedding Embedding `json:"embedding"`
		K         int       `json:"k"`
	}{query, k}
	var resp struct {
		Candidates []Candidate `json:"candidates"`
	}
	if err := httputil.DoJSON(ctx, s.client(), http.MethodPost, s.url("/lookup"), req, &resp); err != nil {
		var se *httputil.StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusUnprocessableEntity) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		return nil, unavailable(ctx, err)
	}
	return resp.Candidates, nil
}

// LoadRecords implements Loader.
func (s *HTTPStore) LoadRecords(ctx context.Context) ([]Record, error) {
	var resp struct {
		Records []Record `json:"records"`
	}
	if err := httputil.DoJSON(ctx, s.client(), http.MethodGet, s.url("/records"), nil, &resp); err != nil {
		return nil, unavailable(ctx, err)
	}
	return resp.Records, nil
}

func (s *HTTPStore) url(path string) string {
	return strings.TrimRight(s.BaseURL, "/") + path
}

// unavailable wraps err with ErrStoreUnavailable unless the caller gave up.
func unavailable(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Reloader refreshes an EmbeddingCache from a Loader on a fixed interval
// and whenever Invalidate is called.
type Reloader struct {
	Cache    *EmbeddingCache
	Loader   Loader
	Interval time.Duration
	Clock    timeutil.Clock

	kick chan struct{}
}

// NewReloader creates a reloader; call Run to start it.
func NewReloader(cache *EmbeddingCache, loader Loader, interval time.Duration, clk timeutil.Clock) *Reloader {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if clk == nil {
		clk = timeutil.RealClock{}
	}
	return &Reloader{Cache: cache, Loader: loader, Interval: interval, Clock: clk, kick: make(chan struct{}, 1)}
}

// Invalidate schedules an immediate reload.
func (r *Reloader) Invalidate() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Reload loads the reference set once. On error the previous set stays.
func (r *Reloader) Reload(ctx context.Context) error {
	records, err := r.Loader.LoadRecords(ctx)
	if err != nil {
		monitoring.Logf("[identity] cache reload failed, keeping %d cached identities: %v", r.Cache.Len(), err)
		return err
	}
	n := r.Cache.Replace(records)
	monitoring.Logf("[identity] cache loaded %d identities", n)
	return nil
}

// Run reloads immediately, then on every tick or invalidation until ctx is
// done.
func (r *Reloader) Run(ctx context.Context) {
	_ = r.Reload(ctx)
	ticker := r.Clock.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		case <-r.kick:
		}
		_ = r.Reload(ctx)
	}
}
