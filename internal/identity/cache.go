package identity

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/headcount/internal/monitoring"
)

type cachedPerson struct {
	personID string
	refs     [][]float64 // unit vectors
}

type snapshot struct {
	people   []cachedPerson
	loadedAt time.Time
}

// EmbeddingCache is an in-memory copy of the reference set. Replace swaps
// the whole set atomically; readers never see a partial load.
type EmbeddingCache struct {
	dim  int
	snap atomic.Pointer[snapshot]
}

// NewEmbeddingCache creates an empty cache for embeddings of length dim.
// The cache reports ErrStoreUnavailable until the first Replace.
func NewEmbeddingCache(dim int) *EmbeddingCache {
	return &EmbeddingCache{dim: dim}
}

// Dim returns the expected embedding length.
func (c *EmbeddingCache) Dim() int { return c.dim }

// Replace installs records as the new reference set and returns how many
// people were loaded. Records without usable references are skipped with a
// warning since they can never be matched.
func (c *EmbeddingCache) Replace(records []Record) int {
	next := &snapshot{loadedAt: time.Now()}
	for _, r := range records {
		p := cachedPerson{personID: r.PersonID}
		for i, ref := range r.References {
			if len(ref.Embedding) != c.dim {
				monitoring.Logf("[identity] %s reference %d has dimension %d, want %d; skipped", r.PersonID, i, len(ref.Embedding), c.dim)
				continue
			}
			v := normalize(ref.Embedding)
			if v == nil {
				monitoring.Logf("[identity] %s reference %d is a zero vector; skipped", r.PersonID, i)
				continue
			}
			p.refs = append(p.refs, v)
		}
		if len(p.refs) == 0 {
			monitoring.Logf("[identity] %s has no usable references; not matchable", r.PersonID)
			continue
		}
		next.people = append(next.people, p)
	}
	c.snap.Store(next)
	return len(next.people)
}

// Len returns the number of matchable people.
func (c *EmbeddingCache) Len() int {
	s := c.snap.Load()
	if s == nil {
		return 0
	}
	return len(s.people)
}

// Loaded reports whether Replace has been called.
func (c *EmbeddingCache) Loaded() bool { return c.snap.Load() != nil }

// Search returns the k people closest to query, ranked by top similarity.
func (c *EmbeddingCache) Search(query Embedding, k int) ([]Candidate, error) {
	s := c.snap.Load()
	if s == nil {
		return nil, fmt.Errorf("embedding cache not loaded: %w", ErrStoreUnavailable)
	}
	if err := ValidateEmbedding(query, c.dim); err != nil {
		return nil, err
	}
	q := normalize(query)

	out := make([]Candidate, 0, len(s.people))
	for _, p := range s.people {
		sims := make([]float64, len(p.refs))
		for i, ref := range p.refs {
			sims[i] = floats.Dot(q, ref)
		}
		out = append(out, Candidate{PersonID: p.personID, Similarities: sims})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Top() > out[j].Top() })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// CacheStore serves lookups from an EmbeddingCache by brute-force cosine
// similarity. It is both the primary store in single-node deployments and
// the matcher's fallback when a remote store is down.
type CacheStore struct {
	Cache *EmbeddingCache
}

// Lookup implements ReferenceStore.
func (s *CacheStore) Lookup(ctx context.Context, query Embedding, k int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Cache.Search(query, k)
}
