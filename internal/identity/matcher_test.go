package identity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/resilience"
	"github.com/banshee-data/headcount/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// sims builds five reference similarities with the first n above 0.65.
func sims(n int) []float64 {
	out := make([]float64, 5)
	for i := range out {
		if i < n {
			out[i] = 0.70 + 0.01*float64(i)
		} else {
			out[i] = 0.30
		}
	}
	return out
}

func TestClassify_VotingRule(t *testing.T) {
	m := NewMatcher(MatcherConfig{}, &CacheStore{Cache: NewEmbeddingCache(4)})

	tests := []struct {
		name       string
		cands      []Candidate
		wantStatus Status
		wantBand   Band
		wantPerson string
		wantRatio  float64
	}{
		{"no candidates", nil, StatusNoMatch, BandNone, "", 0},
		{"no votes", []Candidate{{PersonID: "p1", Similarities: sims(0)}}, StatusNoMatch, BandNone, "", 0},
		{"too few votes", []Candidate{{PersonID: "p1", Similarities: sims(2)}}, StatusNoMatch, BandLow, "", 0.4},
		{"three of five", []Candidate{{PersonID: "p1", Similarities: sims(3)}}, StatusMatch, BandMedium, "p1", 0.6},
		{"four of five", []Candidate{{PersonID: "p1", Similarities: sims(4)}}, StatusMatch, BandHigh, "p1", 0.8},
		{"five of five", []Candidate{{PersonID: "p1", Similarities: sims(5)}}, StatusMatch, BandHigh, "p1", 1},
		{
			"runner-up fails vote rule",
			[]Candidate{
				{PersonID: "p1", Similarities: sims(3)},
				{PersonID: "p2", Similarities: []float64{0.72, 0.2, 0.2, 0.2, 0.2}},
			},
			StatusMatch, BandMedium, "p1", 0.6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Classify(FaceSample{TrackID: 1}, tt.cands)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantBand, res.Band)
			assert.Equal(t, tt.wantPerson, res.PersonID)
			assert.InDelta(t, tt.wantRatio, res.VoteRatio, 1e-9)
		})
	}
}

func TestClassify_TieIsAmbiguous(t *testing.T) {
	m := NewMatcher(MatcherConfig{}, &CacheStore{Cache: NewEmbeddingCache(4)})
	res := m.Classify(FaceSample{}, []Candidate{
		{PersonID: "alice", Similarities: []float64{0.80, 0.79, 0.78, 0.2, 0.1}},
		{PersonID: "bob", Similarities: []float64{0.79, 0.78, 0.77, 0.76, 0.1}},
		{PersonID: "carol", Similarities: []float64{0.70, 0.69, 0.68, 0.67, 0.66}},
	})
	require.Equal(t, StatusAmbiguous, res.Status)
	assert.Empty(t, res.PersonID)
	require.Len(t, res.Tied, 2)
	assert.Equal(t, "alice", res.Tied[0].PersonID)
	assert.Equal(t, "bob", res.Tied[1].PersonID)
	for _, c := range res.Tied {
		assert.Equal(t, BandMedium, c.Band)
	}
	votes := res.Votes()
	require.Len(t, votes, 2)
	assert.InDelta(t, 0.79, votes[1].Similarity, 1e-9)
}

func TestMatchResult_VotesOnlyAtMediumOrBetter(t *testing.T) {
	assert.Nil(t, MatchResult{Status: StatusNoMatch, Band: BandLow}.Votes())
	assert.Nil(t, MatchResult{Status: StatusUnavailable}.Votes())
	assert.Len(t, MatchResult{Status: StatusMatch, Band: BandHigh, PersonID: "p"}.Votes(), 1)
}

type failingStore struct {
	calls atomic.Int32
	err   error
}

func (s *failingStore) Lookup(ctx context.Context, _ Embedding, _ int) ([]Candidate, error) {
	s.calls.Add(1)
	return nil, s.err
}

func TestMatcher_UnavailableIsNeverNoMatch(t *testing.T) {
	store := &failingStore{err: errors.New("connection refused")}
	m := NewMatcher(MatcherConfig{}, store)

	res := m.Match(context.Background(), FaceSample{Embedding: SyntheticEmbedding("x", 8)})
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.ErrorIs(t, res.Err, ErrStoreUnavailable)
	assert.False(t, res.Fallback)
}

func TestMatcher_BreakerFailsFast(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(0, 0))
	store := &failingStore{err: ErrStoreUnavailable}
	br := resilience.NewBreaker(resilience.BreakerConfig{Name: "store", Clock: clk})
	m := NewMatcher(MatcherConfig{}, store, WithBreaker(br))

	for i := 0; i < 7; i++ {
		res := m.Match(context.Background(), FaceSample{Embedding: SyntheticEmbedding("x", 8)})
		assert.Equal(t, StatusUnavailable, res.Status)
	}
	assert.Equal(t, int32(5), store.calls.Load())
	assert.Equal(t, resilience.StateOpen, br.State())
}

func TestMatcher_FallbackCache(t *testing.T) {
	const dim = 64
	cache := NewEmbeddingCache(dim)
	var refs []Reference
	for i := 0; i < 5; i++ {
		refs = append(refs, Reference{Embedding: Perturb(SyntheticEmbedding("alice", dim), 0.01, string(rune('a'+i))), Quality: 0.9})
	}
	cache.Replace([]Record{{PersonID: "alice", References: refs}})

	m := NewMatcher(MatcherConfig{}, &failingStore{err: errors.New("timeout")}, WithFallback(&CacheStore{Cache: cache}))
	res := m.Match(context.Background(), FaceSample{Embedding: Perturb(SyntheticEmbedding("alice", dim), 0.01, "probe")})
	assert.True(t, res.Fallback)
	assert.Equal(t, StatusMatch, res.Status)
	assert.Equal(t, "alice", res.PersonID)
	assert.Equal(t, BandHigh, res.Band)
}

type slowStore struct{}

func (slowStore) Lookup(ctx context.Context, _ Embedding, _ int) ([]Candidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestMatcher_LookupTimeout(t *testing.T) {
	m := NewMatcher(MatcherConfig{LookupTimeout: 5 * time.Millisecond}, slowStore{})
	res := m.Match(context.Background(), FaceSample{Embedding: SyntheticEmbedding("x", 8)})
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.ErrorIs(t, res.Err, ErrStoreUnavailable)
}

func TestMatcher_CallerCancellation(t *testing.T) {
	m := NewMatcher(MatcherConfig{}, slowStore{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := m.Match(ctx, FaceSample{Embedding: SyntheticEmbedding("x", 8)})
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestMatcher_InvalidQueryLeavesBreakerClosed(t *testing.T) {
	const dim = 16
	clk := timeutil.NewMockClock(time.Unix(0, 0))
	br := resilience.NewBreaker(resilience.BreakerConfig{Name: "store", Clock: clk})
	cache := NewEmbeddingCache(dim)
	cache.Replace([]Record{enroll("alice", dim, 5)})
	metrics := monitoring.NewMetrics()
	m := NewMatcher(MatcherConfig{}, &CacheStore{Cache: cache}, WithBreaker(br), WithMetrics(metrics))

	bad := []Embedding{
		make(Embedding, dim),       // zero vector, rejected before the store
		SyntheticEmbedding("x", 4), // wrong dimension, rejected by the store
	}
	for i := 0; i < 10; i++ {
		res := m.Match(context.Background(), FaceSample{TrackID: 1, Embedding: bad[i%2]})
		assert.Equal(t, StatusNoMatch, res.Status)
		assert.Equal(t, BandNone, res.Band)
		assert.ErrorIs(t, res.Err, ErrInvalidQuery)
		assert.NotErrorIs(t, res.Err, ErrStoreUnavailable)
	}
	assert.Equal(t, resilience.StateClosed, br.State())
	assert.Equal(t, 10.0, metrics.Sum("headcount_identity_lookups_total"))

	res := m.Match(context.Background(), FaceSample{TrackID: 2, Embedding: Perturb(SyntheticEmbedding("alice", dim), 0.01, "q")})
	assert.Equal(t, StatusMatch, res.Status)
	assert.Equal(t, "alice", res.PersonID)
}

func TestValidateEmbedding(t *testing.T) {
	tests := []struct {
		name    string
		e       Embedding
		dim     int
		wantErr bool
	}{
		{"valid", Embedding{0, 1, 0}, 3, false},
		{"any length when dim unset", Embedding{1}, 0, false},
		{"empty", nil, 0, true},
		{"zero norm", Embedding{0, 0, 0}, 3, true},
		{"wrong dimension", Embedding{1, 0}, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmbedding(tt.e, tt.dim)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidQuery)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
