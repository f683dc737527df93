package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/resilience"
)

// MatcherConfig holds the voting rule parameters.
type MatcherConfig struct {
	SimilarityThreshold float64       // a reference votes when similarity exceeds this (default 0.65)
	VoteRatioMatch      float64       // minimum vote ratio for MATCH (default 0.60)
	VoteRatioHigh       float64       // minimum vote ratio for band HIGH (default 0.80)
	TieEpsilon          float64       // top-similarity gap below which two passing candidates tie (default 0.02)
	TopK                int           // candidates requested from the store (default 5)
	LookupTimeout       time.Duration // default 2s
}

func (c *MatcherConfig) applyDefaults() {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.65
	}
	if c.VoteRatioMatch == 0 {
		c.VoteRatioMatch = 0.60
	}
	if c.VoteRatioHigh == 0 {
		c.VoteRatioHigh = 0.80
	}
	if c.TieEpsilon == 0 {
		c.TieEpsilon = 0.02
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
}

// Resolver turns a face sample into a MatchResult. It never returns a silent
// NO_MATCH for an unreachable store.
type Resolver interface {
	Match(ctx context.Context, sample FaceSample) MatchResult
}

// Matcher implements Resolver over a ReferenceStore.
type Matcher struct {
	cfg      MatcherConfig
	store    ReferenceStore
	fallback ReferenceStore
	breaker  *resilience.Breaker
	metrics  *monitoring.Metrics
}

// MatcherOption customizes a Matcher.
type MatcherOption func(*Matcher)

// WithFallback answers from fb when the primary store is unavailable.
func WithFallback(fb ReferenceStore) MatcherOption {
	return func(m *Matcher) { m.fallback = fb }
}

// WithBreaker routes primary lookups through b.
func WithBreaker(b *resilience.Breaker) MatcherOption {
	return func(m *Matcher) { m.breaker = b }
}

// WithMetrics records lookup outcomes.
func WithMetrics(mt *monitoring.Metrics) MatcherOption {
	return func(m *Matcher) { m.metrics = mt }
}

// NewMatcher creates a Matcher. Without WithBreaker a default breaker named
// "identity-store" is used.
func NewMatcher(cfg MatcherConfig, store ReferenceStore, opts ...MatcherOption) *Matcher {
	cfg.applyDefaults()
	m := &Matcher{cfg: cfg, store: store}
	for _, o := range opts {
		o(m)
	}
	if m.breaker == nil {
		m.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "identity-store"})
	}
	return m
}

// Config returns the effective configuration.
func (m *Matcher) Config() MatcherConfig { return m.cfg }

// Match looks sample up and applies the voting rule.
func (m *Matcher) Match(ctx context.Context, sample FaceSample) MatchResult {
	res := m.match(ctx, sample)
	if errors.Is(res.Err, ErrInvalidQuery) {
		m.metrics.Lookup("INVALID_QUERY")
		return res
	}
	m.metrics.Lookup(string(res.Status))
	return res
}

func (m *Matcher) match(ctx context.Context, sample FaceSample) MatchResult {
	if err := ValidateEmbedding(sample.Embedding, 0); err != nil {
		return invalid(sample, err)
	}
	lctx, cancel := context.WithTimeout(ctx, m.cfg.LookupTimeout)
	defer cancel()

	// A rejected query is the caller's fault; the store answered, so the
	// breaker sees a success.
	var rejected error
	cands, err := resilience.Do(lctx, m.breaker, func(ctx context.Context) ([]Candidate, error) {
		c, err := m.store.Lookup(ctx, sample.Embedding, m.cfg.TopK)
		if errors.Is(err, ErrInvalidQuery) {
			rejected = err
			return nil, nil
		}
		return c, err
	})
	if rejected != nil {
		return invalid(sample, rejected)
	}
	if err == nil {
		return m.Classify(sample, cands)
	}
	if ctx.Err() != nil {
		return MatchResult{Sample: sample, Status: StatusUnavailable, Band: BandNone, Err: ctx.Err()}
	}
	if !errors.Is(err, resilience.ErrBreakerOpen) {
		monitoring.Logf("[identity] lookup for %s track %d failed: %v", sample.CameraID, sample.TrackID, err)
	}

	if m.fallback != nil {
		fcands, ferr := m.fallback.Lookup(ctx, sample.Embedding, m.cfg.TopK)
		if ferr == nil {
			res := m.Classify(sample, fcands)
			res.Fallback = true
			return res
		}
		err = fmt.Errorf("%v; fallback: %w", err, ferr)
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return MatchResult{Sample: sample, Status: StatusUnavailable, Band: BandNone, Err: err}
}

// invalid is the NO_MATCH result for a query the store cannot evaluate.
// Err carries ErrInvalidQuery so callers can tell it from a real miss.
func invalid(sample FaceSample, err error) MatchResult {
	monitoring.Debugf("[identity] %s track %d query rejected: %v", sample.CameraID, sample.TrackID, err)
	return MatchResult{Sample: sample, Status: StatusNoMatch, Band: BandNone, Err: err}
}

// Classify applies the voting rule to ranked candidates.
//
// A candidate passes when its vote ratio reaches VoteRatioMatch. The passing
// candidate with the highest similarity wins unless the runner-up also passes
// within TieEpsilon, in which case the result is AMBIGUOUS.
func (m *Matcher) Classify(sample FaceSample, cands []Candidate) MatchResult {
	res := MatchResult{Sample: sample, Status: StatusNoMatch, Band: BandNone}
	if len(cands) == 0 {
		return res
	}
	th := m.cfg.SimilarityThreshold

	var passing []Candidate
	for _, c := range cands {
		if len(c.Similarities) > 0 && c.VoteRatio(th) >= m.cfg.VoteRatioMatch {
			passing = append(passing, c)
		}
	}

	if len(passing) == 0 {
		// Report the strongest near miss.
		best := cands[0]
		for _, c := range cands[1:] {
			if c.Votes(th) > best.Votes(th) || (c.Votes(th) == best.Votes(th) && c.Top() > best.Top()) {
				best = c
			}
		}
		res.VoteRatio = best.VoteRatio(th)
		res.Similarity = best.Top()
		res.Similarities = best.Similarities
		if best.Votes(th) > 0 {
			res.Band = BandLow
		}
		return res
	}

	sort.SliceStable(passing, func(i, j int) bool { return passing[i].Top() > passing[j].Top() })
	lead := passing[0]
	res.VoteRatio = lead.VoteRatio(th)
	res.Similarity = lead.Top()
	res.Similarities = lead.Similarities

	if len(passing) > 1 && lead.Top()-passing[1].Top() <= m.cfg.TieEpsilon {
		res.Status = StatusAmbiguous
		res.Band = BandMedium
		for _, c := range passing {
			if lead.Top()-c.Top() > m.cfg.TieEpsilon {
				break
			}
			res.Tied = append(res.Tied, TiedCandidate{
				PersonID:   c.PersonID,
				Similarity: c.Top(),
				VoteRatio:  c.VoteRatio(th),
				Band:       BandMedium,
			})
		}
		return res
	}

	res.Status = StatusMatch
	res.PersonID = lead.PersonID
	res.Band = BandMedium
	if res.VoteRatio >= m.cfg.VoteRatioHigh {
		res.Band = BandHigh
	}
	return res
}
