package identity

import (
	"context"
	"sync"

	"github.com/banshee-data/headcount/internal/monitoring"
)

type job struct {
	ctx    context.Context
	sample FaceSample
	reply  chan<- MatchResult
}

// Pool runs lookups on a fixed set of workers shared by all cameras.
// Submit never blocks: a full queue fails fast with ErrPoolSaturated.
type Pool struct {
	resolver Resolver
	jobs     chan job
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts size workers behind a queue of the given depth.
func NewPool(resolver Resolver, size, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{resolver: resolver, jobs: make(chan job, queue)}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	monitoring.Logf("[identity] lookup pool started: %d workers, queue %d", size, queue)
	return p
}

// Submit queues sample for lookup. The result is sent on reply unless ctx
// is cancelled first; cancelled jobs are skipped by the workers.
func (p *Pool) Submit(ctx context.Context, sample FaceSample, reply chan<- MatchResult) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.jobs <- job{ctx: ctx, sample: sample, reply: reply}:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int { return len(p.jobs) }

// Close stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		if j.ctx.Err() != nil {
			continue
		}
		res := p.resolver.Match(j.ctx, j.sample)
		select {
		case j.reply <- res:
		case <-j.ctx.Done():
		}
	}
}
