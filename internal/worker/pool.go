package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"agentledger/internal/domain"
	"agentledger/internal/engine"
)

// PoolConfig sets how many workers run per role. A zero count runs none.
type PoolConfig struct {
	Parsers     int
	Bookkeepers int
	Learners    int
	// Prefix names workers "<prefix>-<role>-<n>".
	Prefix string
}

// Pool runs workers for every role side by side. They coordinate only
// through the task queue.
type Pool struct {
	workers []*Worker
}

func NewPool(eng engine.Engine, cfg PoolConfig, caps Capabilities, opts ...Option) (*Pool, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "worker"
	}
	p := &Pool{}
	counts := []struct {
		agent domain.AgentType
		n     int
	}{
		{domain.AgentParser, cfg.Parsers},
		{domain.AgentBookkeeper, cfg.Bookkeepers},
		{domain.AgentLearner, cfg.Learners},
	}
	for _, c := range counts {
		for i := 1; i <= c.n; i++ {
			w, err := New(eng, c.agent, fmt.Sprintf("%s-%s-%d", prefix, c.agent, i), caps, opts...)
			if err != nil {
				return nil, err
			}
			p.workers = append(p.workers, w)
		}
	}
	if len(p.workers) == 0 {
		return nil, fmt.Errorf("worker pool is empty")
	}
	return p, nil
}

func (p *Pool) Workers() []*Worker { return p.workers }

// Run blocks until ctx is cancelled or one worker halts, which stops the rest.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", w.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Drain runs every worker until no role has work left. Tasks produced by
// the orchestrator in between are not picked up; callers alternate Drain with
// an orchestrator cycle.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		handled := 0
		for _, w := range p.workers {
			ok, err := w.RunOnce(ctx)
			if err != nil {
				return total, fmt.Errorf("%s: %w", w.ID(), err)
			}
			if ok {
				handled++
			}
		}
		total += handled
		if handled == 0 {
			return total, nil
		}
	}
}
