package repl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PoolStats contains sandbox pool counters.
type PoolStats struct {
	Runs    int64
	Running int64
	Peak    int64
}

// Pool bounds how many executions run at once across all sessions.
//
// An execution hands its slot back while it waits on recursive queries and
// takes it again afterwards, so parents blocked on their children never hold
// slots the children need.
type Pool struct {
	sandbox Sandbox
	sem     *semaphore.Weighted

	runs    atomic.Int64
	running atomic.Int64
	peak    atomic.Int64
}

// NewPool wraps sandbox with a pool of size slots.
func NewPool(sandbox Sandbox, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sandbox: sandbox, sem: semaphore.NewWeighted(int64(size))}
}

// Run implements Sandbox.
func (p *Pool) Run(ctx context.Context, code string, state *State, caps Capabilities) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		kind := KindCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return "", &ExecutionError{Kind: kind, Message: "no sandbox slot became available", Err: err}
	}
	slot := &poolSlot{pool: p, held: true}
	p.enter()
	defer slot.release()

	p.runs.Add(1)
	return p.sandbox.Run(ctx, code, state, &pooledCapabilities{Capabilities: caps, slot: slot})
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Runs:    p.runs.Load(),
		Running: p.running.Load(),
		Peak:    p.peak.Load(),
	}
}

func (p *Pool) enter() {
	n := p.running.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (p *Pool) leave() {
	p.running.Add(-1)
}

// poolSlot tracks whether one execution currently holds a slot.
type poolSlot struct {
	pool *Pool
	mu   sync.Mutex
	held bool
}

func (s *poolSlot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		s.held = false
		s.pool.leave()
		s.pool.sem.Release(1)
	}
}

// reacquire takes the slot back. On cancellation the execution continues
// without a slot; the cancelled sandbox thread stops at its next step.
func (s *poolSlot) reacquire(ctx context.Context) {
	if err := s.pool.sem.Acquire(ctx, 1); err != nil {
		return
	}
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
	s.pool.enter()
}

// pooledCapabilities releases the slot around blocking recursive queries.
type pooledCapabilities struct {
	Capabilities
	slot *poolSlot
}

func (c *pooledCapabilities) Query(ctx context.Context, prompt string) string {
	c.slot.release()
	defer c.slot.reacquire(ctx)
	return c.Capabilities.Query(ctx, prompt)
}

func (c *pooledCapabilities) QueryBatch(ctx context.Context, prompts []string) []string {
	c.slot.release()
	defer c.slot.reacquire(ctx)
	return c.Capabilities.QueryBatch(ctx, prompts)
}

var _ Sandbox = (*Pool)(nil)
