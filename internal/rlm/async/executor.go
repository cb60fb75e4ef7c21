// Package async fans work out across goroutines and joins it in issue order.
package async

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ExecutorConfig configures fan-out execution.
type ExecutorConfig struct {
	// MaxParallel bounds how many operations run at once.
	MaxParallel int

	// TimeoutPerOp bounds each operation (0 = inherit from context).
	TimeoutPerOp time.Duration
}

// DefaultExecutorConfig returns the default fan-out configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxParallel: 4,
	}
}

// Stats describes one fan-out.
type Stats struct {
	Operations  int
	MaxInFlight int
	Duration    time.Duration
}

// Executor runs indexed operations concurrently under a parallelism bound.
type Executor struct {
	config ExecutorConfig
}

// NewExecutor creates a new fan-out executor.
func NewExecutor(config ExecutorConfig) *Executor {
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultExecutorConfig().MaxParallel
	}
	return &Executor{config: config}
}

// Config returns the executor configuration.
func (e *Executor) Config() ExecutorConfig {
	return e.config
}

// Run calls op once for every index in [0, n) and returns after all calls
// have returned. Every index is visited even when ctx is cancelled, still
// under the parallelism bound; op is expected to observe ctx and return
// promptly.
func (e *Executor) Run(ctx context.Context, n int, op func(ctx context.Context, index int)) Stats {
	stats := Stats{Operations: n}
	if n == 0 {
		return stats
	}
	start := time.Now()

	sem := make(chan struct{}, min(e.config.MaxParallel, n))
	var (
		mu       sync.Mutex
		inFlight int
	)

	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			inFlight++
			stats.MaxInFlight = max(stats.MaxInFlight, inFlight)
			mu.Unlock()
			defer func() {
				mu.Lock()
				inFlight--
				mu.Unlock()
			}()

			opCtx := ctx
			if e.config.TimeoutPerOp > 0 {
				var cancel context.CancelFunc
				opCtx, cancel = context.WithTimeout(ctx, e.config.TimeoutPerOp)
				defer cancel()
			}
			op(opCtx, i)
			return nil
		})
	}
	_ = g.Wait()

	stats.Duration = time.Since(start)
	return stats
}

// Map applies fn to every input concurrently and returns the results in
// input order, regardless of completion order.
func Map[In, Out any](ctx context.Context, e *Executor, inputs []In, fn func(ctx context.Context, index int, in In) Out) ([]Out, Stats) {
	out := make([]Out, len(inputs))
	stats := e.Run(ctx, len(inputs), func(ctx context.Context, i int) {
		out[i] = fn(ctx, i, inputs[i])
	})
	return out, stats
}
