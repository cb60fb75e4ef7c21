package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rand/rlmchat/internal/rlm/resilience"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// PoolConfig configures the shared backend pool.
type PoolConfig struct {
	// MaxConcurrent bounds in-flight calls across all sessions (0 = unbounded).
	MaxConcurrent int

	// RateLimit is the sustained call rate per second (0 = unlimited).
	RateLimit float64

	// Burst is the limiter bucket size. Defaults to MaxConcurrent, or 1.
	Burst int

	// Timeout bounds each call (0 = inherit from context).
	Timeout time.Duration

	// Breaker configures the circuit breaker. Nil disables it.
	Breaker *resilience.BreakerConfig

	// Logger receives breaker transitions. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	breaker := resilience.DefaultBreakerConfig()
	return PoolConfig{
		MaxConcurrent: 4,
		Timeout:       2 * time.Minute,
		Breaker:       &breaker,
	}
}

// PoolStats contains pool counters.
type PoolStats struct {
	Calls    int64
	Failures int64
	InFlight int64
	Breaker  resilience.CircuitState
}

// Pool shares one backend between concurrent sessions. It bounds
// concurrency, paces calls, enforces a per-call timeout and fails fast
// through a circuit breaker. It never retries.
type Pool struct {
	backend Backend
	config  PoolConfig
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker

	calls    atomic.Int64
	failures atomic.Int64
	inFlight atomic.Int64
}

// NewPool wraps backend.
func NewPool(backend Backend, config PoolConfig) *Pool {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	p := &Pool{backend: backend, config: config}
	if config.MaxConcurrent > 0 {
		p.sem = semaphore.NewWeighted(int64(config.MaxConcurrent))
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = max(config.MaxConcurrent, 1)
		}
		p.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	if config.Breaker != nil {
		bc := *config.Breaker
		logger := config.Logger
		bc.OnStateChange = func(from, to resilience.CircuitState) {
			logger.Warn("backend circuit breaker", "from", from, "to", to)
		}
		bc.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
		p.breaker = resilience.NewCircuitBreaker(bc)
	}
	return p
}

// Generate forwards to the wrapped backend.
func (p *Pool) Generate(ctx context.Context, prompt string, stop []string) (string, error) {
	p.calls.Add(1)

	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.failures.Add(1)
			return "", Classify("pool", err)
		}
		defer p.sem.Release(1)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.failures.Add(1)
			return "", Classify("pool", fmt.Errorf("rate limit: %w", err))
		}
	}

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	call := func() (string, error) {
		return p.backend.Generate(ctx, prompt, stop)
	}
	var (
		text string
		err  error
	)
	if p.breaker != nil {
		text, err = resilience.Do(p.breaker, call)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = &Error{Op: "pool", Kind: ErrBackendUnavailable, Err: err}
		}
	} else {
		text, err = call()
	}
	if err != nil {
		p.failures.Add(1)
		return "", Classify("pool", err)
	}
	return text, nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	s := PoolStats{
		Calls:    p.calls.Load(),
		Failures: p.failures.Load(),
		InFlight: p.inFlight.Load(),
	}
	if p.breaker != nil {
		s.Breaker = p.breaker.State()
	}
	return s
}

var _ Backend = (*Pool)(nil)
