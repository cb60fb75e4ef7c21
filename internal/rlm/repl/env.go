package repl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rand/rlmchat/internal/rlm/async"
)

// EnvironmentConfig configures an Environment.
type EnvironmentConfig struct {
	// MaxParallel bounds concurrent recursive queries in one batch.
	MaxParallel int

	Logger *slog.Logger
}

// Environment owns one session's State and drives the sandbox against it.
// It is not safe for concurrent use; each session has its own.
type Environment struct {
	sandbox  Sandbox
	recurser Recurser
	executor *async.Executor
	logger   *slog.Logger
	state    *State
	depth    int
}

// NewEnvironment creates an environment for a session at the given depth.
func NewEnvironment(sandbox Sandbox, recurser Recurser, depth int, config EnvironmentConfig) *Environment {
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultSandboxConfig().MaxParallel
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Environment{
		sandbox:  sandbox,
		recurser: recurser,
		executor: async.NewExecutor(async.ExecutorConfig{MaxParallel: config.MaxParallel}),
		logger:   config.Logger,
		depth:    depth,
	}
}

// Initialize seeds a fresh State with context and query and returns it.
// Any previous state is discarded.
func (e *Environment) Initialize(context, query string) *State {
	e.state = NewState(context, query, e.depth)
	return e.state
}

// State returns the current session state.
func (e *Environment) State() *State {
	return e.state
}

// Execute runs code against the session state. It never fails: sandbox
// errors are returned as Stderr text.
func (e *Environment) Execute(ctx context.Context, code string) *ExecuteResult {
	if e.state == nil {
		e.Initialize("", "")
	}
	start := time.Now()
	caps := &sessionCapabilities{env: e}

	stdout, err := e.sandbox.Run(ctx, code, e.state, caps)
	e.state.tick()

	result := &ExecuteResult{
		Stdout:   stdout,
		Signal:   caps.signal,
		SubCalls: caps.subCalls,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Stderr = FormatError(err)
		e.logger.Debug("sandbox execution failed", "depth", e.depth, "error", err)
	}
	return result
}

// Resolve turns a termination signal into the final answer. An undefined
// FINAL_VAR name is an *ExecutionError.
func (e *Environment) Resolve(sig Signal) (string, error) {
	switch sig.Kind {
	case SignalFinal:
		return sig.Value, nil
	case SignalFinalVar:
		if e.state != nil {
			if v, ok := e.state.Lookup(sig.Value); ok {
				return v, nil
			}
		}
		return "", &ExecutionError{
			Kind:    KindName,
			Message: fmt.Sprintf("FINAL_VAR: variable %q is not defined", sig.Value),
		}
	default:
		return "", errors.New("no termination signal")
	}
}

// sessionCapabilities records what one execution asked of the host. The
// sandbox calls it from a single thread; QueryBatch fans out internally.
type sessionCapabilities struct {
	env      *Environment
	mu       sync.Mutex
	signal   Signal
	subCalls []SubCall
}

func (c *sessionCapabilities) Query(ctx context.Context, prompt string) string {
	call := c.env.recurser.Recurse(ctx, prompt)
	c.mu.Lock()
	c.subCalls = append(c.subCalls, call)
	c.mu.Unlock()
	return call.Response
}

func (c *sessionCapabilities) QueryBatch(ctx context.Context, prompts []string) []string {
	calls, _ := async.Map(ctx, c.env.executor, prompts, func(ctx context.Context, _ int, prompt string) SubCall {
		return c.env.recurser.Recurse(ctx, prompt)
	})
	responses := make([]string, len(calls))
	c.mu.Lock()
	for i, call := range calls {
		c.subCalls = append(c.subCalls, call)
		responses[i] = call.Response
	}
	c.mu.Unlock()
	return responses
}

func (c *sessionCapabilities) Final(value string) {
	c.signal = Signal{Kind: SignalFinal, Value: value}
}

func (c *sessionCapabilities) FinalVar(name string) {
	c.signal = Signal{Kind: SignalFinalVar, Value: name}
}

var _ Capabilities = (*sessionCapabilities)(nil)
