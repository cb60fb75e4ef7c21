// Package app wires configuration into a running engine: the model backend
// and its pool, the sandbox, observers and stores.
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rand/rlmchat/internal/config"
	"github.com/rand/rlmchat/internal/docs"
	"github.com/rand/rlmchat/internal/llm"
	"github.com/rand/rlmchat/internal/rlm"
	"github.com/rand/rlmchat/internal/rlm/observability"
	"github.com/rand/rlmchat/internal/rlm/repl"
	"github.com/rand/rlmchat/internal/rlm/resilience"
	"github.com/rand/rlmchat/internal/rlm/summarize"
	"github.com/rand/rlmchat/internal/rlm/tracestore"
)

// Options adjusts how New builds an App.
type Options struct {
	// Backend replaces the configured provider. Pool and cache still wrap it.
	Backend llm.Backend

	// Progress receives live progress lines when non-nil.
	Progress io.Writer

	// DisableTrace skips opening the trace store.
	DisableTrace bool

	Logger *slog.Logger
}

// App holds the long-lived components behind one CLI invocation.
type App struct {
	Config     *config.Config
	Engine     *rlm.Engine
	Summarizer *summarize.Summarizer
	Docs       *docs.Dir
	Metrics    *observability.Metrics
	Traces     *tracestore.Store
	Pool       *llm.Pool
	Cache      *llm.Cache
	Sandbox    *repl.Pool

	logger       *slog.Logger
	cleanupFuncs []func() error
}

// New builds an App from cfg.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		Config:  cfg,
		Docs:    docs.NewDir(cfg.Docs.Root),
		Metrics: observability.NewMetrics(),
		logger:  logger,
	}

	base := opts.Backend
	if base == nil {
		var err error
		if base, err = NewBackend(cfg.Backend, logger); err != nil {
			return nil, err
		}
	}

	poolCfg := llm.PoolConfig{
		MaxConcurrent: cfg.Backend.MaxConcurrent,
		RateLimit:     cfg.Backend.RateLimit,
		Burst:         cfg.Backend.Burst,
		Timeout:       cfg.Backend.Timeout,
		Logger:        logger,
	}
	if cfg.Backend.Breaker.FailureThreshold > 0 {
		poolCfg.Breaker = &resilience.BreakerConfig{
			FailureThreshold: cfg.Backend.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Backend.Breaker.RecoveryTimeout,
		}
	}
	app.Pool = llm.NewPool(app.Metrics.Instrument(base), poolCfg)
	app.Metrics.WatchPool(app.Pool)

	var backend llm.Backend = app.Pool
	if cfg.Backend.CacheSize > 0 {
		app.Cache = llm.NewCache(app.Pool, cfg.Backend.CacheSize, cfg.Backend.Timeout)
		backend = app.Cache
	}

	starlark, err := repl.NewStarlark(repl.SandboxConfig{
		Timeout:         cfg.Sandbox.Timeout,
		MaxSteps:        cfg.Sandbox.MaxSteps,
		MaxOutputLength: cfg.Sandbox.MaxOutputLength,
		MaxParallel:     cfg.RLM.MaxParallelSubCalls,
	}, repl.DefaultRegistry())
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	app.Sandbox = repl.NewPool(starlark, cfg.Sandbox.MaxConcurrent)
	app.Metrics.WatchSandbox(app.Sandbox)

	observers := rlm.Observers{app.Metrics}
	if opts.Progress != nil {
		observers = append(observers, rlm.NewProgressPrinter(opts.Progress))
	}
	if !opts.DisableTrace && cfg.Trace.Path != "" {
		store, err := tracestore.Open(tracestore.Options{Path: cfg.Trace.Path, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("open trace store: %w", err)
		}
		app.Traces = store
		app.cleanupFuncs = append(app.cleanupFuncs, store.Close)
		observers = append(observers, store)
	}

	app.Engine = rlm.New(backend, app.Sandbox, rlm.Options{
		StopSequences:        cfg.Backend.Stop,
		HistoryWindow:        cfg.RLM.HistoryWindow,
		MaxParallelSubCalls:  cfg.RLM.MaxParallelSubCalls,
		DirectAnswerFallback: cfg.RLM.DirectAnswerFallback,
		Observer:             observers,
		Logger:               logger,
	})
	app.Summarizer = summarize.New(app.Engine, summarize.Config{
		Compress:  cfg.Summarizer.Compress,
		Parallel:  cfg.Summarizer.Parallel,
		GroupSize: cfg.Summarizer.GroupSize,
		Logger:    logger,
	})

	logger.Debug("app initialized",
		"provider", cfg.Backend.Provider,
		"trace", cfg.Trace.Path,
		"cache_size", cfg.Backend.CacheSize)
	return app, nil
}

// Shutdown releases every resource New opened.
func (app *App) Shutdown() error {
	var errs []error
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.cleanupFuncs = nil
	return errors.Join(errs...)
}

// RunConfig returns the configured per-run limits.
func (app *App) RunConfig() rlm.RunConfig {
	return app.Config.RLM.RunConfig()
}
