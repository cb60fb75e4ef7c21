// Package summarize implements a fixed map-reduce summarizer on top of the
// engine's recursive-call primitive.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rand/rlmchat/internal/rlm"
	"github.com/rand/rlmchat/internal/rlm/async"
	"github.com/rand/rlmchat/internal/rlm/repl"
	"github.com/rand/rlmchat/internal/textsplit"
)

const (
	chunkPrompt   = "Summarize this in 2-3 sentences:\n\n"
	combinePrompt = "Combine these summaries into a coherent overview:\n\n"
	mergePrompt   = "Combine these summaries into one:\n\n"
)

// Recurser runs a prompt as a nested session below depth. *rlm.Engine
// implements it.
type Recurser interface {
	Recurse(ctx context.Context, prompt string, depth int, cfg rlm.RunConfig) repl.SubCall
}

// Config configures a Summarizer.
type Config struct {
	// Compress runs one more recursive call over the joined chunk
	// summaries.
	Compress bool `yaml:"compress"`

	// Parallel bounds concurrent chunk calls.
	Parallel int `yaml:"parallel"`

	// GroupSize, when above 1, reduces the chunk summaries in rounds:
	// each round merges groups of GroupSize summaries until one remains.
	// Compress is ignored when rounds run.
	GroupSize int `yaml:"group_size"`

	Logger *slog.Logger `yaml:"-"`
}

// Summary is the outcome of one Summarize call.
type Summary struct {
	Chunks []string       `json:"chunks"`
	Calls  []repl.SubCall `json:"calls"`

	// Combined joins the chunk summaries in chunk order.
	Combined string `json:"combined"`

	// Compressed is the combining call, set when compression ran.
	Compressed *repl.SubCall `json:"compressed,omitempty"`

	// Rounds holds the merge calls of each reduce round, in order.
	Rounds [][]repl.SubCall `json:"rounds,omitempty"`

	// Levels counts the map phase plus every reduce step that ran.
	Levels int `json:"levels"`

	// Final is the last reduce result, or Combined when nothing reduced.
	Final string `json:"final"`
}

// Failed returns the calls that came back as error text.
func (s *Summary) Failed() []repl.SubCall {
	var out []repl.SubCall
	for _, c := range s.Calls {
		if c.Failed() {
			out = append(out, c)
		}
	}
	return out
}

// Summarizer splits text into chunks, summarizes each with a recursive
// call and combines the results.
type Summarizer struct {
	recurser Recurser
	executor *async.Executor
	config   Config
}

// New creates a summarizer.
func New(r Recurser, cfg Config) *Summarizer {
	if cfg.Parallel <= 0 {
		cfg.Parallel = async.DefaultExecutorConfig().MaxParallel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Summarizer{
		recurser: r,
		executor: async.NewExecutor(async.ExecutorConfig{MaxParallel: cfg.Parallel}),
		config:   cfg,
	}
}

// Summarize summarizes text. Chunk calls run at the top level, so each
// chunk's session runs at depth 1. Failed chunk calls keep their error text
// in the combined summary. The error is non-nil only when runCfg is invalid
// or ctx ended.
func (s *Summarizer) Summarize(ctx context.Context, text string, runCfg rlm.RunConfig) (*Summary, error) {
	if err := runCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}
	runCfg = runCfg.WithDefaults()

	chunks := textsplit.Split(text, runCfg.ChunkSize)
	for i := range chunks {
		chunks[i] = strings.TrimSpace(chunks[i])
	}
	summary := &Summary{Chunks: chunks}
	if len(chunks) == 0 {
		return summary, nil
	}
	s.config.Logger.Debug("summarizing", "chunks", len(summary.Chunks), "chunk_size", runCfg.ChunkSize)

	calls, stats := async.Map(ctx, s.executor, summary.Chunks, func(ctx context.Context, _ int, chunk string) repl.SubCall {
		return s.recurser.Recurse(ctx, chunkPrompt+chunk, 0, runCfg)
	})
	summary.Calls = calls
	s.config.Logger.Debug("chunk summaries done", "chunks", stats.Operations, "max_in_flight", stats.MaxInFlight, "duration", stats.Duration)

	parts := make([]string, len(calls))
	for i, c := range calls {
		parts[i] = strings.TrimSpace(c.Response)
	}
	summary.Combined = strings.Join(parts, "\n\n")
	summary.Final = summary.Combined
	summary.Levels = 1

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if s.config.GroupSize > 1 {
		return summary, s.reduce(ctx, summary, parts, runCfg)
	}
	if !s.config.Compress {
		return summary, nil
	}

	call := s.recurser.Recurse(ctx, combinePrompt+summary.Combined, 0, runCfg)
	summary.Compressed = &call
	summary.Final = strings.TrimSpace(call.Response)
	summary.Levels++
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// reduce merges parts in groups until one remains.
func (s *Summarizer) reduce(ctx context.Context, summary *Summary, parts []string, runCfg rlm.RunConfig) error {
	for len(parts) > 1 {
		var groups []string
		for i := 0; i < len(parts); i += s.config.GroupSize {
			end := min(i+s.config.GroupSize, len(parts))
			groups = append(groups, strings.Join(parts[i:end], "\n\n"))
		}
		calls, _ := async.Map(ctx, s.executor, groups, func(ctx context.Context, _ int, group string) repl.SubCall {
			return s.recurser.Recurse(ctx, mergePrompt+group, 0, runCfg)
		})
		summary.Rounds = append(summary.Rounds, calls)
		summary.Levels++

		parts = make([]string, len(calls))
		for i, c := range calls {
			parts[i] = strings.TrimSpace(c.Response)
		}
		if err := ctx.Err(); err != nil {
			summary.Final = strings.Join(parts, "\n\n")
			return err
		}
		s.config.Logger.Debug("reduce round done", "round", len(summary.Rounds), "summaries", len(parts))
	}
	summary.Final = parts[0]
	return nil
}
