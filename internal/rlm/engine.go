package rlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rand/rlmchat/internal/llm"
	"github.com/rand/rlmchat/internal/rlm/repl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/rand/rlmchat/internal/rlm")

// Options configures an Engine. The zero value is usable.
type Options struct {
	// Now is the clock used for step and session timestamps.
	Now func() time.Time

	// NewID generates session ids. Defaults to random UUIDs.
	NewID func() string

	// BackendTimeout bounds each model call. Zero leaves it to the backend.
	BackendTimeout time.Duration

	// StopSequences are passed to every model call.
	StopSequences []string

	// HistoryWindow limits the prompt to the most recent turns. Zero keeps
	// the full trace.
	HistoryWindow int

	// MaxParallelSubCalls bounds the fan-out of llm_query_batched.
	MaxParallelSubCalls int

	// DirectAnswerFallback treats an unfenced response that does not read
	// as code as the final answer.
	DirectAnswerFallback bool

	// Registry lists the sandbox helpers described in the prompt. Defaults
	// to repl.DefaultRegistry.
	Registry *repl.Registry

	Observer Observer
	Logger   *slog.Logger
}

// Engine runs RLM sessions. It holds no per-session state and is safe for
// concurrent use.
type Engine struct {
	backend llm.Backend
	sandbox repl.Sandbox
	opts    Options
	helpers []repl.Function
}

// New creates an engine. The backend and sandbox are shared by every
// session the engine runs, nested ones included.
func New(backend llm.Backend, sandbox repl.Sandbox, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.MaxParallelSubCalls <= 0 {
		opts.MaxParallelSubCalls = repl.DefaultSandboxConfig().MaxParallel
	}
	if opts.Registry == nil {
		opts.Registry = repl.DefaultRegistry()
	}
	if opts.Observer == nil {
		opts.Observer = Observers(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		backend: backend,
		sandbox: sandbox,
		opts:    opts,
		helpers: opts.Registry.Functions(),
	}
}

// Run answers query about contextText. The returned Result is never nil. The
// error is non-nil only when cfg is invalid or ctx ended before the session
// terminated; the Result then carries the partial trace.
func (e *Engine) Run(ctx context.Context, query, contextText string, cfg RunConfig) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		now := e.opts.Now()
		return &Result{
			SessionID: e.opts.NewID(),
			Query:     query,
			Reason:    ReasonBackendError,
			Error:     err.Error(),
			StartedAt: now,
		}, fmt.Errorf("invalid run config: %w", err)
	}
	result := e.runSession(ctx, query, contextText, 0, "", cfg.WithDefaults())
	if err := ctx.Err(); err != nil && result.Reason == ReasonBackendError {
		return result, err
	}
	return result, nil
}

// Recurse runs prompt as a nested session below a session at depth. Calls
// that would exceed cfg.DepthLimit are rejected without creating a session.
func (e *Engine) Recurse(ctx context.Context, prompt string, depth int, cfg RunConfig) repl.SubCall {
	return e.recurse(ctx, prompt, depth, "", cfg.WithDefaults())
}

func (e *Engine) recurse(ctx context.Context, prompt string, depth int, parentID string, cfg RunConfig) repl.SubCall {
	childDepth := depth + 1
	if limit := cfg.DepthLimit(); childDepth > limit {
		e.opts.Logger.Debug("recursion rejected", "depth", childDepth, "max_depth", limit)
		return repl.SubCall{
			Prompt:   prompt,
			Response: fmt.Sprintf("Error: RecursionLimitExceeded: depth %d exceeds max_depth %d", childDepth, limit),
			Depth:    childDepth,
			Rejected: true,
		}
	}

	start := e.opts.Now()
	child := e.runSession(ctx, prompt, prompt, childDepth, parentID, cfg)
	call := repl.SubCall{
		Prompt:     prompt,
		Depth:      childDepth,
		SessionID:  child.SessionID,
		Reason:     string(child.Reason),
		Iterations: child.Iterations,
		Duration:   e.opts.Now().Sub(start),
	}
	switch child.Reason {
	case ReasonFinal:
		call.Response = child.FinalAnswer
	case ReasonMaxIter:
		call.Response = fmt.Sprintf("Error: sub-query reached max_iterations (%d) without FINAL; last output: %s",
			cfg.MaxIterations, preview(child.FinalAnswer, previewRunes))
	default:
		call.Response = "Error: BackendError: " + child.Error
	}
	return call
}

// session is the state of one running control loop. Only the goroutine
// running the loop touches it.
type session struct {
	engine     *Engine
	id         string
	parentID   string
	query      string
	context    string
	depth      int
	cfg        RunConfig
	env        *repl.Environment
	phase      Phase
	trace      []Step
	iterations int
	lastOutput string
	answer     string
	err        error
	started    time.Time
}

func (e *Engine) runSession(ctx context.Context, query, contextText string, depth int, parentID string, cfg RunConfig) *Result {
	s := &session{
		engine:   e,
		id:       e.opts.NewID(),
		parentID: parentID,
		query:    query,
		context:  contextText,
		depth:    depth,
		cfg:      cfg,
		started:  e.opts.Now(),
	}
	s.env = repl.NewEnvironment(e.sandbox, s, depth, repl.EnvironmentConfig{
		MaxParallel: e.opts.MaxParallelSubCalls,
		Logger:      e.opts.Logger,
	})
	s.env.Initialize(contextText, query)

	ctx, span := tracer.Start(ctx, "rlm.session", trace.WithAttributes(
		attribute.String("rlm.session_id", s.id),
		attribute.Int("rlm.depth", depth),
		attribute.Int("rlm.context_length", len(contextText)),
	))
	defer span.End()

	e.opts.Observer.OnSessionStart(Session{
		ID:        s.id,
		ParentID:  parentID,
		Depth:     depth,
		Query:     query,
		Config:    cfg,
		StartedAt: s.started,
	})
	e.opts.Logger.Debug("session started", "session", s.id, "depth", depth, "context_length", len(contextText))

	s.transition(PhaseIterating)
	for !s.phase.Terminal() {
		s.tick(ctx)
	}

	result := s.result()
	span.SetAttributes(
		attribute.String("rlm.reason", string(result.Reason)),
		attribute.Int("rlm.iterations", result.Iterations),
	)
	if s.err != nil {
		span.RecordError(s.err)
		span.SetStatus(codes.Error, s.err.Error())
	}
	e.opts.Logger.Debug("session finished", "session", s.id, "depth", depth, "reason", result.Reason, "iterations", result.Iterations)
	e.opts.Observer.OnSessionEnd(result)
	return result
}

// Recurse implements repl.Recurser for code running in this session.
func (s *session) Recurse(ctx context.Context, prompt string) repl.SubCall {
	return s.engine.recurse(ctx, prompt, s.depth, s.id, s.cfg)
}

func (s *session) transition(next Phase) {
	if !s.phase.CanTransition(next) {
		panic(fmt.Sprintf("rlm: invalid phase transition %s -> %s", s.phase, next))
	}
	s.phase = next
}

func (s *session) tick(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		s.fail(err)
		return
	}
	if s.iterations >= s.cfg.MaxIterations {
		s.answer = s.lastOutput
		if s.answer == "" {
			s.answer = MaxIterationsMarker
		}
		s.transition(PhaseMaxIter)
		return
	}
	s.iterations++

	ctx, span := tracer.Start(ctx, "rlm.turn", trace.WithAttributes(
		attribute.String("rlm.session_id", s.id),
		attribute.Int("rlm.iteration", s.iterations),
	))
	defer span.End()

	prompt := buildPrompt(s.query, s.context, s.engine.helpers, s.trace, s.engine.opts.HistoryWindow)
	text, err := s.generate(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		s.fail(err)
		return
	}

	code, fenced := extractCode(text)
	if s.engine.opts.DirectAnswerFallback && !fenced && !looksLikeCode(code) {
		s.append(StepFinal, code, nil)
		s.answer = code
		s.transition(PhaseFinal)
		return
	}

	s.append(StepCode, code, nil)
	res := s.execute(ctx, code)
	for i := range res.SubCalls {
		call := res.SubCalls[i]
		s.append(StepSubCall, call.Response, &call)
	}

	output := res.Output()
	if res.Signal.Kind != repl.SignalNone {
		answer, err := s.env.Resolve(res.Signal)
		if err == nil {
			s.append(StepFinal, answer, nil)
			s.answer = answer
			s.transition(PhaseFinal)
			return
		}
		output = joinOutput(output, repl.FormatError(err))
	}
	s.append(StepOutput, output, nil)
	s.lastOutput = output
	s.transition(PhaseIterating)
}

func (s *session) generate(ctx context.Context, prompt string) (string, error) {
	opts := s.engine.opts
	if opts.BackendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.BackendTimeout)
		defer cancel()
	}
	text, err := s.engine.backend.Generate(ctx, prompt, opts.StopSequences)
	if err != nil {
		return "", llm.Classify("generate", err)
	}
	return text, nil
}

func (s *session) execute(ctx context.Context, code string) *repl.ExecuteResult {
	ctx, span := tracer.Start(ctx, "repl.execute", trace.WithAttributes(
		attribute.Int("repl.code_length", len(code)),
	))
	defer span.End()

	res := s.env.Execute(ctx, code)
	span.SetAttributes(
		attribute.Int("repl.sub_calls", len(res.SubCalls)),
		attribute.Bool("repl.failed", res.Stderr != ""),
	)
	return res
}

func (s *session) append(kind StepKind, payload string, call *repl.SubCall) {
	step := Step{
		Index:    len(s.trace),
		Kind:     kind,
		Payload:  payload,
		IssuedAt: s.engine.opts.Now(),
		SubCall:  call,
	}
	s.trace = append(s.trace, step)
	s.engine.opts.Observer.OnStep(s.id, step)
}

func (s *session) fail(err error) {
	s.err = err
	s.transition(PhaseBackendError)
	level := slog.LevelWarn
	if errors.Is(err, context.Canceled) {
		level = slog.LevelDebug
	}
	s.engine.opts.Logger.Log(context.Background(), level, "session aborted", "session", s.id, "depth", s.depth, "error", err)
}

func (s *session) result() *Result {
	r := &Result{
		SessionID:  s.id,
		ParentID:   s.parentID,
		Query:      s.query,
		Trace:      s.trace,
		Depth:      s.depth,
		Reason:     s.phase.Reason(),
		Iterations: s.iterations,
		StartedAt:  s.started,
		Duration:   s.engine.opts.Now().Sub(s.started),
	}
	if s.err != nil {
		r.Error = s.err.Error()
	} else {
		r.FinalAnswer = s.answer
	}
	return r
}

func joinOutput(parts ...string) string {
	var out string
	for _, p := range parts {
		switch {
		case p == "":
		case out == "":
			out = p
		default:
			out += "\n" + p
		}
	}
	return out
}
