package repl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// fileOptions enables the Python-like dialect the model writes: top-level
// loops and ifs, while loops, sets, recursion and global reassignment.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// truncationMarker is appended to stdout that hit the output limit.
const truncationMarker = "... [output truncated]"

// Starlark runs model code in an embedded Starlark interpreter. The only
// ambient capabilities are the injected builtins: there is no load(), file,
// network or environment access, and print is captured.
type Starlark struct {
	config   SandboxConfig
	registry *Registry
	logger   *slog.Logger
}

// NewStarlark creates a Starlark sandbox. A nil registry exposes no helper
// functions.
func NewStarlark(config SandboxConfig, registry *Registry) (*Starlark, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate sandbox config: %w", err)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Starlark{config: config, registry: registry, logger: slog.Default()}, nil
}

// Config returns the validated sandbox configuration.
func (s *Starlark) Config() SandboxConfig {
	return s.config
}

// Registry returns the helper registry.
func (s *Starlark) Registry() *Registry {
	return s.registry
}

// Run implements Sandbox.
func (s *Starlark) Run(ctx context.Context, code string, state *State, caps Capabilities) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", contextError(err, s.config)
	}

	f, err := fileOptions.Parse("turn.star", code, 0)
	if err != nil {
		return "", s.classify(ctx, nil, err)
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	out := newOutputBuffer(s.config.MaxOutputLength)
	thread := &starlark.Thread{
		Name:  fmt.Sprintf("depth-%d", state.Depth()),
		Print: func(_ *starlark.Thread, msg string) { out.line(msg) },
	}
	if s.config.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.config.MaxSteps)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	t := &turn{caps: caps}
	globals := state.Globals()
	injected := s.inject(ctx, globals, t)
	err = starlark.ExecREPLChunk(f, thread, globals)
	for _, name := range injected {
		delete(globals, name)
	}

	if t.stopped {
		return out.String(), nil
	}
	if err != nil {
		return out.String(), s.classify(ctx, thread, err)
	}
	return out.String(), nil
}

// inject binds the capability builtins and helper functions into globals and
// returns the names it bound.
func (s *Starlark) inject(ctx context.Context, globals starlark.StringDict, t *turn) []string {
	var names []string
	for name, v := range t.capabilityBuiltins(ctx) {
		globals[name] = v
		names = append(names, name)
	}
	for _, fn := range s.registry.Functions() {
		globals[fn.Name] = pluginBuiltin(ctx, fn)
		names = append(names, fn.Name)
	}
	return names
}

func (s *Starlark) classify(ctx context.Context, thread *starlark.Thread, err error) *ExecutionError {
	var synErr syntax.Error
	if errors.As(err, &synErr) {
		return &ExecutionError{
			Kind:    KindSyntax,
			Message: synErr.Msg,
			Line:    int(synErr.Pos.Line),
			Column:  int(synErr.Pos.Col),
			Err:     err,
		}
	}

	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) && len(resolveErrs) > 0 {
		first := resolveErrs[0]
		kind := KindSyntax
		if strings.HasPrefix(first.Msg, "undefined:") {
			kind = KindName
		}
		msgs := make([]string, len(resolveErrs))
		for i, e := range resolveErrs {
			msgs[i] = e.Msg
		}
		return &ExecutionError{
			Kind:    kind,
			Message: strings.Join(msgs, "; "),
			Line:    int(first.Pos.Line),
			Column:  int(first.Pos.Col),
			Err:     err,
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(ctxErr, s.config)
	}
	if thread != nil && s.config.MaxSteps > 0 && thread.ExecutionSteps() >= s.config.MaxSteps {
		return &ExecutionError{
			Kind:    KindStepLimit,
			Message: fmt.Sprintf("execution exceeded %d steps", s.config.MaxSteps),
			Err:     err,
		}
	}

	execErr := &ExecutionError{Kind: KindRuntime, Message: err.Error(), Err: err}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		execErr.Message = evalErr.Msg
		for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
			if pos := evalErr.CallStack[i].Pos; pos.Line > 0 {
				execErr.Line, execErr.Column = int(pos.Line), int(pos.Col)
				break
			}
		}
	}
	return execErr
}

func contextError(err error, config SandboxConfig) *ExecutionError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("execution exceeded the %s limit", config.Timeout),
			Err:     err,
		}
	}
	return &ExecutionError{Kind: KindCancelled, Message: "execution cancelled", Err: err}
}

// outputBuffer joins printed lines with newlines and stops accepting output
// past its byte limit.
type outputBuffer struct {
	b         strings.Builder
	limit     int
	truncated bool
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

func (o *outputBuffer) line(msg string) {
	if o.truncated {
		return
	}
	if o.b.Len() > 0 {
		msg = "\n" + msg
	}
	if o.limit > 0 && o.b.Len()+len(msg) > o.limit {
		room := o.limit - o.b.Len()
		for room > 0 && !utf8.RuneStart(msg[room]) {
			room--
		}
		o.b.WriteString(msg[:room])
		o.truncated = true
		return
	}
	o.b.WriteString(msg)
}

func (o *outputBuffer) String() string {
	if o.truncated {
		return o.b.String() + "\n" + truncationMarker
	}
	return o.b.String()
}

var _ Sandbox = (*Starlark)(nil)
