package repl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SandboxConfig defines the limits for sandboxed execution.
type SandboxConfig struct {
	// Timeout is the maximum wall time per execution, including time spent
	// waiting on recursive queries. MaxSteps bounds pure compute.
	Timeout time.Duration `yaml:"timeout"`

	// MaxSteps bounds interpreter steps per execution (0 = unbounded).
	MaxSteps uint64 `yaml:"max_steps"`

	// MaxOutputLength caps captured stdout in bytes.
	MaxOutputLength int `yaml:"max_output_length"`

	// MaxParallel bounds concurrent recursive queries from one batch.
	MaxParallel int `yaml:"max_parallel"`
}

// DefaultSandboxConfig returns the default sandbox configuration.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Timeout:         5 * time.Minute,
		MaxSteps:        50_000_000,
		MaxOutputLength: 10_000,
		MaxParallel:     4,
	}
}

// Validate fills zero fields with defaults and rejects negative limits.
func (c *SandboxConfig) Validate() error {
	if c.Timeout < 0 || c.MaxOutputLength < 0 || c.MaxParallel < 0 {
		return errors.New("sandbox limits must not be negative")
	}
	def := DefaultSandboxConfig()
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxOutputLength == 0 {
		c.MaxOutputLength = def.MaxOutputLength
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = def.MaxParallel
	}
	return nil
}

// Sandbox runs code against a session state. State is updated in place,
// including bindings made before a failure. Failures are returned as
// *ExecutionError and never panic.
type Sandbox interface {
	Run(ctx context.Context, code string, state *State, caps Capabilities) (stdout string, err error)
}

// SandboxFunc adapts a function to the Sandbox interface.
type SandboxFunc func(ctx context.Context, code string, state *State, caps Capabilities) (string, error)

// Run calls f.
func (f SandboxFunc) Run(ctx context.Context, code string, state *State, caps Capabilities) (string, error) {
	return f(ctx, code, state, caps)
}

// ErrExecution is matched by every *ExecutionError.
var ErrExecution = errors.New("execution error")

// Execution error kinds.
const (
	KindSyntax    = "SyntaxError"
	KindName      = "NameError"
	KindRuntime   = "RuntimeError"
	KindTimeout   = "Timeout"
	KindCancelled = "Cancelled"
	KindStepLimit = "StepLimitExceeded"
)

// ExecutionError describes sandboxed code that failed.
type ExecutionError struct {
	Kind    string
	Message string
	Line    int
	Column  int
	Err     error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d, column %d)", e.Line, e.Column)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrExecution.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

// errorPrefix starts every error text returned to sandboxed code.
const errorPrefix = "Error: "

// FormatError renders err as text for the model.
func FormatError(err error) string {
	return errorPrefix + err.Error()
}

func hasErrorPrefix(s string) bool {
	return strings.HasPrefix(s, errorPrefix)
}
