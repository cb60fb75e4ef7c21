// Package rlm implements the Recursive Language Model engine: a control loop
// that asks a model for code, runs it against a session's REPL state and
// feeds the output back until the code signals a final answer.
package rlm

import (
	"errors"
	"fmt"
	"time"

	"github.com/rand/rlmchat/internal/rlm/repl"
)

// StepKind classifies a trace step.
type StepKind string

const (
	// StepCode is code returned by the model.
	StepCode StepKind = "CODE"

	// StepOutput is the captured stdout and stderr of one execution.
	StepOutput StepKind = "OUTPUT"

	// StepSubCall is one recursive query issued by the code.
	StepSubCall StepKind = "SUB_CALL"

	// StepFinal is the resolved final answer.
	StepFinal StepKind = "FINAL"
)

// Step is one entry of a session trace.
type Step struct {
	Index    int           `json:"index"`
	Kind     StepKind      `json:"kind"`
	Payload  string        `json:"payload"`
	IssuedAt time.Time     `json:"issued_at"`
	SubCall  *repl.SubCall `json:"sub_call,omitempty"`
}

// TerminationReason is why a session stopped.
type TerminationReason string

const (
	ReasonFinal        TerminationReason = "FINAL"
	ReasonMaxIter      TerminationReason = "MAX_ITER"
	ReasonBackendError TerminationReason = "BACKEND_ERROR"
)

// MaxIterationsMarker is the answer of a session that ran out of iterations
// before producing any output.
const MaxIterationsMarker = "[Reached max iterations without final answer]"

// Result is the outcome of one session. It is built once when the session
// terminates.
type Result struct {
	SessionID   string            `json:"session_id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Query       string            `json:"query"`
	FinalAnswer string            `json:"final_answer,omitempty"`
	Trace       []Step            `json:"trace"`
	Depth       int               `json:"depth"`
	Reason      TerminationReason `json:"reason"`
	Iterations  int               `json:"iterations"`

	// Error is the backend failure text for ReasonBackendError.
	Error string `json:"error,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// HasAnswer reports whether the session produced an answer.
func (r *Result) HasAnswer() bool {
	return r.Reason != ReasonBackendError
}

// Steps returns the trace steps of the given kind.
func (r *Result) Steps(kind StepKind) []Step {
	var out []Step
	for _, s := range r.Trace {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// RunConfig bounds a run. It is passed unchanged to every nested session.
type RunConfig struct {
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
	MaxDepth      int `yaml:"max_depth" json:"max_depth"`
	ChunkSize     int `yaml:"chunk_size" json:"chunk_size"`

	// NoRecursion rejects every recursive query regardless of MaxDepth.
	NoRecursion bool `yaml:"no_recursion" json:"no_recursion"`
}

// DefaultRunConfig returns the default budget.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxIterations: 10,
		MaxDepth:      3,
		ChunkSize:     1000,
	}
}

// Validate reports negative fields.
func (c RunConfig) Validate() error {
	var errs []error
	if c.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("max_iterations must not be negative, got %d", c.MaxIterations))
	}
	if c.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("max_depth must not be negative, got %d", c.MaxDepth))
	}
	if c.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("chunk_size must not be negative, got %d", c.ChunkSize))
	}
	return errors.Join(errs...)
}

// WithDefaults fills zero fields with the defaults.
func (c RunConfig) WithDefaults() RunConfig {
	d := DefaultRunConfig()
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	return c
}

// DepthLimit is the deepest nesting level a session may be created at.
func (c RunConfig) DepthLimit() int {
	if c.NoRecursion {
		return 0
	}
	return c.MaxDepth
}

// Phase is the state of a session's control loop.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseIterating
	PhaseFinal
	PhaseMaxIter
	PhaseBackendError
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseIterating:
		return "ITERATING"
	case PhaseFinal:
		return "TERMINATED_FINAL"
	case PhaseMaxIter:
		return "TERMINATED_MAX_ITER"
	case PhaseBackendError:
		return "TERMINATED_BACKEND_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseFinal || p == PhaseMaxIter || p == PhaseBackendError
}

// CanTransition reports whether p may move to next.
func (p Phase) CanTransition(next Phase) bool {
	switch p {
	case PhaseInit:
		return next == PhaseIterating || next == PhaseBackendError
	case PhaseIterating:
		return next == PhaseIterating || next.Terminal()
	default:
		return false
	}
}

// Reason maps a terminal phase to its termination reason.
func (p Phase) Reason() TerminationReason {
	switch p {
	case PhaseFinal:
		return ReasonFinal
	case PhaseMaxIter:
		return ReasonMaxIter
	default:
		return ReasonBackendError
	}
}
