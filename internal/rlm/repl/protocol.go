// Package repl provides the sandboxed REPL environment that holds a
// session's state and runs model-written code against it.
package repl

import (
	"context"
	"time"
)

// SignalKind classifies the termination signal raised by executed code.
type SignalKind int

const (
	// SignalNone means the code did not ask to terminate.
	SignalNone SignalKind = iota

	// SignalFinal carries a literal answer.
	SignalFinal

	// SignalFinalVar names a state variable holding the answer.
	SignalFinalVar
)

func (k SignalKind) String() string {
	switch k {
	case SignalNone:
		return "NONE"
	case SignalFinal:
		return "FINAL"
	case SignalFinalVar:
		return "FINAL_VAR"
	default:
		return "UNKNOWN"
	}
}

// Signal is the termination request of one execution. Value is the answer
// for SignalFinal and the variable name for SignalFinalVar.
type Signal struct {
	Kind  SignalKind
	Value string
}

// SubCall records one recursive query issued from sandboxed code.
type SubCall struct {
	// Prompt is the sub-prompt passed to the recursive query.
	Prompt string `json:"prompt"`

	// Response is the text returned to the sandboxed code. Failures are
	// reported as text starting with "Error:".
	Response string `json:"response"`

	// Depth is the depth the child session ran (or would have run) at.
	Depth int `json:"depth"`

	// Rejected is set when the call exceeded the recursion limit and no
	// child session was created.
	Rejected bool `json:"rejected,omitempty"`

	// SessionID identifies the child session, empty when rejected.
	SessionID string `json:"session_id,omitempty"`

	// Reason is the child's termination reason.
	Reason string `json:"reason,omitempty"`

	// Iterations is the number of CODE steps the child took.
	Iterations int `json:"iterations,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Failed reports whether the call returned an error text.
func (s SubCall) Failed() bool {
	return s.Rejected || hasErrorPrefix(s.Response)
}

// ExecuteResult is the outcome of one Environment.Execute call.
type ExecuteResult struct {
	// Stdout is the captured print output.
	Stdout string

	// Stderr holds captured execution errors.
	Stderr string

	// Signal is the termination signal, if any.
	Signal Signal

	// SubCalls lists recursive queries in issue order.
	SubCalls []SubCall

	Duration time.Duration
}

// Output combines stdout and stderr the way they are shown to the model.
func (r *ExecuteResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Recurser runs a nested session for a sub-prompt. It never fails: errors
// are returned as SubCall.Response text.
type Recurser interface {
	Recurse(ctx context.Context, prompt string) SubCall
}

// RecurserFunc adapts a function to the Recurser interface.
type RecurserFunc func(ctx context.Context, prompt string) SubCall

// Recurse calls f.
func (f RecurserFunc) Recurse(ctx context.Context, prompt string) SubCall {
	return f(ctx, prompt)
}

// Capabilities are the only host operations visible to sandboxed code.
// They are invoked synchronously from the sandbox thread.
type Capabilities interface {
	// Query runs one recursive query and returns its text.
	Query(ctx context.Context, prompt string) string

	// QueryBatch runs recursive queries concurrently and returns their
	// texts in the order the prompts were given.
	QueryBatch(ctx context.Context, prompts []string) []string

	// Final records a literal answer.
	Final(value string)

	// FinalVar records the name of the variable holding the answer.
	FinalVar(name string)
}
