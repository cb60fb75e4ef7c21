// Package llm provides model backends: the text-generation collaborator the
// RLM engine prompts on every turn.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend generates text for a prompt.
//
// Implementations must be safe for concurrent use: recursive sessions share
// one backend. Errors match ErrBackendUnavailable or ErrTimeout.
type Backend interface {
	Generate(ctx context.Context, prompt string, stop []string) (string, error)
}

// Error kinds.
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimeout            = errors.New("backend timeout")
)

// Error describes a failed backend call.
type Error struct {
	// Op names the backend that failed, e.g. "ollama".
	Op string
	// Kind is ErrBackendUnavailable or ErrTimeout.
	Kind error
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify wraps err as an *Error. Deadline errors become ErrTimeout and
// everything else ErrBackendUnavailable. Errors that already carry a kind
// are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	kind := ErrBackendUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Func adapts a function to the Backend interface.
type Func func(ctx context.Context, prompt string, stop []string) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, prompt string, stop []string) (string, error) {
	return f(ctx, prompt, stop)
}

// CutAtStop truncates text at the earliest stop sequence. Providers that
// ignore stop sequences are trimmed client side.
func CutAtStop(text string, stop []string) string {
	cut := len(text)
	for _, s := range stop {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && i < cut {
			cut = i
		}
	}
	return text[:cut]
}

// normalizeStop drops empty and duplicate stop sequences, keeping order.
func normalizeStop(stop []string) []string {
	var out []string
	seen := make(map[string]bool, len(stop))
	for _, s := range stop {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

var _ Backend = Func(nil)
