package repl

import (
	"sort"

	"go.starlark.net/starlark"
)

// Seeded variable names.
const (
	VarContext = "context"
	VarQuery   = "query"
)

// State is the variable store of one session. It is owned by a single
// Environment and touched only by the sandbox thread running that
// session's code, so it carries no lock.
type State struct {
	globals    starlark.StringDict
	depth      int
	iterations int
}

// NewState creates a state seeded with context and query.
func NewState(context, query string, depth int) *State {
	return &State{
		globals: starlark.StringDict{
			VarContext: starlark.String(context),
			VarQuery:   starlark.String(query),
		},
		depth: depth,
	}
}

// Depth returns the session depth.
func (s *State) Depth() int { return s.depth }

// Iterations returns the number of executions run against this state.
func (s *State) Iterations() int { return s.iterations }

// Lookup returns the text of a variable. Strings are returned raw, other
// values in their str() form.
func (s *State) Lookup(name string) (string, bool) {
	v, ok := s.globals[name]
	if !ok {
		return "", false
	}
	return valueText(v), true
}

// Value returns the raw Starlark value of a variable.
func (s *State) Value(name string) (starlark.Value, bool) {
	v, ok := s.globals[name]
	return v, ok
}

// Set binds a variable.
func (s *State) Set(name string, v starlark.Value) {
	s.globals[name] = v
}

// SetString binds a variable to a string.
func (s *State) SetString(name, value string) {
	s.globals[name] = starlark.String(value)
}

// Names returns the sorted variable names.
func (s *State) Names() []string {
	names := make([]string, 0, len(s.globals))
	for name := range s.globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns every variable rendered with repr(). The result is
// deterministic for a given state.
func (s *State) Snapshot() map[string]string {
	snap := make(map[string]string, len(s.globals))
	for name, v := range s.globals {
		snap[name] = v.String()
	}
	return snap
}

// Globals exposes the underlying dictionary to sandbox implementations.
func (s *State) Globals() starlark.StringDict {
	return s.globals
}

func (s *State) tick() {
	s.iterations++
}

func valueText(v starlark.Value) string {
	if str, ok := starlark.AsString(v); ok {
		return str
	}
	return v.String()
}
