package repl

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Plugin provides helper functions callable from sandboxed code.
type Plugin interface {
	// Name returns the plugin's unique identifier.
	Name() string

	// Description returns a human-readable description of the plugin.
	Description() string

	// Functions returns the functions keyed by the name they are called by.
	Functions() map[string]Function
}

// Function is a helper callable from sandboxed code. Handlers receive Go
// values (string, int, float64, bool, nil, []any, map[string]any) and
// return values of the same shapes.
type Function struct {
	Name        string
	Description string
	Parameters  []FunctionParameter

	// Handler receives one argument per declared parameter, in order, with
	// defaults applied to omitted optional parameters.
	Handler func(ctx context.Context, args ...any) (any, error)
}

// FunctionParameter describes a function parameter.
type FunctionParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Signature renders the function as name(a, b=1).
func (f Function) Signature() string {
	parts := make([]string, 0, len(f.Parameters))
	for _, p := range f.Parameters {
		if p.Required {
			parts = append(parts, p.Name)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", p.Name, defaultRepr(p.Default)))
	}
	return f.Name + "(" + strings.Join(parts, ", ") + ")"
}

func defaultRepr(v any) string {
	switch v := v.(type) {
	case nil:
		return "None"
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprint(v)
	}
}

// Registry holds the helper functions exposed to sandboxed code.
type Registry struct {
	mu        sync.RWMutex
	plugins   map[string]Plugin
	functions map[string]registeredFunction
}

type registeredFunction struct {
	plugin   string
	function Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins:   make(map[string]Plugin),
		functions: make(map[string]registeredFunction),
	}
}

// DefaultRegistry returns a registry holding the text helpers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Register(NewTextPlugin()); err != nil {
		panic(err)
	}
	return r
}

// Register adds a plugin. Function names must be unique across plugins
// and must not shadow reserved capability names.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	fns := p.Functions()
	for fname := range fns {
		if isReserved(fname) {
			return fmt.Errorf("function %q shadows a reserved name", fname)
		}
		if _, exists := r.functions[fname]; exists {
			return fmt.Errorf("function %q already registered", fname)
		}
	}
	for fname, fn := range fns {
		fn.Name = fname
		r.functions[fname] = registeredFunction{plugin: name, function: fn}
	}
	r.plugins[name] = p
	slog.Debug("registered repl plugin", "name", name, "functions", len(fns))
	return nil
}

// Functions returns the registered functions sorted by name.
func (r *Registry) Functions() []Function {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Function, 0, len(r.functions))
	for _, reg := range r.functions {
		out = append(out, reg.function)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Function returns a registered function by name.
func (r *Registry) Function(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.functions[name]
	return reg.function, ok
}

// Plugins returns the registered plugin names, sorted.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes a function with positional arguments, applying defaults.
func (r *Registry) Call(ctx context.Context, name string, args ...any) (any, error) {
	fn, ok := r.Function(name)
	if !ok {
		return nil, fmt.Errorf("function %q not found", name)
	}
	full, err := bindArgs(fn, args, nil)
	if err != nil {
		return nil, err
	}
	return fn.Handler(ctx, full...)
}

// bindArgs maps positional and keyword arguments onto the declared
// parameters.
func bindArgs(fn Function, args []any, kwargs map[string]any) ([]any, error) {
	if len(args) > len(fn.Parameters) {
		return nil, fmt.Errorf("%s: got %d arguments, want at most %d", fn.Name, len(args), len(fn.Parameters))
	}
	out := make([]any, len(fn.Parameters))
	set := make([]bool, len(fn.Parameters))
	for i, a := range args {
		out[i], set[i] = a, true
	}
	for k, v := range kwargs {
		idx := -1
		for i, p := range fn.Parameters {
			if p.Name == k {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%s: unexpected keyword argument %q", fn.Name, k)
		}
		if set[idx] {
			return nil, fmt.Errorf("%s: got multiple values for %q", fn.Name, k)
		}
		out[idx], set[idx] = v, true
	}
	for i, p := range fn.Parameters {
		if set[i] {
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("%s: missing argument %q", fn.Name, p.Name)
		}
		out[i] = p.Default
	}
	return out, nil
}
