package repl

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Capability and module names injected into every execution.
const (
	BuiltinQuery        = "llm_query"
	BuiltinQueryBatched = "llm_query_batched"
	BuiltinBatchAlias   = "llm_batch"
	BuiltinFinal        = "FINAL"
	BuiltinFinalVar     = "FINAL_VAR"
)

var reservedNames = map[string]bool{
	BuiltinQuery:        true,
	BuiltinQueryBatched: true,
	BuiltinBatchAlias:   true,
	BuiltinFinal:        true,
	BuiltinFinalVar:     true,
	"re":                true,
	"json":              true,
	"math":              true,
}

func isReserved(name string) bool {
	return reservedNames[name]
}

// errStop aborts the running chunk once a termination signal is recorded.
var errStop = errors.New("termination signal raised")

// turn tracks one execution's signal.
type turn struct {
	caps    Capabilities
	stopped bool
}

func (t *turn) capabilityBuiltins(ctx context.Context) starlark.StringDict {
	query := starlark.NewBuiltin(BuiltinQuery, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var prompt starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &prompt); err != nil {
			return nil, err
		}
		return starlark.String(t.caps.Query(ctx, valueText(prompt))), nil
	})

	batch := func(name string) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var seq starlark.Iterable
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seq); err != nil {
				return nil, err
			}
			var prompts []string
			iter := seq.Iterate()
			defer iter.Done()
			var v starlark.Value
			for iter.Next(&v) {
				prompts = append(prompts, valueText(v))
			}
			responses := t.caps.QueryBatch(ctx, prompts)
			elems := make([]starlark.Value, len(responses))
			for i, r := range responses {
				elems[i] = starlark.String(r)
			}
			return starlark.NewList(elems), nil
		})
	}

	final := starlark.NewBuiltin(BuiltinFinal, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var value starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &value); err != nil {
			return nil, err
		}
		t.caps.Final(valueText(value))
		t.stopped = true
		return nil, errStop
	})

	finalVar := starlark.NewBuiltin(BuiltinFinalVar, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		t.caps.FinalVar(strings.TrimSpace(name))
		t.stopped = true
		return nil, errStop
	})

	return starlark.StringDict{
		BuiltinQuery:        query,
		BuiltinQueryBatched: batch(BuiltinQueryBatched),
		BuiltinBatchAlias:   batch(BuiltinBatchAlias),
		BuiltinFinal:        final,
		BuiltinFinalVar:     finalVar,
		"re":                reModule,
		"json":              json.Module,
		"math":              math.Module,
	}
}

func pluginBuiltin(ctx context.Context, fn Function) *starlark.Builtin {
	return starlark.NewBuiltin(fn.Name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		pos := make([]any, len(args))
		for i, a := range args {
			v, err := fromStarlark(a)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			pos[i] = v
		}
		kw := make(map[string]any, len(kwargs))
		for _, pair := range kwargs {
			key, _ := starlark.AsString(pair[0])
			v, err := fromStarlark(pair[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			kw[key] = v
		}
		full, err := bindArgs(fn, pos, kw)
		if err != nil {
			return nil, err
		}
		out, err := fn.Handler(ctx, full...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return toStarlark(out)
	})
}

// toStarlark converts a Go helper result into a Starlark value.
func toStarlark(v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return v, nil
	case string:
		return starlark.String(v), nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		return starlark.Float(v), nil
	case []string:
		elems := make([]starlark.Value, len(v))
		for i, s := range v {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(v))
		for _, k := range keys {
			sv, err := toStarlark(v[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported result type %T", v)
	}
}

// fromStarlark converts a Starlark argument into a Go value.
func fromStarlark(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.String:
		return string(v), nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		n, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", v)
		}
		return int(n), nil
	case starlark.Float:
		return float64(v), nil
	case *starlark.List:
		return iterableToGo(v)
	case starlark.Tuple:
		return iterableToGo(v)
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			val, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported argument type %s", v.Type())
	}
}

func iterableToGo(seq starlark.Iterable) ([]any, error) {
	var out []any
	iter := seq.Iterate()
	defer iter.Done()
	var v starlark.Value
	for iter.Next(&v) {
		g, err := fromStarlark(v)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// reModule exposes Go regular expressions (RE2 syntax) to sandboxed code.
var reModule = &starlarkstruct.Module{
	Name: "re",
	Members: starlark.StringDict{
		"findall": starlark.NewBuiltin("re.findall", reFindall),
		"search":  starlark.NewBuiltin("re.search", reSearch),
		"split":   starlark.NewBuiltin("re.split", reSplit),
		"sub":     starlark.NewBuiltin("re.sub", reSub),
	},
}

func compilePattern(name, pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid pattern: %w", name, err)
	}
	return re, nil
}

func reFindall(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &text); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	var elems []starlark.Value
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		switch len(m) {
		case 1:
			elems = append(elems, starlark.String(m[0]))
		case 2:
			elems = append(elems, starlark.String(m[1]))
		default:
			groups := make(starlark.Tuple, len(m)-1)
			for i, g := range m[1:] {
				groups[i] = starlark.String(g)
			}
			elems = append(elems, groups)
		}
	}
	return starlark.NewList(elems), nil
}

func reSearch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &text); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return starlark.None, nil
	}
	groups := make(starlark.Tuple, len(loc)/2)
	for i := range groups {
		if loc[2*i] < 0 {
			groups[i] = starlark.None
			continue
		}
		groups[i] = starlark.String(text[loc[2*i]:loc[2*i+1]])
	}
	group := starlark.NewBuiltin("group", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		n := 0
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &n); err != nil {
			return nil, err
		}
		if n < 0 || n >= len(groups) {
			return nil, fmt.Errorf("group: no such group %d", n)
		}
		return groups[n], nil
	})
	return starlarkstruct.FromStringDict(starlark.String("match"), starlark.StringDict{
		"start":  starlark.MakeInt(loc[0]),
		"end":    starlark.MakeInt(loc[1]),
		"groups": groups[1:],
		"group":  group,
	}), nil
}

func reSplit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &text); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	parts := re.Split(text, -1)
	elems := make([]starlark.Value, len(parts))
	for i, p := range parts {
		elems[i] = starlark.String(p)
	}
	return starlark.NewList(elems), nil
}

// pyGroupRef matches Python-style \1 backreferences in replacements.
var pyGroupRef = regexp.MustCompile(`\\(\d+)`)

func reSub(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "repl", &repl, "string", &text); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	repl = pyGroupRef.ReplaceAllString(repl, "$${$1}")
	return starlark.String(re.ReplaceAllString(text, repl)), nil
}
