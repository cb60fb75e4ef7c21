package repl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPlugin struct {
	name      string
	functions map[string]Function
}

func (m *mockPlugin) Name() string                   { return m.name }
func (m *mockPlugin) Description() string            { return "mock plugin" }
func (m *mockPlugin) Functions() map[string]Function { return m.functions }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&mockPlugin{
		name: "test",
		functions: map[string]Function{
			"hello": {
				Description: "Says hello",
				Handler: func(ctx context.Context, args ...any) (any, error) {
					return "Hello!", nil
				},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"test"}, r.Plugins())
	fn, ok := r.Function("hello")
	require.True(t, ok)
	assert.Equal(t, "hello", fn.Name)

	out, err := r.Call(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello!", out)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	fns := map[string]Function{"f": {Handler: func(ctx context.Context, args ...any) (any, error) { return nil, nil }}}

	require.NoError(t, r.Register(&mockPlugin{name: "a", functions: fns}))

	err := r.Register(&mockPlugin{name: "a"})
	assert.ErrorContains(t, err, "already registered")

	err = r.Register(&mockPlugin{name: "b", functions: fns})
	assert.ErrorContains(t, err, `function "f" already registered`)
}

func TestRegistry_RejectsReservedNames(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&mockPlugin{name: "bad", functions: map[string]Function{"FINAL": {}}})
	assert.ErrorContains(t, err, "reserved")
}

func TestRegistry_CallAppliesDefaults(t *testing.T) {
	r := DefaultRegistry()

	out, err := r.Call(context.Background(), "peek", "abcdefgh", 2)
	require.NoError(t, err)
	assert.Equal(t, "cdefgh", out)

	_, err = r.Call(context.Background(), "nope")
	assert.Error(t, err)
}

func TestFunction_Signature(t *testing.T) {
	fn, ok := DefaultRegistry().Function("grep")
	require.True(t, ok)
	assert.Equal(t, "grep(text, pattern, context=0)", fn.Signature())
}

func TestTextPlugin_Grep(t *testing.T) {
	r := DefaultRegistry()
	text := "one\ntwo\nthree\nfour\nfive"

	out, err := r.Call(context.Background(), "grep", text, "^th", 1)

	require.NoError(t, err)
	assert.Equal(t, []any{"2: two", "3: three", "4: four"}, out)
}

func TestTextPlugin_Partition(t *testing.T) {
	r := DefaultRegistry()

	out, err := r.Call(context.Background(), "partition", "abcdefghij", 3)
	require.NoError(t, err)
	assert.Equal(t, []any{"abcd", "efgh", "ij"}, out)

	_, err = r.Call(context.Background(), "partition", "abc", 0)
	assert.Error(t, err)
}

func TestTextPlugin_PeekClamps(t *testing.T) {
	r := DefaultRegistry()

	out, err := r.Call(context.Background(), "peek", "abc", -5, 100)
	require.NoError(t, err)
	assert.Equal(t, "abc", out)

	out, err = r.Call(context.Background(), "peek", "abc", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestTextPlugin_WrongArgumentType(t *testing.T) {
	_, err := DefaultRegistry().Call(context.Background(), "count_tokens_approx", 5)
	assert.ErrorContains(t, err, "want string")
}
