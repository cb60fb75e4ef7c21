package repl

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopCapabilities records signals and answers queries with their prompt.
type nopCapabilities struct {
	signal Signal
}

func (c *nopCapabilities) Query(ctx context.Context, prompt string) string { return prompt }

func (c *nopCapabilities) QueryBatch(ctx context.Context, prompts []string) []string {
	return prompts
}

func (c *nopCapabilities) Final(value string) {
	c.signal = Signal{Kind: SignalFinal, Value: value}
}

func (c *nopCapabilities) FinalVar(name string) {
	c.signal = Signal{Kind: SignalFinalVar, Value: name}
}

func runStarlark(t *testing.T, config SandboxConfig, code string) (string, *State, error) {
	t.Helper()
	sb, err := NewStarlark(config, DefaultRegistry())
	require.NoError(t, err)
	state := NewState("hello world", "q", 0)
	out, err := sb.Run(context.Background(), code, state, &nopCapabilities{})
	return out, state, err
}

func TestStarlark_Timeout(t *testing.T) {
	config := DefaultSandboxConfig()
	config.Timeout = 20 * time.Millisecond
	config.MaxSteps = 0

	_, _, err := runStarlark(t, config, "while True:\n    pass")

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindTimeout, execErr.Kind)
}

func TestStarlark_StepLimit(t *testing.T) {
	config := DefaultSandboxConfig()
	config.MaxSteps = 1000

	_, _, err := runStarlark(t, config, "n = 0\nwhile True:\n    n += 1")

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindStepLimit, execErr.Kind)
}

func TestStarlark_CancelledBeforeRun(t *testing.T) {
	sb, err := NewStarlark(DefaultSandboxConfig(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = sb.Run(ctx, "x = 1", NewState("", "", 0), &nopCapabilities{})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindCancelled, execErr.Kind)
}

func TestStarlark_OutputTruncated(t *testing.T) {
	config := DefaultSandboxConfig()
	config.MaxOutputLength = 10

	out, _, err := runStarlark(t, config, "for i in range(100):\n    print('abcdef')")

	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, truncationMarker), out)
	assert.Equal(t, "abcdef\nabc\n"+truncationMarker, out)
}

func TestStarlark_ReModule(t *testing.T) {
	code := `
text = "id=12 name=ann id=7 name=bo"
print(re.findall(r"id=(\d+)", text))
print(re.findall(r"(\w+)=(\w+)", "a=1 b=2"))
m = re.search(r"name=(\w+)", text)
print(m.group(0), m.group(1), m.start, m.groups)
print(re.search("zzz", text))
print(re.split(r"\s+", "a  b c"))
print(re.sub(r"id=(\d+)", r"#\1", text))
`
	out, _, err := runStarlark(t, DefaultSandboxConfig(), code)

	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		`["12", "7"]`,
		`[("a", "1"), ("b", "2")]`,
		`name=ann ann 6 ("ann",)`,
		`None`,
		`["a", "b", "c"]`,
		`#12 name=ann #7 name=bo`,
	}, "\n"), out)
}

func TestStarlark_InvalidRegexIsRuntimeError(t *testing.T) {
	_, _, err := runStarlark(t, DefaultSandboxConfig(), `re.findall("(", "x")`)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindRuntime, execErr.Kind)
	assert.Contains(t, execErr.Message, "invalid pattern")
}

func TestStarlark_JSONModule(t *testing.T) {
	out, _, err := runStarlark(t, DefaultSandboxConfig(), `print(json.decode('{"a": [1, 2]}')["a"][1])`)

	require.NoError(t, err)
	assert.Equal(t, "2", out)
}

func TestStarlark_HelpersWithKeywords(t *testing.T) {
	code := `
print(peek(context, end=5))
print(grep("a\nfoo\nb\nfoo2", "^foo", context=0))
print(len(partition(context, 3)))
print(split_chunks("aa\n\nbb", size=4))
print(count_tokens_approx(context))
`
	out, _, err := runStarlark(t, DefaultSandboxConfig(), code)

	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		`hello`,
		`["2: foo", "4: foo2"]`,
		`3`,
		`["aa\n\n", "bb"]`,
		`3`,
	}, "\n"), out)
}

func TestStarlark_HelperArgumentErrors(t *testing.T) {
	_, _, err := runStarlark(t, DefaultSandboxConfig(), `peek(context, bogus=1)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected keyword argument")

	_, _, err = runStarlark(t, DefaultSandboxConfig(), `peek()`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing argument")
}

func TestStarlark_GlobalReassignAcrossChunks(t *testing.T) {
	sb, err := NewStarlark(DefaultSandboxConfig(), nil)
	require.NoError(t, err)
	state := NewState("", "", 0)
	caps := &nopCapabilities{}
	ctx := context.Background()

	_, err = sb.Run(ctx, "x = 1", state, caps)
	require.NoError(t, err)
	_, err = sb.Run(ctx, "x = x + 1\nx += 1", state, caps)
	require.NoError(t, err)

	v, _ := state.Lookup("x")
	assert.Equal(t, "3", v)
}

func TestStarlark_DefFunctionsPersist(t *testing.T) {
	sb, err := NewStarlark(DefaultSandboxConfig(), nil)
	require.NoError(t, err)
	state := NewState("", "", 0)
	caps := &nopCapabilities{}
	ctx := context.Background()

	_, err = sb.Run(ctx, "def double(n):\n    return n * 2", state, caps)
	require.NoError(t, err)
	out, err := sb.Run(ctx, "print(double(21))", state, caps)

	require.NoError(t, err)
	assert.Equal(t, "42", out)
}

func TestStarlark_FinalStopsExecution(t *testing.T) {
	sb, err := NewStarlark(DefaultSandboxConfig(), nil)
	require.NoError(t, err)
	caps := &nopCapabilities{}

	out, err := sb.Run(context.Background(), "print('a')\nFINAL('done')\nprint('b')", NewState("", "", 0), caps)

	require.NoError(t, err)
	assert.Equal(t, "a", out)
	assert.Equal(t, Signal{Kind: SignalFinal, Value: "done"}, caps.signal)
}

func TestSandboxConfig_Validate(t *testing.T) {
	config := SandboxConfig{}
	require.NoError(t, config.Validate())
	assert.Equal(t, DefaultSandboxConfig().Timeout, config.Timeout)
	assert.Equal(t, DefaultSandboxConfig().MaxOutputLength, config.MaxOutputLength)

	bad := SandboxConfig{Timeout: -1}
	assert.Error(t, bad.Validate())
}

func TestExecutionError_Format(t *testing.T) {
	err := &ExecutionError{Kind: KindRuntime, Message: "boom", Line: 2, Column: 5}
	assert.Equal(t, "RuntimeError: boom (line 2, column 5)", err.Error())
	assert.Equal(t, "Error: RuntimeError: boom (line 2, column 5)", FormatError(err))
	assert.ErrorIs(t, err, ErrExecution)
}
