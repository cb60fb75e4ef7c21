package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rand/rlmchat/internal/rlm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const answerLength = "```python\nFINAL(str(len(context)))\n```"

func TestAsk_Stdin(t *testing.T) {
	e := newEnv(t, answerLength)
	out, errOut, err := e.run(t, "hello", "ask", "how long is it?")
	require.NoError(t, err)
	assert.Equal(t, "5\n", out)
	assert.Contains(t, errOut, "[RLM] Starting: how long is it?")
}

func TestAsk_FileAndQuiet(t *testing.T) {
	e := newEnv(t, answerLength)
	path := filepath.Join(e.dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 50)), 0o644))

	out, errOut, err := e.run(t, "", "ask", "-q", "--file", path, "length?")
	require.NoError(t, err)
	assert.Equal(t, "50\n", out)
	assert.NotContains(t, errOut, "[RLM]")
}

func TestAsk_Doc(t *testing.T) {
	e := newEnv(t, answerLength)
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, "docs", "a.txt"), []byte("abc"), 0o644))

	out, _, err := e.run(t, "", "ask", "-q", "--doc", "a.txt", "length?")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)
}

func TestAsk_JSON(t *testing.T) {
	e := newEnv(t, answerLength)
	out, _, err := e.run(t, "abcd", "ask", "--json", "length?")
	require.NoError(t, err)

	var result rlm.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, rlm.ReasonFinal, result.Reason)
	assert.Equal(t, "4", result.FinalAnswer)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, rlm.StepCode, result.Trace[0].Kind)
}

func TestAsk_TraceAndMetrics(t *testing.T) {
	e := newEnv(t, answerLength)
	_, errOut, err := e.run(t, "abc", "ask", "-q", "--trace", "--metrics", "length?")
	require.NoError(t, err)
	assert.Contains(t, errOut, "[C]")
	assert.Contains(t, errOut, "[F]")
	assert.Contains(t, errOut, "FINAL, 1 iterations")
	assert.Contains(t, errOut, "rlmchat_sessions_total")
}

func TestAsk_RenderMarkdown(t *testing.T) {
	e := newEnv(t, "```python\nFINAL(\"# Answer\\n\\n**fifty** items\")\n```")
	out, _, err := e.run(t, "abc", "ask", "-q", "--render", "count?")
	require.NoError(t, err)
	assert.Contains(t, out, "Answer")
	assert.Contains(t, out, "fifty")
	assert.NotEqual(t, "# Answer\n\n**fifty** items\n", out)
}

func TestAsk_MaxIterationsFlag(t *testing.T) {
	e := newEnv(t, "```python\nprint('working')\n```")
	out, _, err := e.run(t, "abc", "ask", "-q", "--max-iterations", "2", "never done")
	require.NoError(t, err)
	assert.Equal(t, "working\n", out)
}

func TestAsk_NoQuestion(t *testing.T) {
	e := newEnv(t, answerLength)
	_, _, err := e.run(t, "abc", "ask")
	assert.ErrorContains(t, err, "no question")
}

func TestAsk_InvalidConfig(t *testing.T) {
	e := newEnv(t, answerLength)
	_, _, err := e.run(t, "abc", "ask", "--max-depth", "-1", "q")
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestSummarize_Stdin(t *testing.T) {
	e := newEnv(t, "```python\nFINAL(\"gist\")\n```")
	out, _, err := e.run(t, "one paragraph\n\nanother paragraph", "summarize", "--chunk-size", "20")
	require.NoError(t, err)
	assert.Equal(t, "gist\n\ngist\n", out)
}

func TestSummarize_GroupSize(t *testing.T) {
	e := newEnv(t, "```python\nFINAL(\"gist\")\n```")
	out, _, err := e.run(t, "one paragraph\n\nanother paragraph", "summarize", "--chunk-size", "20", "--group-size", "2")
	require.NoError(t, err)
	assert.Equal(t, "gist\n", out)
}

func TestSummarize_Empty(t *testing.T) {
	e := newEnv(t, "unused")
	_, _, err := e.run(t, "   ", "summarize")
	assert.ErrorContains(t, err, "nothing to summarize")
}

func TestTrace_ListAndShow(t *testing.T) {
	e := newEnv(t, answerLength)
	_, _, err := e.run(t, "abc", "ask", "-q", "first question")
	require.NoError(t, err)

	out, _, err := e.run(t, "", "trace", "list", "--json")
	require.NoError(t, err)
	var sessions []struct {
		ID    string
		Query string
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "first question", sessions[0].Query)

	out, _, err = e.run(t, "", "trace", "list")
	require.NoError(t, err)
	assert.Contains(t, out, sessions[0].ID)
	assert.Contains(t, out, "FINAL")

	out, _, err = e.run(t, "", "trace", "show", "--children", sessions[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Session "+sessions[0].ID)
	assert.Contains(t, out, "[C]")
	assert.Contains(t, out, "FINAL(str(len(context)))")
}

func TestTrace_ShowUnknown(t *testing.T) {
	e := newEnv(t, "unused")
	_, _, err := e.run(t, "", "trace", "show", "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestTrace_ListEmpty(t *testing.T) {
	e := newEnv(t, "unused")
	out, _, err := e.run(t, "", "trace", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions recorded.")
}
