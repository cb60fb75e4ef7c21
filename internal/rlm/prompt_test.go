package rlm

import (
	"strings"
	"testing"

	"github.com/rand/rlmchat/internal/rlm/repl"
	"github.com/stretchr/testify/assert"
)

func codeTurn(trace []Step, code, output string) []Step {
	trace = append(trace, Step{Index: len(trace), Kind: StepCode, Payload: code})
	return append(trace, Step{Index: len(trace), Kind: StepOutput, Payload: output})
}

func TestBuildPrompt_FirstTurn(t *testing.T) {
	helpers := repl.DefaultRegistry().Functions()
	context := strings.Repeat("abc ", 100)

	prompt := buildPrompt("What is it?", context, helpers, nil, 0)

	assert.Contains(t, prompt, "Context length: 400 bytes (400 characters)")
	assert.Contains(t, prompt, "Question: What is it?")
	assert.Contains(t, prompt, "grep(text, pattern, context=0)")
	assert.Contains(t, prompt, "Start by examining the context")
	assert.NotContains(t, prompt, context)
	assert.NotContains(t, prompt, "## Turn")
}

func TestBuildPrompt_NonASCIIContextLength(t *testing.T) {
	prompt := buildPrompt("q", "héllo wörld", nil, nil, 0)
	assert.Contains(t, prompt, "Context length: 13 bytes (11 characters)")
}

func TestBuildPrompt_History(t *testing.T) {
	trace := codeTurn(nil, "print(len(context))", "400")
	trace = append(trace, Step{Index: 2, Kind: StepCode, Payload: `r = llm_query("sub")`})
	trace = append(trace, Step{Index: 3, Kind: StepSubCall, Payload: "answer", SubCall: &repl.SubCall{Prompt: "sub"}})
	trace = append(trace, Step{Index: 4, Kind: StepOutput, Payload: ""})

	prompt := buildPrompt("q", "ctx", nil, trace, 0)

	assert.Contains(t, prompt, "## Turn 1\n```python\nprint(len(context))\n```\nOutput:\n```\n400\n```")
	assert.Contains(t, prompt, `llm_query("sub") -> answer`)
	assert.Contains(t, prompt, "(no output)")
	assert.Contains(t, prompt, "Write your next code block:")
}

func TestBuildPrompt_HistoryWindow(t *testing.T) {
	var trace []Step
	for _, code := range []string{"a = 1", "b = 2", "c = 3"} {
		trace = codeTurn(trace, code, "")
	}

	prompt := buildPrompt("q", "ctx", nil, trace, 2)

	assert.Contains(t, prompt, "(1 earlier turns omitted)")
	assert.NotContains(t, prompt, "a = 1")
	assert.Contains(t, prompt, "## Turn 2\n```python\nb = 2")
	assert.Contains(t, prompt, "## Turn 3\n```python\nc = 3")
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	trace := codeTurn(nil, "print(1)", "1")
	helpers := repl.DefaultRegistry().Functions()

	assert.Equal(t,
		buildPrompt("q", "ctx", helpers, trace, 0),
		buildPrompt("q", "ctx", helpers, trace, 0))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short", 10))
	assert.Equal(t, "ab...", preview("abcdef", 2))
	assert.Equal(t, "hé...", preview("héllo", 2))
}
