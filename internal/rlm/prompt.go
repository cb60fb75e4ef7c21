package rlm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MakeNowJust/heredoc"
	"github.com/rand/rlmchat/internal/rlm/repl"
)

const (
	previewRunes     = 200
	historyOutputCap = 4000
)

var systemPrompt = heredoc.Doc(`
	You have access to a Starlark REPL (a small Python dialect) to answer questions about documents.

	## Available Variables
	- context: the document text (may be very large)
	- query: the user's question

	## Available Functions
	- print(...): show output; you see it on the next turn
	- llm_query(prompt): ask a sub-question to another model session and get its answer as text
	- llm_query_batched(prompts): run several sub-questions in parallel; answers come back in order
	- FINAL(answer): return your final answer (REQUIRED when done)
	- FINAL_VAR(name): return the value of a variable as the final answer
	- re: regex module with findall, search, split and sub
	- json, math: the Starlark json and math modules
`)

var strategyPrompt = heredoc.Doc(`
	## Strategy
	1. First, check the context size: print(len(context)). len and slicing count bytes; char_len(context) counts characters
	2. Peek at the content: print(context[:1000])
	3. Search if needed: print(re.findall(r'pattern', context))
	4. For large contexts, split it and use llm_query() on the chunks
	5. Call FINAL("your answer") when done

	## Rules
	- Write code in ` + "```python" + ` blocks
	- Variables persist between turns; there are no imports, files or network
	- Always end with FINAL() when you have the answer
	- Don't try to read all of the context at once if it is large
`)

// buildPrompt renders the prompt for the next turn. It depends only on its
// arguments, so the same trace always yields the same prompt.
func buildPrompt(query, context string, helpers []repl.Function, trace []Step, window int) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	for _, fn := range helpers {
		fmt.Fprintf(&sb, "- %s: %s\n", fn.Signature(), fn.Description)
	}
	sb.WriteString("\n")
	sb.WriteString(strategyPrompt)

	sb.WriteString("\n## Your Task\n")
	fmt.Fprintf(&sb, "Context length: %d bytes (%d characters)\n", len(context), utf8.RuneCountInString(context))
	fmt.Fprintf(&sb, "Context preview: %q\n", preview(context, previewRunes))
	fmt.Fprintf(&sb, "Question: %s\n", query)

	turns := groupTurns(trace)
	if len(turns) == 0 {
		sb.WriteString("\nStart by examining the context, then answer the question.\n")
		return sb.String()
	}
	first := 0
	if window > 0 && len(turns) > window {
		first = len(turns) - window
		fmt.Fprintf(&sb, "\n(%d earlier turns omitted)\n", first)
	}
	for i := first; i < len(turns); i++ {
		writeTurn(&sb, i+1, turns[i])
	}
	sb.WriteString("\nContinue analyzing. Remember to call FINAL(answer) when you have the answer.\n")
	sb.WriteString("Write your next code block:\n")
	return sb.String()
}

// groupTurns splits a trace into turns, each starting at a CODE step.
func groupTurns(trace []Step) [][]Step {
	var turns [][]Step
	for _, s := range trace {
		if s.Kind == StepCode || len(turns) == 0 {
			turns = append(turns, nil)
		}
		turns[len(turns)-1] = append(turns[len(turns)-1], s)
	}
	return turns
}

func writeTurn(sb *strings.Builder, n int, turn []Step) {
	for _, s := range turn {
		switch s.Kind {
		case StepCode:
			fmt.Fprintf(sb, "\n## Turn %d\n```python\n%s\n```\n", n, s.Payload)
		case StepSubCall:
			fmt.Fprintf(sb, "llm_query(%q) -> %s\n", preview(s.SubCall.Prompt, previewRunes), preview(s.Payload, previewRunes))
		case StepOutput:
			out := s.Payload
			if out == "" {
				out = "(no output)"
			}
			fmt.Fprintf(sb, "Output:\n```\n%s\n```\n", clip(out, historyOutputCap))
		}
	}
}

// preview returns the first n runes of s.
func preview(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return preview(s, n)
}
