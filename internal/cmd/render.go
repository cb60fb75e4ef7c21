package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"charm.land/glamour/v2"
	"charm.land/lipgloss/v2"
	"github.com/alecthomas/chroma/v2/quick"
	"github.com/rand/rlmchat/internal/rlm"
	"github.com/rand/rlmchat/internal/rlm/tracestore"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	codeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	callStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	finalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

const stepPreview = 100

// renderResult prints the trace of a finished run.
func renderResult(w io.Writer, r *rlm.Result) {
	var sb strings.Builder
	writeHeader(&sb, 0, r.SessionID, r.Query, r.Reason, r.Iterations, r.Duration, r.Error)
	writeSteps(&sb, 0, r.Trace, isTerminal(w))
	lipgloss.Fprint(w, sb.String())
}

// renderTree prints a stored session and the sessions nested below it.
func renderTree(w io.Writer, node *tracestore.TreeNode) {
	var sb strings.Builder
	writeNode(&sb, node, isTerminal(w))
	lipgloss.Fprint(w, sb.String())
}

// renderMarkdown renders an answer for w. Terminals get the dark style,
// anything else the plain notty style.
func renderMarkdown(w io.Writer, text string) (string, error) {
	style := "notty"
	if isTerminal(w) {
		style = "dark"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	return r.Render(text)
}

func writeNode(sb *strings.Builder, node *tracestore.TreeNode, color bool) {
	s := node.Session
	writeHeader(sb, s.Depth, s.ID, s.Query, s.Reason, s.Iterations, s.Duration, s.Error)
	writeSteps(sb, s.Depth, s.Steps, color)
	for _, child := range node.Children {
		writeNode(sb, child, color)
	}
}

func writeHeader(sb *strings.Builder, depth int, id, query string, reason rlm.TerminationReason, iterations int, d time.Duration, errText string) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%s%s %s\n", indent, titleStyle.Render("Session "+id), dimStyle.Render(fmt.Sprintf("(depth %d)", depth)))
	fmt.Fprintf(sb, "%s  Query: %s\n", indent, truncate(query, stepPreview))

	status := string(reason)
	if status == "" {
		status = "RUNNING"
	}
	line := fmt.Sprintf("%s %s, %d iterations, %s", reasonIcon(reason), status, iterations, d.Round(time.Millisecond))
	if reason == rlm.ReasonBackendError {
		line = errorStyle.Render(line + ": " + truncate(errText, stepPreview))
	}
	fmt.Fprintf(sb, "%s  %s\n", indent, line)
}

func writeSteps(sb *strings.Builder, depth int, steps []rlm.Step, color bool) {
	indent := strings.Repeat("  ", depth)
	for _, step := range steps {
		fmt.Fprintf(sb, "%s  %s %s\n", indent, stepIcon(step.Kind), stepLine(step, color))
	}
}

func stepLine(step rlm.Step, color bool) string {
	text := truncate(step.Payload, stepPreview)
	switch step.Kind {
	case rlm.StepCode:
		if color {
			return highlight(text)
		}
		return codeStyle.Render(text)
	case rlm.StepSubCall:
		prefix := "llm_query"
		if step.SubCall != nil {
			prefix = fmt.Sprintf("llm_query(%q)", truncate(step.SubCall.Prompt, 40))
			if step.SubCall.Rejected {
				return errorStyle.Render(prefix + " rejected: " + text)
			}
		}
		return callStyle.Render(prefix + " -> " + text)
	case rlm.StepFinal:
		return finalStyle.Render(text)
	case rlm.StepOutput:
		if step.Payload == "" {
			return dimStyle.Render("(no output)")
		}
	}
	return text
}

// highlight colors a one-line code preview as Python.
func highlight(code string) string {
	var sb strings.Builder
	if err := quick.Highlight(&sb, code, "python", "terminal256", "monokai"); err != nil {
		return codeStyle.Render(code)
	}
	return strings.ReplaceAll(sb.String(), "\n", "")
}

func stepIcon(kind rlm.StepKind) string {
	switch kind {
	case rlm.StepCode:
		return "[C]"
	case rlm.StepOutput:
		return "[O]"
	case rlm.StepSubCall:
		return "[>]"
	case rlm.StepFinal:
		return "[F]"
	default:
		return "[*]"
	}
}

func reasonIcon(reason rlm.TerminationReason) string {
	switch reason {
	case rlm.ReasonFinal:
		return "v"
	case rlm.ReasonMaxIter:
		return "~"
	case rlm.ReasonBackendError:
		return "x"
	default:
		return "."
	}
}
