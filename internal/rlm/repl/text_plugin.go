package repl

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rand/rlmchat/internal/textsplit"
)

// TextPlugin provides helpers for inspecting large strings such as the
// session context.
type TextPlugin struct{}

// NewTextPlugin creates the text helper plugin.
func NewTextPlugin() *TextPlugin {
	return &TextPlugin{}
}

func (p *TextPlugin) Name() string { return "text" }

func (p *TextPlugin) Description() string {
	return "Helpers for slicing, searching and splitting large text"
}

func (p *TextPlugin) Functions() map[string]Function {
	textParam := FunctionParameter{Name: "text", Type: "string", Description: "Text to inspect", Required: true}
	return map[string]Function{
		"peek": {
			Description: "Return text[start:end], clamped to the text bounds",
			Parameters: []FunctionParameter{
				textParam,
				{Name: "start", Type: "int", Description: "Start offset", Default: 0},
				{Name: "end", Type: "int", Description: "End offset", Default: 1000},
			},
			Handler: p.peek,
		},
		"grep": {
			Description: "Return matching lines as 'N: line', with optional surrounding lines",
			Parameters: []FunctionParameter{
				textParam,
				{Name: "pattern", Type: "string", Description: "Regular expression", Required: true},
				{Name: "context", Type: "int", Description: "Lines of context around each match", Default: 0},
			},
			Handler: p.grep,
		},
		"partition": {
			Description: "Split text into n parts of roughly equal size",
			Parameters: []FunctionParameter{
				textParam,
				{Name: "n", Type: "int", Description: "Number of parts", Required: true},
			},
			Handler: p.partition,
		},
		"split_chunks": {
			Description: "Split text into chunks of at most size characters, preferring paragraph breaks",
			Parameters: []FunctionParameter{
				textParam,
				{Name: "size", Type: "int", Description: "Maximum chunk length", Default: 1000},
			},
			Handler: p.splitChunks,
		},
		"char_len": {
			Description: "Count the Unicode characters in text (len counts bytes)",
			Parameters:  []FunctionParameter{textParam},
			Handler:     p.charLen,
		},
		"count_tokens_approx": {
			Description: "Estimate the token count of text (about 4 bytes per token)",
			Parameters:  []FunctionParameter{textParam},
			Handler:     p.countTokens,
		},
	}
}

func (p *TextPlugin) peek(ctx context.Context, args ...any) (any, error) {
	text, err := argString(args, 0, "text")
	if err != nil {
		return nil, err
	}
	start, err := argInt(args, 1, "start")
	if err != nil {
		return nil, err
	}
	end, err := argInt(args, 2, "end")
	if err != nil {
		return nil, err
	}
	start = clamp(start, 0, len(text))
	end = clamp(end, start, len(text))
	return text[start:end], nil
}

func (p *TextPlugin) grep(ctx context.Context, args ...any) (any, error) {
	text, err := argString(args, 0, "text")
	if err != nil {
		return nil, err
	}
	pattern, err := argString(args, 1, "pattern")
	if err != nil {
		return nil, err
	}
	window, err := argInt(args, 2, "context")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("grep: invalid pattern: %w", err)
	}

	lines := strings.Split(text, "\n")
	keep := make([]bool, len(lines))
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		for j := max(0, i-window); j <= min(len(lines)-1, i+window); j++ {
			keep[j] = true
		}
	}
	out := []any{}
	for i, line := range lines {
		if keep[i] {
			out = append(out, fmt.Sprintf("%d: %s", i+1, line))
		}
	}
	return out, nil
}

func (p *TextPlugin) partition(ctx context.Context, args ...any) (any, error) {
	text, err := argString(args, 0, "text")
	if err != nil {
		return nil, err
	}
	n, err := argInt(args, 1, "n")
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("partition: n must be positive, got %d", n)
	}

	size := (len(text) + n - 1) / n
	out := []any{}
	for rest := text; rest != ""; {
		cut := min(size, len(rest))
		for cut < len(rest) && !utf8.RuneStart(rest[cut]) {
			cut++
		}
		out = append(out, rest[:cut])
		rest = rest[cut:]
	}
	return out, nil
}

func (p *TextPlugin) splitChunks(ctx context.Context, args ...any) (any, error) {
	text, err := argString(args, 0, "text")
	if err != nil {
		return nil, err
	}
	size, err := argInt(args, 1, "size")
	if err != nil {
		return nil, err
	}
	out := []any{}
	for _, c := range textsplit.Split(text, size) {
		out = append(out, c)
	}
	return out, nil
}

func (p *TextPlugin) charLen(ctx context.Context, args ...any) (any, error) {
	text, err := argString(args, 0, "text")
	if err != nil {
		return nil, err
	}
	return utf8.RuneCountInString(text), nil
}

func (p *TextPlugin) countTokens(ctx context.Context, args ...any) (any, error) {
	text, err := argString(args, 0, "text")
	if err != nil {
		return nil, err
	}
	return (len(text) + 3) / 4, nil
}

func argString(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %q: want string, got %T", name, args[i])
	}
	return s, nil
}

func argInt(args []any, i int, name string) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	switch v := args[i].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("argument %q: want int, got %T", name, args[i])
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

var _ Plugin = (*TextPlugin)(nil)
