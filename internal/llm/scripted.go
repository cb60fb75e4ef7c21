package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Scripted replays a fixed list of responses in order, one per call. Once
// the script is exhausted it keeps returning the last response. It is used
// for offline runs and tests.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	next      int
	prompts   []string
}

// NewScripted creates a backend that replays responses.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

// scriptSeparator separates responses in a script file.
const scriptSeparator = "\n---\n"

// LoadScript reads a script file of responses separated by lines holding
// only "---".
func LoadScript(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	var responses []string
	for _, part := range strings.Split(text, scriptSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			responses = append(responses, part)
		}
	}
	if len(responses) == 0 {
		return nil, fmt.Errorf("script %s has no responses", path)
	}
	return NewScripted(responses...), nil
}

// Generate returns the next scripted response.
func (s *Scripted) Generate(ctx context.Context, prompt string, stop []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify("scripted", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.responses) == 0 {
		return "", &Error{Op: "scripted", Kind: ErrBackendUnavailable}
	}
	i := min(s.next, len(s.responses)-1)
	s.next++
	return CutAtStop(s.responses[i], stop), nil
}

// Prompts returns every prompt received so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Calls returns the number of Generate calls.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

var _ Backend = (*Scripted)(nil)
