package summarize

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rand/rlmchat/internal/llm"
	"github.com/rand/rlmchat/internal/rlm"
	"github.com/rand/rlmchat/internal/rlm/repl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecurser struct {
	mu      sync.Mutex
	prompts []string
	depths  []int
	respond func(prompt string) string
}

func (f *fakeRecurser) Recurse(ctx context.Context, prompt string, depth int, cfg rlm.RunConfig) repl.SubCall {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.depths = append(f.depths, depth)
	f.mu.Unlock()
	return repl.SubCall{Prompt: prompt, Response: f.respond(prompt), Depth: depth + 1}
}

func TestSummarizer_EmptyText(t *testing.T) {
	r := &fakeRecurser{respond: func(string) string { return "x" }}

	summary, err := New(r, Config{}).Summarize(context.Background(), "  \n\n ", rlm.RunConfig{})

	require.NoError(t, err)
	assert.Empty(t, summary.Chunks)
	assert.Empty(t, summary.Final)
	assert.Empty(t, r.prompts)
}

func TestSummarizer_CombinesInIssueOrder(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph\n\nthird paragraph"
	delays := map[string]time.Duration{"first": 30 * time.Millisecond, "second": 15 * time.Millisecond}
	r := &fakeRecurser{respond: func(prompt string) string {
		chunk := strings.TrimPrefix(prompt, chunkPrompt)
		word, _, _ := strings.Cut(chunk, " ")
		time.Sleep(delays[word])
		return "summary of " + word
	}}

	summary, err := New(r, Config{Parallel: 3}).Summarize(context.Background(), text, rlm.RunConfig{ChunkSize: 20})

	require.NoError(t, err)
	assert.Equal(t, []string{"first paragraph", "second paragraph", "third paragraph"}, summary.Chunks)
	assert.Equal(t, "summary of first\n\nsummary of second\n\nsummary of third", summary.Combined)
	assert.Equal(t, summary.Combined, summary.Final)
	assert.Nil(t, summary.Compressed)
	for _, d := range r.depths {
		assert.Equal(t, 0, d)
	}
	for i, c := range summary.Calls {
		assert.Equal(t, chunkPrompt+summary.Chunks[i], c.Prompt)
	}
}

func TestSummarizer_Compress(t *testing.T) {
	r := &fakeRecurser{respond: func(prompt string) string {
		if strings.HasPrefix(prompt, combinePrompt) {
			return "overview"
		}
		return "part"
	}}

	summary, err := New(r, Config{Compress: true}).Summarize(context.Background(), "a\n\nb", rlm.RunConfig{ChunkSize: 2})

	require.NoError(t, err)
	assert.Equal(t, "part\n\npart", summary.Combined)
	require.NotNil(t, summary.Compressed)
	assert.Equal(t, combinePrompt+"part\n\npart", summary.Compressed.Prompt)
	assert.Equal(t, "overview", summary.Final)
	assert.Len(t, r.prompts, 3)
}

func TestSummarizer_ReducesInRounds(t *testing.T) {
	var mu sync.Mutex
	merges := 0
	r := &fakeRecurser{respond: func(prompt string) string {
		if group, ok := strings.CutPrefix(prompt, mergePrompt); ok {
			mu.Lock()
			defer mu.Unlock()
			merges++
			return "m(" + strings.ReplaceAll(group, "\n\n", ",") + ")"
		}
		return strings.TrimPrefix(prompt, chunkPrompt)
	}}
	text := "a\n\nb\n\nc\n\nd\n\ne"

	summary, err := New(r, Config{GroupSize: 3, Compress: true}).Summarize(context.Background(), text, rlm.RunConfig{ChunkSize: 1})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, summary.Chunks)
	require.Len(t, summary.Rounds, 2)
	assert.Len(t, summary.Rounds[0], 2)
	assert.Len(t, summary.Rounds[1], 1)
	assert.Equal(t, "m(m(a,b,c),m(d,e))", summary.Final)
	assert.Equal(t, 3, summary.Levels)
	assert.Nil(t, summary.Compressed)
	assert.Equal(t, 3, merges)
}

func TestSummarizer_SingleChunkSkipsRounds(t *testing.T) {
	r := &fakeRecurser{respond: func(string) string { return "only" }}

	summary, err := New(r, Config{GroupSize: 3}).Summarize(context.Background(), "short", rlm.RunConfig{})

	require.NoError(t, err)
	assert.Empty(t, summary.Rounds)
	assert.Equal(t, 1, summary.Levels)
	assert.Equal(t, "only", summary.Final)
	assert.Len(t, r.prompts, 1)
}

func TestSummarizer_KeepsFailedChunks(t *testing.T) {
	r := &fakeRecurser{respond: func(prompt string) string {
		if strings.Contains(prompt, "bad") {
			return "Error: BackendError: down"
		}
		return "ok"
	}}

	summary, err := New(r, Config{}).Summarize(context.Background(), "good\n\nbad", rlm.RunConfig{ChunkSize: 5})

	require.NoError(t, err)
	assert.Equal(t, "ok\n\nError: BackendError: down", summary.Combined)
	require.Len(t, summary.Failed(), 1)
	assert.Contains(t, summary.Failed()[0].Prompt, "bad")
}

func TestSummarizer_InvalidConfig(t *testing.T) {
	r := &fakeRecurser{respond: func(string) string { return "" }}

	_, err := New(r, Config{}).Summarize(context.Background(), "text", rlm.RunConfig{ChunkSize: -1})

	assert.ErrorContains(t, err, "chunk_size")
}

func TestSummarizer_WithEngine(t *testing.T) {
	backend := llm.Func(func(ctx context.Context, prompt string, stop []string) (string, error) {
		return "```python\nFINAL(\"chunk of \" + str(len(context)))\n```", nil
	})
	sandbox, err := repl.NewStarlark(repl.DefaultSandboxConfig(), repl.DefaultRegistry())
	require.NoError(t, err)
	engine := rlm.New(backend, sandbox, rlm.Options{})

	text := strings.Repeat("a", 10) + "\n\n" + strings.Repeat("b", 10)
	summary, err := New(engine, Config{}).Summarize(context.Background(), text, rlm.RunConfig{ChunkSize: 12})

	require.NoError(t, err)
	require.Len(t, summary.Calls, 2)
	n := len(chunkPrompt) + 10
	want := "chunk of " + strconv.Itoa(n)
	assert.Equal(t, want+"\n\n"+want, summary.Final)
	for _, c := range summary.Calls {
		assert.Equal(t, 1, c.Depth)
		assert.Equal(t, "FINAL", c.Reason)
	}
}
