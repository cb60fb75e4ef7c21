package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rand/rlmchat/internal/llm"
	"github.com/rand/rlmchat/internal/rlm"
	"github.com/rand/rlmchat/internal/rlm/repl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObservesEngineRun(t *testing.T) {
	m := NewMetrics()
	backend := m.Instrument(llm.Func(func(ctx context.Context, prompt string, stop []string) (string, error) {
		return "```python\nprint(llm_query(\"sub\"))\n```", nil
	}))
	sandbox, err := repl.NewStarlark(repl.DefaultSandboxConfig(), nil)
	require.NoError(t, err)
	engine := rlm.New(backend, sandbox, rlm.Options{Observer: m})

	_, err = engine.Run(context.Background(), "q", "ctx", rlm.RunConfig{MaxIterations: 1, MaxDepth: 1})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("0", "MAX_ITER")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("1", "MAX_ITER")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("CODE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("SUB_CALL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubCallsRejected))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BackendRequests.WithLabelValues("success")))
}

func TestMetrics_BackendStatus(t *testing.T) {
	m := NewMetrics()
	backend := m.Instrument(llm.Func(func(ctx context.Context, prompt string, stop []string) (string, error) {
		if prompt == "slow" {
			return "", &llm.Error{Op: "test", Kind: llm.ErrTimeout}
		}
		return "", errors.New("refused")
	}))

	_, _ = backend.Generate(context.Background(), "slow", nil)
	_, _ = backend.Generate(context.Background(), "other", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendRequests.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendRequests.WithLabelValues("unavailable")))
}

func TestMetrics_WatchPools(t *testing.T) {
	m := NewMetrics()
	pool := llm.NewPool(llm.NewScripted("x"), llm.DefaultPoolConfig())
	sandbox, err := repl.NewStarlark(repl.DefaultSandboxConfig(), nil)
	require.NoError(t, err)

	m.WatchPool(pool)
	m.WatchSandbox(repl.NewPool(sandbox, 2))

	n, err := testutil.GatherAndCount(m.Registry(),
		"rlmchat_backend_in_flight", "rlmchat_backend_breaker_state", "rlmchat_sandbox_running", "rlmchat_sandbox_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
