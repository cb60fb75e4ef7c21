package rlm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhase_Transitions(t *testing.T) {
	assert.True(t, PhaseInit.CanTransition(PhaseIterating))
	assert.False(t, PhaseInit.CanTransition(PhaseFinal))
	assert.True(t, PhaseIterating.CanTransition(PhaseIterating))
	assert.True(t, PhaseIterating.CanTransition(PhaseFinal))
	assert.True(t, PhaseIterating.CanTransition(PhaseMaxIter))
	assert.True(t, PhaseIterating.CanTransition(PhaseBackendError))

	for _, p := range []Phase{PhaseFinal, PhaseMaxIter, PhaseBackendError} {
		assert.True(t, p.Terminal(), p.String())
		assert.False(t, p.CanTransition(PhaseIterating), p.String())
	}
	assert.Equal(t, ReasonMaxIter, PhaseMaxIter.Reason())
	assert.Equal(t, "TERMINATED_FINAL", PhaseFinal.String())
}

func TestRunConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultRunConfig().Validate())
	assert.NoError(t, RunConfig{}.Validate())

	err := RunConfig{MaxIterations: -1, MaxDepth: -2}.Validate()
	assert.ErrorContains(t, err, "max_iterations")
	assert.ErrorContains(t, err, "max_depth")
}

func TestRunConfig_WithDefaults(t *testing.T) {
	cfg := RunConfig{}.WithDefaults()
	assert.Equal(t, DefaultRunConfig(), cfg)
	assert.Equal(t, 3, cfg.MaxDepth)

	cfg = RunConfig{MaxIterations: 2, MaxDepth: 5, ChunkSize: 50}.WithDefaults()
	assert.Equal(t, RunConfig{MaxIterations: 2, MaxDepth: 5, ChunkSize: 50}, cfg)
}

func TestRunConfig_DepthLimit(t *testing.T) {
	assert.Equal(t, 3, RunConfig{}.WithDefaults().DepthLimit())
	assert.Equal(t, 5, RunConfig{MaxDepth: 5}.DepthLimit())
	assert.Equal(t, 0, RunConfig{MaxDepth: 5, NoRecursion: true}.DepthLimit())
}

func TestResult_Steps(t *testing.T) {
	r := &Result{Trace: []Step{{Kind: StepCode}, {Kind: StepOutput}, {Kind: StepCode}}}
	assert.Len(t, r.Steps(StepCode), 2)
	assert.Empty(t, r.Steps(StepFinal))
}
