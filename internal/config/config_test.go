package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rand/rlmchat/internal/rlm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// isolate points every lookup location at fresh temp directories.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg-config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "xdg-data"))
	return dir
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, rlm.DefaultRunConfig(), cfg.RLM.RunConfig())
	assert.Equal(t, ProviderOllama, cfg.Backend.Provider)
	assert.Equal(t, 5*time.Minute, cfg.Sandbox.Timeout)
}

func TestLoad_ExplicitFile(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "custom.yaml", `
rlm:
  max_iterations: 7
  max_depth: 1
backend:
  provider: script
  script_file: replies.txt
  timeout: 30s
  stop: ["</done>"]
sandbox:
  timeout: 10s
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 7, cfg.RLM.MaxIterations)
	assert.Equal(t, 1, cfg.RLM.MaxDepth)
	assert.Equal(t, 1000, cfg.RLM.ChunkSize, "unset keys keep defaults")
	assert.Equal(t, ProviderScript, cfg.Backend.Provider)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, []string{"</done>"}, cfg.Backend.Stop)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, Default().RLM, cfg.RLM)
}

func TestLoad_ProjectFileWinsOverUserFile(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, ProjectFile, "rlm:\n  max_iterations: 3\n")
	writeConfig(t, dir, filepath.Join("xdg-config", "rlmchat", "config.yaml"), "rlm:\n  max_iterations: 9\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ProjectFile, cfg.Path)
	assert.Equal(t, 3, cfg.RLM.MaxIterations)
}

func TestLoad_UserFile(t *testing.T) {
	dir := isolate(t)
	user := writeConfig(t, dir, filepath.Join("xdg-config", "rlmchat", "config.yaml"), "rlm:\n  max_iterations: 9\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, user, cfg.Path)
	assert.Equal(t, 9, cfg.RLM.MaxIterations)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "bad.yaml", "rlm: [unclosed")
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, ".env", "RLMCHAT_MAX_DEPTH=2\nRLMCHAT_MAX_ITERATIONS=4\n")
	t.Setenv("RLMCHAT_MAX_ITERATIONS", "6")
	t.Setenv("RLMCHAT_MAX_DEPTH", "")
	os.Unsetenv("RLMCHAT_MAX_DEPTH")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.RLM.MaxIterations)
	assert.Equal(t, 2, cfg.RLM.MaxDepth)
}

func TestConfig_ApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"RLMCHAT_MAX_ITERATIONS":         "12",
		"RLMCHAT_DIRECT_ANSWER_FALLBACK": "true",
		"RLMCHAT_TIMEOUT":                "45s",
		"RLMCHAT_TRACE_PATH":             "/tmp/t.db",
		"OLLAMA_BASE_URL":                "http://gpu:11434",
		"OLLAMA_MODEL":                   "llama3",
	}))
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.RLM.MaxIterations)
	assert.True(t, cfg.RLM.DirectAnswerFallback)
	assert.Equal(t, 45*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "/tmp/t.db", cfg.Trace.Path)
	assert.Equal(t, "http://gpu:11434", cfg.Backend.BaseURL)
	assert.Equal(t, "llama3", cfg.Backend.Model)
}

func TestConfig_ApplyEnvPrefersRLMChatVariables(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(env(map[string]string{
		"RLMCHAT_MODEL": "mine",
		"OLLAMA_MODEL":  "theirs",
	})))
	assert.Equal(t, "mine", cfg.Backend.Model)
}

func TestConfig_ApplyEnvProviderKeys(t *testing.T) {
	vars := map[string]string{
		"ANTHROPIC_API_KEY":  "sk-ant",
		"OPENROUTER_API_KEY": "sk-or",
	}

	cfg := Default()
	cfg.Backend.Provider = ProviderAnthropic
	require.NoError(t, cfg.applyEnv(env(vars)))
	assert.Equal(t, "sk-ant", cfg.Backend.APIKey)

	cfg = Default()
	vars["RLMCHAT_PROVIDER"] = ProviderOpenRouter
	require.NoError(t, cfg.applyEnv(env(vars)))
	assert.Equal(t, ProviderOpenRouter, cfg.Backend.Provider)
	assert.Equal(t, "sk-or", cfg.Backend.APIKey)
}

func TestConfig_ApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"RLMCHAT_MAX_DEPTH": "deep",
		"RLMCHAT_TIMEOUT":   "soon",
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "RLMCHAT_MAX_DEPTH")
	assert.ErrorContains(t, err, "RLMCHAT_TIMEOUT")
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.RLM.MaxDepth = -1
	cfg.Backend.Provider = "gpt"
	cfg.Backend.Temperature = 3
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"max_depth", "backend.provider", "temperature", "log.level"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestConfig_NoRecursion(t *testing.T) {
	cfg := Default()
	cfg.RLM.MaxDepth = 0
	require.NoError(t, cfg.applyEnv(env(map[string]string{"RLMCHAT_NO_RECURSION": "true"})))
	run := cfg.RLM.RunConfig()
	assert.Equal(t, 0, run.DepthLimit())

	cfg = Default()
	cfg.RLM.MaxDepth = 0
	assert.Equal(t, 3, cfg.RLM.RunConfig().WithDefaults().DepthLimit())
}

func TestConfig_ValidateGroupSize(t *testing.T) {
	cfg := Default()
	cfg.Summarizer.GroupSize = -2
	assert.ErrorContains(t, cfg.Validate(), "summarizer.group_size")
}

func TestConfig_ValidateScriptNeedsFile(t *testing.T) {
	cfg := Default()
	cfg.Backend.Provider = ProviderScript
	assert.ErrorContains(t, cfg.Validate(), "script_file")
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.Backend.APIKey = "sk-secret-value"
	red := cfg.Redacted()
	assert.Equal(t, "sk-s...", red.Backend.APIKey)
	assert.Equal(t, "sk-secret-value", cfg.Backend.APIKey)
}

func TestDefaultTracePath_UsesXDGDataHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	assert.Equal(t, filepath.Join("/data", "rlmchat", "traces.db"), DefaultTracePath())
}
