// Package config loads rlmchat configuration from defaults, a YAML file,
// a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rand/rlmchat/internal/rlm"
	"gopkg.in/yaml.v3"
)

// Providers accepted by backend.provider.
const (
	ProviderOllama     = "ollama"
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderScript     = "script"
)

// ProjectFile is the config file looked up in the working directory.
const ProjectFile = ".rlmchat.yaml"

// Config is the effective rlmchat configuration.
type Config struct {
	RLM        RLMConfig        `yaml:"rlm" json:"rlm"`
	Backend    BackendConfig    `yaml:"backend" json:"backend"`
	Sandbox    SandboxConfig    `yaml:"sandbox" json:"sandbox"`
	Summarizer SummarizerConfig `yaml:"summarizer" json:"summarizer"`
	Trace      TraceConfig      `yaml:"trace" json:"trace"`
	Docs       DocsConfig       `yaml:"docs" json:"docs"`
	Log        LogConfig        `yaml:"log" json:"log"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-" json:"-"`
}

// RLMConfig configures the engine.
type RLMConfig struct {
	// MaxIterations bounds the turns of every session.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// MaxDepth bounds recursion. Zero takes the default.
	MaxDepth int `yaml:"max_depth" json:"max_depth"`

	// NoRecursion rejects every llm_query call.
	NoRecursion bool `yaml:"no_recursion" json:"no_recursion"`

	// ChunkSize is the summarizer chunk size in characters.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`

	// HistoryWindow keeps only the most recent turns in the prompt (0 = all).
	HistoryWindow int `yaml:"history_window" json:"history_window"`

	// MaxParallelSubCalls bounds llm_query_batched fan-out.
	MaxParallelSubCalls int `yaml:"max_parallel_subcalls" json:"max_parallel_subcalls"`

	// DirectAnswerFallback accepts an unfenced prose reply as the answer.
	DirectAnswerFallback bool `yaml:"direct_answer_fallback" json:"direct_answer_fallback"`
}

// RunConfig returns the per-run limits.
func (c RLMConfig) RunConfig() rlm.RunConfig {
	return rlm.RunConfig{
		MaxIterations: c.MaxIterations,
		MaxDepth:      c.MaxDepth,
		ChunkSize:     c.ChunkSize,
		NoRecursion:   c.NoRecursion,
	}
}

// BackendConfig configures the model backend and the pool around it.
type BackendConfig struct {
	// Provider is one of ollama, anthropic, openrouter or script.
	Provider string `yaml:"provider" json:"provider"`

	// Model defaults per provider when empty.
	Model   string `yaml:"model" json:"model"`
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
	APIKey  string `yaml:"api_key" json:"api_key,omitempty"`

	// Timeout bounds each model call.
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64       `yaml:"temperature" json:"temperature"`

	// MaxConcurrent bounds in-flight calls across all sessions.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// RateLimit is calls per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst"`

	// CacheSize is the number of memoized responses (0 disables the cache).
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	Stop    []string      `yaml:"stop" json:"stop,omitempty"`
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// Options are passed through to the Ollama request options.
	Options map[string]any `yaml:"options" json:"options,omitempty"`

	// ScriptFile holds canned responses for the script provider.
	ScriptFile string `yaml:"script_file" json:"script_file,omitempty"`
}

// BreakerConfig configures the backend circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening (0 disables).
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// SandboxConfig configures code execution.
type SandboxConfig struct {
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	MaxSteps        uint64        `yaml:"max_steps" json:"max_steps"`
	MaxOutputLength int           `yaml:"max_output_length" json:"max_output_length"`
	MaxConcurrent   int           `yaml:"max_concurrent" json:"max_concurrent"`
}

// SummarizerConfig configures the recursive summarizer.
type SummarizerConfig struct {
	Compress  bool `yaml:"compress" json:"compress"`
	Parallel  int  `yaml:"parallel" json:"parallel"`
	GroupSize int  `yaml:"group_size" json:"group_size"`
}

// TraceConfig configures the SQLite trace store.
type TraceConfig struct {
	// Path of the database. Empty disables trace persistence.
	Path string `yaml:"path" json:"path"`
}

// DocsConfig configures the document source.
type DocsConfig struct {
	Root string `yaml:"root" json:"root"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`

	// File enables a rotating JSON log file.
	File       string `yaml:"file" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// Default returns the default configuration.
func Default() *Config {
	run := rlm.DefaultRunConfig()
	return &Config{
		RLM: RLMConfig{
			MaxIterations:       run.MaxIterations,
			MaxDepth:            run.MaxDepth,
			ChunkSize:           run.ChunkSize,
			MaxParallelSubCalls: 4,
		},
		Backend: BackendConfig{
			Provider:      ProviderOllama,
			Timeout:       2 * time.Minute,
			MaxTokens:     2048,
			Temperature:   0.2,
			MaxConcurrent: 4,
			CacheSize:     256,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
			},
		},
		Sandbox: SandboxConfig{
			Timeout:         5 * time.Minute,
			MaxSteps:        50_000_000,
			MaxOutputLength: 10_000,
			MaxConcurrent:   4,
		},
		Summarizer: SummarizerConfig{
			Parallel: 4,
		},
		Trace: TraceConfig{
			Path: DefaultTracePath(),
		},
		Docs: DocsConfig{
			Root: ".",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DefaultTracePath returns the trace database under the user data
// directory, or "" when the home directory is unknown.
func DefaultTracePath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "rlmchat", "traces.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "rlmchat", "traces.db")
}

// UserFile returns the per-user config file path.
func UserFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "rlmchat", "config.yaml")
}

// SearchPaths returns the files Load tries when no path is given.
func SearchPaths() []string {
	paths := []string{ProjectFile}
	if user := UserFile(); user != "" {
		paths = append(paths, user)
	}
	return paths
}

// Load builds the configuration. A non-empty path must exist; otherwise the
// first existing file from SearchPaths is used, and none is fine.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	} else {
		for _, candidate := range SearchPaths() {
			err := cfg.readFile(candidate)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			break
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.Path = path
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays environment variables on c.
func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) bool {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
			return true
		}
		return false
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num("RLMCHAT_MAX_ITERATIONS", &c.RLM.MaxIterations)
	num("RLMCHAT_MAX_DEPTH", &c.RLM.MaxDepth)
	num("RLMCHAT_CHUNK_SIZE", &c.RLM.ChunkSize)
	num("RLMCHAT_HISTORY_WINDOW", &c.RLM.HistoryWindow)
	flag("RLMCHAT_NO_RECURSION", &c.RLM.NoRecursion)
	flag("RLMCHAT_DIRECT_ANSWER_FALLBACK", &c.RLM.DirectAnswerFallback)

	str("RLMCHAT_PROVIDER", &c.Backend.Provider)
	modelSet := str("RLMCHAT_MODEL", &c.Backend.Model)
	baseURLSet := str("RLMCHAT_BASE_URL", &c.Backend.BaseURL)
	keySet := str("RLMCHAT_API_KEY", &c.Backend.APIKey)
	dur("RLMCHAT_TIMEOUT", &c.Backend.Timeout)
	str("RLMCHAT_SCRIPT_FILE", &c.Backend.ScriptFile)

	switch c.Backend.Provider {
	case ProviderOllama:
		if !baseURLSet {
			str("OLLAMA_BASE_URL", &c.Backend.BaseURL)
		}
		if !modelSet {
			str("OLLAMA_MODEL", &c.Backend.Model)
		}
	case ProviderAnthropic:
		if !keySet && c.Backend.APIKey == "" {
			str("ANTHROPIC_API_KEY", &c.Backend.APIKey)
		}
	case ProviderOpenRouter:
		if !keySet && c.Backend.APIKey == "" {
			str("OPENROUTER_API_KEY", &c.Backend.APIKey)
		}
	}

	dur("RLMCHAT_SANDBOX_TIMEOUT", &c.Sandbox.Timeout)
	str("RLMCHAT_TRACE_PATH", &c.Trace.Path)
	str("RLMCHAT_DOCS_ROOT", &c.Docs.Root)
	str("RLMCHAT_LOG_LEVEL", &c.Log.Level)
	str("RLMCHAT_LOG_FILE", &c.Log.File)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(errs...))
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if err := c.RLM.RunConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rlm: %w", err))
	}
	check(c.RLM.HistoryWindow >= 0, "rlm.history_window must not be negative")
	check(c.RLM.MaxParallelSubCalls >= 0, "rlm.max_parallel_subcalls must not be negative")

	b := c.Backend
	switch b.Provider {
	case ProviderOllama, ProviderAnthropic, ProviderOpenRouter:
	case ProviderScript:
		check(b.ScriptFile != "", "backend.script_file is required for the script provider")
	default:
		errs = append(errs, fmt.Errorf("backend.provider %q is not one of %s", b.Provider,
			strings.Join([]string{ProviderOllama, ProviderAnthropic, ProviderOpenRouter, ProviderScript}, ", ")))
	}
	check(b.Timeout >= 0, "backend.timeout must not be negative")
	check(b.MaxTokens >= 0, "backend.max_tokens must not be negative")
	check(b.Temperature >= 0 && b.Temperature <= 2, "backend.temperature must be within [0, 2], got %g", b.Temperature)
	check(b.MaxConcurrent >= 0, "backend.max_concurrent must not be negative")
	check(b.RateLimit >= 0, "backend.rate_limit must not be negative")
	check(b.Burst >= 0, "backend.burst must not be negative")
	check(b.CacheSize >= 0, "backend.cache_size must not be negative")
	check(b.Breaker.FailureThreshold >= 0, "backend.breaker.failure_threshold must not be negative")
	check(b.Breaker.RecoveryTimeout >= 0, "backend.breaker.recovery_timeout must not be negative")

	check(c.Sandbox.Timeout >= 0, "sandbox.timeout must not be negative")
	check(c.Sandbox.MaxOutputLength >= 0, "sandbox.max_output_length must not be negative")
	check(c.Sandbox.MaxConcurrent >= 0, "sandbox.max_concurrent must not be negative")
	check(c.Summarizer.Parallel >= 0, "summarizer.parallel must not be negative")
	check(c.Summarizer.GroupSize >= 0, "summarizer.group_size must not be negative")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	check(c.Log.MaxSizeMB >= 0, "log.max_size_mb must not be negative")
	check(c.Log.MaxBackups >= 0, "log.max_backups must not be negative")
	check(c.Log.MaxAgeDays >= 0, "log.max_age_days must not be negative")

	return errors.Join(errs...)
}

// Redacted returns a copy safe to print: the API key is shortened.
func (c *Config) Redacted() *Config {
	out := *c
	out.Backend.Stop = append([]string(nil), c.Backend.Stop...)
	if key := c.Backend.APIKey; key != "" {
		n := min(len(key), 4)
		out.Backend.APIKey = key[:n] + "..."
	}
	return &out
}
