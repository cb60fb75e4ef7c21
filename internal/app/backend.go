package app

import (
	"fmt"
	"log/slog"

	"github.com/rand/rlmchat/internal/config"
	"github.com/rand/rlmchat/internal/llm"
)

// NewBackend creates the model backend named by cfg.Provider.
func NewBackend(cfg config.BackendConfig, logger *slog.Logger) (llm.Backend, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		ollama := llm.DefaultOllamaConfig()
		if cfg.BaseURL != "" {
			ollama.BaseURL = cfg.BaseURL
		}
		if cfg.Model != "" {
			ollama.Model = cfg.Model
		}
		if cfg.MaxTokens > 0 {
			ollama.MaxTokens = cfg.MaxTokens
		}
		ollama.Temperature = cfg.Temperature
		ollama.Options = cfg.Options
		ollama.Logger = logger
		return llm.NewOllama(ollama), nil

	case config.ProviderAnthropic, config.ProviderOpenRouter:
		backend, err := llm.NewFantasy(llm.FantasyConfig{
			Provider:  cfg.Provider,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s backend: %w", cfg.Provider, err)
		}
		return backend, nil

	case config.ProviderScript:
		backend, err := llm.LoadScript(cfg.ScriptFile)
		if err != nil {
			return nil, fmt.Errorf("create script backend: %w", err)
		}
		return backend, nil
	}
	return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
}
