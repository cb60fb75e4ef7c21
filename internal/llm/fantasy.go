package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openrouter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// FantasyConfig configures a hosted backend reached through fantasy.
type FantasyConfig struct {
	// Provider is "anthropic" or "openrouter".
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Logger    *slog.Logger
}

// Fantasy generates text through a fantasy language-model provider.
type Fantasy struct {
	provider  fantasy.Provider
	name      string
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// Default models per provider.
const (
	DefaultAnthropicModel  = "claude-3-5-haiku-latest"
	DefaultOpenRouterModel = "anthropic/claude-haiku-4.5"
)

// NewFantasy creates a hosted backend. The API key falls back to
// ANTHROPIC_API_KEY or OPENROUTER_API_KEY.
func NewFantasy(config FantasyConfig) (*Fantasy, error) {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 2048
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var (
		provider fantasy.Provider
		err      error
	)
	switch config.Provider {
	case "anthropic":
		if config.APIKey == "" {
			config.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if config.APIKey == "" {
			return nil, errors.New("anthropic API key not provided (set ANTHROPIC_API_KEY)")
		}
		if config.Model == "" {
			config.Model = DefaultAnthropicModel
		}
		opts := []anthropic.Option{anthropic.WithAPIKey(config.APIKey)}
		if config.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(config.BaseURL))
		}
		provider, err = anthropic.New(opts...)
	case "openrouter":
		if config.APIKey == "" {
			config.APIKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if config.APIKey == "" {
			return nil, errors.New("openrouter API key not provided (set OPENROUTER_API_KEY)")
		}
		if config.Model == "" {
			config.Model = DefaultOpenRouterModel
		}
		provider, err = openrouter.New(openrouter.WithAPIKey(config.APIKey))
	default:
		return nil, fmt.Errorf("unknown fantasy provider %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", config.Provider, err)
	}

	return &Fantasy{
		provider:  provider,
		name:      config.Provider,
		model:     config.Model,
		maxTokens: int64(config.MaxTokens),
		logger:    config.Logger,
	}, nil
}

// Generate implements Backend. Stop sequences are applied to the returned
// text.
func (f *Fantasy) Generate(ctx context.Context, prompt string, stop []string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", f.name),
		attribute.String("llm.model", f.model),
	)

	text, err := f.generate(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", Classify(f.name, err)
	}
	return CutAtStop(text, normalizeStop(stop)), nil
}

func (f *Fantasy) generate(ctx context.Context, prompt string) (string, error) {
	lm, err := f.provider.LanguageModel(ctx, f.model)
	if err != nil {
		return "", fmt.Errorf("get language model: %w", err)
	}

	maxTokens := f.maxTokens
	call := fantasy.Call{
		Prompt:          fantasy.Prompt{fantasy.NewUserMessage(prompt)},
		MaxOutputTokens: &maxTokens,
	}

	f.logger.Debug("fantasy generate", "provider", f.name, "model", f.model, "prompt_bytes", len(prompt))
	resp, err := lm.Generate(ctx, call)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	text := resp.Content.Text()
	if text == "" {
		return "", errors.New("empty response")
	}
	return text, nil
}

// Model returns the configured model name.
func (f *Fantasy) Model() string {
	return f.model
}

var _ Backend = (*Fantasy)(nil)
