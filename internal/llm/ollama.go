package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/rand/rlmchat/internal/llm")

// OllamaConfig configures an Ollama backend.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int

	// Options are extra model options such as num_ctx or top_k. They are
	// sent under "options" and override temperature and num_predict.
	Options map[string]any

	// HTTPClient defaults to a client with a five minute timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultOllamaConfig returns defaults for a local Ollama server.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		BaseURL:     "http://localhost:11434",
		Model:       "qwen2.5-coder:7b",
		Temperature: 0.2,
		MaxTokens:   2048,
	}
}

// Ollama generates text through the Ollama /api/generate endpoint.
type Ollama struct {
	config OllamaConfig
	client *http.Client
	logger *slog.Logger
}

// NewOllama creates an Ollama backend, filling zero fields with defaults.
func NewOllama(config OllamaConfig) *Ollama {
	def := DefaultOllamaConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = def.MaxTokens
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{config: config, client: client, logger: logger}
}

// Generate implements Backend.
func (o *Ollama) Generate(ctx context.Context, prompt string, stop []string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", "ollama"),
		attribute.String("llm.model", o.config.Model),
		attribute.Int("llm.prompt_bytes", len(prompt)),
	)

	text, err := o.generate(ctx, prompt, normalizeStop(stop))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("llm.response_bytes", len(text)))
	return text, nil
}

func (o *Ollama) generate(ctx context.Context, prompt string, stop []string) (string, error) {
	body, err := o.requestBody(prompt, stop)
	if err != nil {
		return "", fmt.Errorf("encode ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	o.logger.Debug("ollama generate", "model", o.config.Model, "prompt_bytes", len(prompt))
	resp, err := o.client.Do(req)
	if err != nil {
		return "", Classify("ollama", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Classify("ollama", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if resp.StatusCode == http.StatusNotFound && strings.Contains(msg, "not found") {
			return "", &Error{Op: "ollama", Kind: ErrBackendUnavailable,
				Err: fmt.Errorf("model %q not found, run 'ollama pull %s'", o.config.Model, o.config.Model)}
		}
		return "", &Error{Op: "ollama", Kind: ErrBackendUnavailable,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}

	if !gjson.ValidBytes(data) {
		return "", &Error{Op: "ollama", Kind: ErrBackendUnavailable, Err: errors.New("malformed response")}
	}
	result := gjson.ParseBytes(data)
	if msg := result.Get("error").String(); msg != "" {
		return "", &Error{Op: "ollama", Kind: ErrBackendUnavailable, Err: errors.New(msg)}
	}
	return CutAtStop(result.Get("response").String(), stop), nil
}

func (o *Ollama) requestBody(prompt string, stop []string) ([]byte, error) {
	fields := []struct {
		path  string
		value any
	}{
		{"model", o.config.Model},
		{"prompt", prompt},
		{"stream", false},
		{"options.temperature", o.config.Temperature},
		{"options.num_predict", o.config.MaxTokens},
	}
	body := []byte("{}")
	var err error
	for _, f := range fields {
		if body, err = sjson.SetBytes(body, f.path, f.value); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(o.config.Options))
	for k := range o.config.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if body, err = sjson.SetBytes(body, "options."+k, o.config.Options[k]); err != nil {
			return nil, err
		}
	}
	if len(stop) > 0 {
		if body, err = sjson.SetBytes(body, "options.stop", stop); err != nil {
			return nil, err
		}
	}
	return body, nil
}

var _ Backend = (*Ollama)(nil)
