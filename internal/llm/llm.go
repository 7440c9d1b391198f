package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/recall/internal/protocol"
)

var (
	ErrUnknownProvider = errors.New("unknown llm provider")
	ErrMissingAPIKey   = errors.New("llm provider requires an API key")
	ErrEmptyResponse   = errors.New("llm returned no choices")
)

// Model is a stateless language model call over an ordered turn list.
type Model interface {
	Invoke(ctx context.Context, turns []protocol.Turn) (Response, error)
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
	ProviderLangChain = "langchain"
	ProviderMock      = "mock"
)

type Config struct {
	// Model is "provider:model" or a bare model name whose prefix implies the
	// provider (gpt-, claude-, gemini-, mock).
	Model string
	// ProviderKeys holds per-provider credentials for the default attempt.
	ProviderKeys map[string]string
	// Provider, APIKey and BaseURL describe the explicit fallback.
	Provider string
	APIKey   string
	BaseURL  string
	// OllamaHost is used by the ollama provider in either attempt.
	OllamaHost string
	MaxTokens  int
}

// New constructs the default model configuration and falls back to the
// explicit provider+key configuration when the default cannot be built.
func New(ctx context.Context, cfg Config) (Model, error) {
	provider, model := splitModel(cfg.Model)
	m, defaultErr := build(ctx, provider, model, cfg.ProviderKeys[provider], cfg.BaseURL, cfg)
	if defaultErr == nil {
		slog.Info("llm provider ready", "provider", provider, "model", model)
		return m, nil
	}

	fallback := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if fallback == "" {
		return nil, fmt.Errorf("default llm %q: %w", cfg.Model, defaultErr)
	}
	fallbackModel := model
	if fallback != provider {
		fallbackModel = ""
	}
	m, err := build(ctx, fallback, fallbackModel, cfg.APIKey, cfg.BaseURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("default llm %q: %v; fallback %q: %w", cfg.Model, defaultErr, fallback, err)
	}
	slog.Warn("default llm unavailable, using fallback provider", "default", cfg.Model, "fallback", fallback, "err", defaultErr)
	return m, nil
}

func build(ctx context.Context, provider, model, apiKey, baseURL string, cfg Config) (Model, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIModel(model, apiKey, baseURL)
	case ProviderAnthropic:
		return NewAnthropicModel(model, apiKey, baseURL, cfg.MaxTokens)
	case ProviderGemini:
		return NewGeminiModel(ctx, model, apiKey)
	case ProviderOllama:
		host := cfg.OllamaHost
		if host == "" {
			host = baseURL
		}
		return NewOllamaModel(model, host)
	case ProviderLangChain:
		return NewLangChainModel(model, apiKey, baseURL)
	case ProviderMock:
		return NewMockModel(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// splitModel resolves "provider:model" or infers the provider from the model
// name prefix.
func splitModel(name string) (string, string) {
	name = strings.TrimSpace(name)
	if provider, model, ok := strings.Cut(name, ":"); ok {
		return strings.ToLower(provider), model
	}
	lower := strings.ToLower(name)
	switch {
	case lower == "" || lower == ProviderMock:
		return ProviderMock, ""
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return ProviderOpenAI, name
	case strings.HasPrefix(lower, "claude"):
		return ProviderAnthropic, name
	case strings.HasPrefix(lower, "gemini"):
		return ProviderGemini, name
	default:
		return "", name
	}
}

func splitSystem(turns []protocol.Turn) (string, []protocol.Turn) {
	var system []string
	rest := make([]protocol.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == protocol.RoleSystem {
			system = append(system, t.Content)
			continue
		}
		rest = append(rest, t)
	}
	return strings.Join(system, "\n\n"), rest
}
