package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat memory service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string

	RedisURL    string
	DatabaseURL string

	MemoryBackend string
	ChromemPath   string

	ChatBufferTTL  time.Duration
	ChatCategory   string
	PersistEnabled bool
	PersistMode    string
	PersistWorkers int
	PersistTimeout time.Duration
	// PersistRedactPII masks emails, card and phone numbers in persisted turns.
	PersistRedactPII bool

	RetrievalEnabled bool
	TopKChat         int
	TopKKB           int
	MaxContextChars  int
	MaxSnippetChars  int

	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingDim      int
	EmbeddingAPIKey   string
	EmbeddingBaseURL  string
	FastEmbedCacheDir string

	LLMModel     string
	LLMProvider  string
	LLMAPIKey    string
	LLMBaseURL   string
	LLMMaxTokens int

	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	OllamaHost      string

	DefaultSystemPrompt string
	CharacterCacheTTL   time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "recall"),
		LogLevel:            strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		RedisURL:            stringsTrimSpace("REDIS_URL"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		MemoryBackend:       strings.ToLower(envOrDefault("MEMORY_BACKEND", "auto")),
		ChromemPath:         envOrDefault("CHROMEM_PATH", ".data/chromem"),
		ChatCategory:        envOrDefault("CHAT_CATEGORY", "chat"),
		PersistMode:         strings.ToLower(envOrDefault("PERSIST_MODE", "async")),
		EmbeddingProvider:   strings.ToLower(envOrDefault("EMBEDDING_PROVIDER", "hash")),
		EmbeddingModel:      stringsTrimSpace("EMBEDDING_MODEL"),
		EmbeddingAPIKey:     stringsTrimSpace("EMBEDDING_API_KEY"),
		EmbeddingBaseURL:    stringsTrimSpace("EMBEDDING_BASE_URL"),
		FastEmbedCacheDir:   envOrDefault("FASTEMBED_CACHE_DIR", ".fastembed"),
		LLMModel:            envOrDefault("LLM_MODEL", "mock"),
		LLMProvider:         strings.ToLower(stringsTrimSpace("LLM_PROVIDER")),
		LLMAPIKey:           stringsTrimSpace("LLM_API_KEY"),
		LLMBaseURL:          stringsTrimSpace("LLM_BASE_URL"),
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		AnthropicAPIKey:     stringsTrimSpace("ANTHROPIC_API_KEY"),
		GeminiAPIKey:        envOrDefault("GEMINI_API_KEY", stringsTrimSpace("GOOGLE_API_KEY")),
		OllamaHost:          stringsTrimSpace("OLLAMA_HOST"),
		DefaultSystemPrompt: stringsTrimSpace("DEFAULT_SYSTEM_PROMPT"),
		ShutdownTimeout:     15 * time.Second,
		ChatBufferTTL:       20 * time.Minute,
		PersistEnabled:      true,
		PersistWorkers:      8,
		PersistTimeout:      5 * time.Second,
		RetrievalEnabled:    true,
		TopKChat:            4,
		TopKKB:              4,
		MaxContextChars:     2400,
		MaxSnippetChars:     500,
		EmbeddingDim:        1536,
		LLMMaxTokens:        1024,
		CharacterCacheTTL:   time.Minute,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"CHAT_BUFFER_TTL", &cfg.ChatBufferTTL},
		{"PERSIST_TIMEOUT", &cfg.PersistTimeout},
		{"CHARACTER_CACHE_TTL", &cfg.CharacterCacheTTL},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PERSIST_WORKERS", &cfg.PersistWorkers},
		{"TOP_K_CHAT", &cfg.TopKChat},
		{"TOP_K_KB", &cfg.TopKKB},
		{"MAX_CONTEXT_CHARS", &cfg.MaxContextChars},
		{"MAX_SNIPPET_CHARS", &cfg.MaxSnippetChars},
		{"EMBEDDING_DIM", &cfg.EmbeddingDim},
		{"LLM_MAX_TOKENS", &cfg.LLMMaxTokens},
	}
	for _, n := range ints {
		v, err := intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
		*n.dst = v
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"PERSIST_ENABLED", &cfg.PersistEnabled},
		{"PERSIST_REDACT_PII", &cfg.PersistRedactPII},
		{"RETRIEVAL_ENABLED", &cfg.RetrievalEnabled},
	}
	for _, b := range bools {
		v, err := boolFromEnv(b.key, *b.dst)
		if err != nil {
			return Config{}, err
		}
		*b.dst = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// minContextChars leaves room for one shortened context line.
const minContextChars = 16

func (c Config) validate() error {
	switch {
	case c.ChatBufferTTL < time.Second:
		return fmt.Errorf("CHAT_BUFFER_TTL must be at least 1s")
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("EMBEDDING_DIM must be positive")
	case c.PersistWorkers <= 0:
		return fmt.Errorf("PERSIST_WORKERS must be positive")
	case c.PersistTimeout <= 0:
		return fmt.Errorf("PERSIST_TIMEOUT must be positive")
	case c.TopKChat < 0 || c.TopKKB < 0:
		return fmt.Errorf("TOP_K_CHAT and TOP_K_KB must be >= 0")
	case c.MaxContextChars < minContextChars:
		return fmt.Errorf("MAX_CONTEXT_CHARS must be at least %d", minContextChars)
	case c.MaxSnippetChars <= 0:
		return fmt.Errorf("MAX_SNIPPET_CHARS must be positive")
	case strings.TrimSpace(c.ChatCategory) == "":
		return fmt.Errorf("CHAT_CATEGORY must not be empty")
	}
	switch c.PersistMode {
	case "sync", "async":
	default:
		return fmt.Errorf("PERSIST_MODE must be sync or async, got %q", c.PersistMode)
	}
	switch c.MemoryBackend {
	case "auto", "postgres", "chromem", "memory":
	default:
		return fmt.Errorf("MEMORY_BACKEND must be auto, postgres, chromem or memory, got %q", c.MemoryBackend)
	}
	if c.MemoryBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("MEMORY_BACKEND=postgres requires DATABASE_URL")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
