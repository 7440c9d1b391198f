package embed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ent0n29/recall/internal/memory"
)

var (
	ErrEmptyEmbedding  = errors.New("provider returned an empty embedding")
	ErrUnknownProvider = errors.New("unknown embedding provider")
)

// Embedder is a pluggable text-embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions is the width of every vector Embed returns.
	Dimensions() int
}

const (
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
	ProviderFastEmbed = "fastembed"
	ProviderHash      = "hash"
)

type Config struct {
	Provider   string
	Model      string
	Dimensions int
	APIKey     string
	BaseURL    string
	CacheDir   string
}

// New builds the configured provider. Every vector it produces is checked
// against cfg.Dimensions.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be > 0, got %d", cfg.Dimensions)
	}
	var (
		e   Embedder
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI:
		e, err = NewOpenAIEmbedder(cfg)
	case ProviderOllama:
		e, err = NewOllamaEmbedder(cfg)
	case ProviderGemini, "google":
		e, err = NewGeminiEmbedder(ctx, cfg)
	case ProviderFastEmbed:
		e, err = NewFastEmbedder(cfg)
	case ProviderHash, "":
		e = NewHashEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s embedder: %w", cfg.Provider, err)
	}
	slog.Info("embedding provider ready", "provider", cfg.Provider, "model", cfg.Model, "dimensions", cfg.Dimensions)
	return &validated{inner: e}, nil
}

// Validate rejects vectors that are empty or of the wrong width.
func Validate(vec []float32, dims int) error {
	if len(vec) == 0 {
		return ErrEmptyEmbedding
	}
	if len(vec) != dims {
		return fmt.Errorf("%w: provider returned %d, configured %d", memory.ErrDimensionMismatch, len(vec), dims)
	}
	return nil
}

// CheckDimensions fails startup when the embedder and the store disagree on
// vector width.
func CheckDimensions(e Embedder, store interface{ Dimensions() int }) error {
	if e.Dimensions() != store.Dimensions() {
		return fmt.Errorf("%w: embedder produces %d, store expects %d", memory.ErrDimensionMismatch, e.Dimensions(), store.Dimensions())
	}
	return nil
}

type validated struct {
	inner Embedder
}

func (v *validated) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := v.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := Validate(vec, v.inner.Dimensions()); err != nil {
		return nil, err
	}
	return vec, nil
}

func (v *validated) Dimensions() int { return v.inner.Dimensions() }

func (v *validated) Close() error {
	if c, ok := v.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
