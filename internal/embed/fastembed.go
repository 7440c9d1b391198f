package embed

import (
	"context"
	"fmt"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedder runs a local ONNX embedding model. The model is downloaded
// into CacheDir on first use.
type FastEmbedder struct {
	m    *fastembed.FlagEmbedding
	dims int
}

func NewFastEmbedder(cfg Config) (*FastEmbedder, error) {
	model := fastembed.BGESmallENV15
	if cfg.Model != "" {
		model = fastembed.EmbeddingModel(cfg.Model)
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = ".fastembed"
	}
	m, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:    model,
		CacheDir: cacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("load fastembed model: %w", err)
	}
	return &FastEmbedder{m: m, dims: cfg.Dimensions}, nil
}

func (e *FastEmbedder) Dimensions() int { return e.dims }

func (e *FastEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec, err := e.m.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("fastembed query embed: %w", err)
	}
	return vec, nil
}

func (e *FastEmbedder) Close() error {
	if e.m != nil {
		e.m.Destroy()
	}
	return nil
}
