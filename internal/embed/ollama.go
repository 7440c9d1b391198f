package embed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	ollama "github.com/ollama/ollama/api"
)

const defaultOllamaHost = "http://localhost:11434"

type OllamaEmbedder struct {
	client *ollama.Client
	model  string
	dims   int
}

func NewOllamaEmbedder(cfg Config) (*OllamaEmbedder, error) {
	host := cfg.BaseURL
	if host == "" {
		host = defaultOllamaHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		client: ollama.NewClient(u, &http.Client{Timeout: 60 * time.Second}),
		model:  model,
		dims:   cfg.Dimensions,
	}, nil
}

func (e *OllamaEmbedder) Dimensions() int { return e.dims }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.Embed(ctx, &ollama.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0]) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return res.Embeddings[0], nil
}
