package embed

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type GeminiEmbedder struct {
	client *genai.Client
	model  *genai.EmbeddingModel
	dims   int
}

func NewGeminiEmbedder(ctx context.Context, cfg Config) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini embeddings require an API key")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}
	em := client.EmbeddingModel(model)
	em.TaskType = genai.TaskTypeRetrievalDocument
	return &GeminiEmbedder{client: client, model: em, dims: cfg.Dimensions}, nil
}

func (e *GeminiEmbedder) Dimensions() int { return e.dims }

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if resp == nil || resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return resp.Embedding.Values, nil
}

func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}
