package memory

import (
	"context"
	"fmt"
	"strings"
)

// Embedder turns text into a vector. Implemented by the embed package.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Indexer embeds text and writes it to a Store.
type Indexer struct {
	store    Store
	embedder Embedder
}

func NewIndexer(store Store, embedder Embedder) *Indexer {
	return &Indexer{store: store, embedder: embedder}
}

func (ix *Indexer) Store() Store { return ix.store }

// UpsertText embeds content and upserts it under (tenant, category, entity).
func (ix *Indexer) UpsertText(ctx context.Context, tenantID, category, entityID, content string, metadata map[string]any) (Record, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Record{}, fmt.Errorf("%w: content is required", ErrInvalidRecord)
	}
	vec, err := ix.embedder.Embed(ctx, content)
	if err != nil {
		return Record{}, fmt.Errorf("embed content: %w", err)
	}
	return ix.store.Upsert(ctx, UpsertParams{
		TenantID:  tenantID,
		Category:  category,
		EntityID:  entityID,
		Content:   content,
		Embedding: vec,
		Metadata:  metadata,
	})
}

// TextQuery is Query with the embedding computed from Text.
type TextQuery struct {
	TenantID        string
	Text            string
	TopK            int
	Category        string
	ExcludeCategory string
	Metadata        map[string]any
}

func (ix *Indexer) SearchText(ctx context.Context, q TextQuery) ([]Record, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("%w: query text is required", ErrInvalidRecord)
	}
	vec, err := ix.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ix.store.Search(ctx, Query{
		TenantID:        q.TenantID,
		Embedding:       vec,
		TopK:            q.TopK,
		Category:        q.Category,
		ExcludeCategory: q.ExcludeCategory,
		Metadata:        q.Metadata,
	})
}

func (ix *Indexer) Delete(ctx context.Context, tenantID, category, entityID string) error {
	return ix.store.SoftDelete(ctx, tenantID, category, entityID)
}
