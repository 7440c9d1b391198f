package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("memory record not found")
	ErrInvalidRecord     = errors.New("invalid memory record")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Record is one durable, embedding-indexed content snippet.
type Record struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Category  string         `json:"category"`
	EntityID  string         `json:"entity_id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"-"`
	Metadata  map[string]any `json:"metadata"`
	// Distance is the cosine distance to the query; only set by Search.
	Distance  float64    `json:"distance,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Live reports whether the record is not soft-deleted.
func (r Record) Live() bool { return r.DeletedAt == nil }

// UpsertParams identifies a record by (TenantID, Category, EntityID).
type UpsertParams struct {
	TenantID  string
	Category  string
	EntityID  string
	Content   string
	Embedding []float32
	Metadata  map[string]any
}

// Query is a tenant-scoped similarity search. Category and ExcludeCategory
// both apply when set; Metadata is a containment filter.
type Query struct {
	TenantID        string
	Embedding       []float32
	TopK            int
	Category        string
	ExcludeCategory string
	Metadata        map[string]any
}

// Store persists and searches long-term memory records.
type Store interface {
	Upsert(ctx context.Context, p UpsertParams) (Record, error)
	Search(ctx context.Context, q Query) ([]Record, error)
	SoftDelete(ctx context.Context, tenantID, category, entityID string) error
	// Dimensions is the vector width every stored embedding must have.
	Dimensions() int
	Close() error
}

func validateUpsert(p UpsertParams, dims int) error {
	switch {
	case strings.TrimSpace(p.TenantID) == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRecord)
	case strings.TrimSpace(p.Category) == "":
		return fmt.Errorf("%w: category is required", ErrInvalidRecord)
	case strings.TrimSpace(p.EntityID) == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidRecord)
	case strings.TrimSpace(p.Content) == "":
		return fmt.Errorf("%w: content is required", ErrInvalidRecord)
	}
	return checkDimensions(p.Embedding, dims)
}

func validateQuery(q Query, dims int) error {
	if strings.TrimSpace(q.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRecord)
	}
	return checkDimensions(q.Embedding, dims)
}

func checkDimensions(v []float32, dims int) error {
	if dims > 0 && len(v) != dims {
		return fmt.Errorf("%w: got %d, store expects %d", ErrDimensionMismatch, len(v), dims)
	}
	return nil
}
