package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a brute-force cosine store for local/dev use and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	dims    int
	records map[string]*Record
	keys    map[recordKey]string
	now     func() time.Time
}

type recordKey struct {
	tenant, category, entity string
}

func NewInMemoryStore(dims int) *InMemoryStore {
	return &InMemoryStore{
		dims:    dims,
		records: make(map[string]*Record),
		keys:    make(map[recordKey]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Upsert overwrites the record for the key, reviving it if soft-deleted.
func (s *InMemoryStore) Upsert(ctx context.Context, p UpsertParams) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := validateUpsert(p, s.dims); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := recordKey{p.TenantID, p.Category, p.EntityID}
	if id, ok := s.keys[key]; ok {
		rec := s.records[id]
		rec.Content = p.Content
		rec.Embedding = cloneVector(p.Embedding)
		rec.Metadata = cloneMetadata(p.Metadata)
		rec.UpdatedAt = now
		rec.DeletedAt = nil
		return cloneRecord(rec), nil
	}

	rec := &Record{
		ID:        uuid.NewString(),
		TenantID:  p.TenantID,
		Category:  p.Category,
		EntityID:  p.EntityID,
		Content:   p.Content,
		Embedding: cloneVector(p.Embedding),
		Metadata:  cloneMetadata(p.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[rec.ID] = rec
	s.keys[key] = rec.ID
	return cloneRecord(rec), nil
}

func (s *InMemoryStore) Search(ctx context.Context, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateQuery(q, s.dims); err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	hits := make([]Record, 0)
	for _, rec := range s.records {
		if !matches(*rec, q) {
			continue
		}
		hit := cloneRecord(rec)
		hit.Distance = CosineDistance(q.Embedding, rec.Embedding)
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance == hits[j].Distance {
			return hits[i].CreatedAt.Before(hits[j].CreatedAt)
		}
		return hits[i].Distance < hits[j].Distance
	})
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func (s *InMemoryStore) SoftDelete(ctx context.Context, tenantID, category, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[recordKey{tenantID, category, entityID}]
	if !ok || s.records[id].DeletedAt != nil {
		return ErrNotFound
	}
	now := s.now()
	s.records[id].DeletedAt = &now
	return nil
}

func (s *InMemoryStore) Dimensions() int { return s.dims }

func (s *InMemoryStore) Close() error { return nil }

func matches(rec Record, q Query) bool {
	if rec.TenantID != q.TenantID || !rec.Live() {
		return false
	}
	if q.Category != "" && rec.Category != q.Category {
		return false
	}
	if q.ExcludeCategory != "" && rec.Category == q.ExcludeCategory {
		return false
	}
	return ContainsMetadata(rec.Metadata, q.Metadata)
}

func cloneRecord(r *Record) Record {
	c := *r
	c.Embedding = cloneVector(r.Embedding)
	c.Metadata = cloneMetadata(r.Metadata)
	if r.DeletedAt != nil {
		d := *r.DeletedAt
		c.DeletedAt = &d
	}
	return c
}

func cloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
