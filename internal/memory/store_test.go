package memory

import (
	"context"
	"errors"
	"testing"
)

func storeBackends(t *testing.T) map[string]func(dims int) Store {
	t.Helper()
	return map[string]func(dims int) Store{
		"memory": func(dims int) Store { return NewInMemoryStore(dims) },
		"chromem": func(dims int) Store {
			s, err := NewChromemStore("", dims)
			if err != nil {
				t.Fatalf("NewChromemStore() error = %v", err)
			}
			return s
		},
	}
}

func TestStoreUpsertIsIdempotentPerKey(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(3)
			ctx := context.Background()

			first, err := s.Upsert(ctx, UpsertParams{
				TenantID: "t1", Category: "faq", EntityID: "shipping",
				Content: "Shipping: 3-7 days", Embedding: []float32{1, 0, 0},
			})
			if err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			second, err := s.Upsert(ctx, UpsertParams{
				TenantID: "t1", Category: "faq", EntityID: "shipping",
				Content: "Shipping: 2-5 days", Embedding: []float32{1, 0, 0},
				Metadata: map[string]any{"source": "kb"},
			})
			if err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			if first.ID != second.ID {
				t.Fatalf("Upsert() id changed: %q -> %q", first.ID, second.ID)
			}

			hits, err := s.Search(ctx, Query{TenantID: "t1", Embedding: []float32{1, 0, 0}, TopK: 10})
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(hits) != 1 {
				t.Fatalf("Search() returned %d hits, want 1", len(hits))
			}
			if hits[0].Content != "Shipping: 2-5 days" || hits[0].Metadata["source"] != "kb" {
				t.Fatalf("Search() hit = %+v, want overwritten record", hits[0])
			}
		})
	}
}

func TestStoreSoftDeleteExcludesAndRevives(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(3)
			ctx := context.Background()
			rec, err := s.Upsert(ctx, UpsertParams{
				TenantID: "t1", Category: "faq", EntityID: "returns",
				Content: "Returns within 30 days", Embedding: []float32{0, 1, 0},
			})
			if err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}

			if err := s.SoftDelete(ctx, "t1", "faq", "returns"); err != nil {
				t.Fatalf("SoftDelete() error = %v", err)
			}
			if err := s.SoftDelete(ctx, "t1", "faq", "returns"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("SoftDelete() twice error = %v, want ErrNotFound", err)
			}
			hits, err := s.Search(ctx, Query{TenantID: "t1", Embedding: []float32{0, 1, 0}, TopK: 5})
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(hits) != 0 {
				t.Fatalf("Search() after delete = %+v, want none", hits)
			}

			revived, err := s.Upsert(ctx, UpsertParams{
				TenantID: "t1", Category: "faq", EntityID: "returns",
				Content: "Returns within 14 days", Embedding: []float32{0, 1, 0},
			})
			if err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			if revived.ID != rec.ID {
				t.Fatalf("revived id = %q, want %q", revived.ID, rec.ID)
			}
			hits, _ = s.Search(ctx, Query{TenantID: "t1", Embedding: []float32{0, 1, 0}, TopK: 5})
			if len(hits) != 1 || hits[0].Content != "Returns within 14 days" {
				t.Fatalf("Search() after revive = %+v", hits)
			}
		})
	}
}

func TestStoreSearchScopes(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(3)
			ctx := context.Background()
			seed := []UpsertParams{
				{TenantID: "t1", Category: "chat", EntityID: "m1", Content: "user asked about shipping", Embedding: []float32{1, 0, 0}, Metadata: map[string]any{"conversation_id": "c1", "role": "user"}},
				{TenantID: "t1", Category: "chat", EntityID: "m2", Content: "other conversation", Embedding: []float32{1, 0, 0}, Metadata: map[string]any{"conversation_id": "c2", "role": "user"}},
				{TenantID: "t1", Category: "faq", EntityID: "shipping", Content: "Shipping: 2-5 days", Embedding: []float32{0.9, 0.1, 0}},
				{TenantID: "t1", Category: "product", EntityID: "p1", Content: "Blue mug", Embedding: []float32{0, 0, 1}},
			}
			for _, p := range seed {
				if _, err := s.Upsert(ctx, p); err != nil {
					t.Fatalf("Upsert(%s) error = %v", p.EntityID, err)
				}
			}

			chat, err := s.Search(ctx, Query{
				TenantID: "t1", Embedding: []float32{1, 0, 0}, TopK: 10,
				Category: "chat", Metadata: map[string]any{"conversation_id": "c1"},
			})
			if err != nil {
				t.Fatalf("Search(chat) error = %v", err)
			}
			if len(chat) != 1 || chat[0].EntityID != "m1" {
				t.Fatalf("Search(chat) = %+v, want only m1", chat)
			}

			kb, err := s.Search(ctx, Query{TenantID: "t1", Embedding: []float32{1, 0, 0}, TopK: 10, ExcludeCategory: "chat"})
			if err != nil {
				t.Fatalf("Search(kb) error = %v", err)
			}
			if len(kb) != 2 {
				t.Fatalf("Search(kb) returned %d hits, want 2", len(kb))
			}
			for _, r := range kb {
				if r.Category == "chat" {
					t.Fatalf("Search(kb) returned chat record %+v", r)
				}
			}
			if kb[0].EntityID != "shipping" {
				t.Fatalf("Search(kb)[0] = %s, want nearest record shipping", kb[0].EntityID)
			}
			if kb[0].Distance > kb[1].Distance {
				t.Fatalf("Search(kb) not ordered by distance: %v > %v", kb[0].Distance, kb[1].Distance)
			}

			top, _ := s.Search(ctx, Query{TenantID: "t1", Embedding: []float32{1, 0, 0}, TopK: 1})
			if len(top) != 1 {
				t.Fatalf("Search(top_k=1) returned %d hits", len(top))
			}
		})
	}
}

func TestStoreTenantIsolation(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(3)
			ctx := context.Background()
			if _, err := s.Upsert(ctx, UpsertParams{TenantID: "t1", Category: "faq", EntityID: "x", Content: "secret of t1", Embedding: []float32{1, 0, 0}}); err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			if _, err := s.Upsert(ctx, UpsertParams{TenantID: "t2", Category: "faq", EntityID: "x", Content: "secret of t2", Embedding: []float32{1, 0, 0}}); err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			hits, err := s.Search(ctx, Query{TenantID: "t2", Embedding: []float32{1, 0, 0}, TopK: 10})
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(hits) != 1 || hits[0].TenantID != "t2" || hits[0].Content != "secret of t2" {
				t.Fatalf("Search(t2) = %+v", hits)
			}
		})
	}
}

func TestStoreSeparatorInIDsKeepsRecordsDistinct(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(3)
			ctx := context.Background()
			a, err := s.Upsert(ctx, UpsertParams{TenantID: "t1", Category: "faq|x", EntityID: "1", Content: "first", Embedding: []float32{1, 0, 0}})
			if err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			b, err := s.Upsert(ctx, UpsertParams{TenantID: "t1", Category: "faq", EntityID: "x|1", Content: "second", Embedding: []float32{1, 0, 0}})
			if err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			if a.ID == b.ID {
				t.Fatalf("Upsert() gave both records id %q", a.ID)
			}
			hits, err := s.Search(ctx, Query{TenantID: "t1", Embedding: []float32{1, 0, 0}, TopK: 10})
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(hits) != 2 {
				t.Fatalf("Search() returned %d hits, want 2: %+v", len(hits), hits)
			}
		})
	}
}

func TestStoreRejectsDimensionMismatch(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(3)
			ctx := context.Background()
			_, err := s.Upsert(ctx, UpsertParams{TenantID: "t1", Category: "faq", EntityID: "x", Content: "c", Embedding: []float32{1, 0}})
			if !errors.Is(err, ErrDimensionMismatch) {
				t.Fatalf("Upsert() error = %v, want ErrDimensionMismatch", err)
			}
			_, err = s.Search(ctx, Query{TenantID: "t1", Embedding: []float32{1, 0, 0, 0}, TopK: 1})
			if !errors.Is(err, ErrDimensionMismatch) {
				t.Fatalf("Search() error = %v, want ErrDimensionMismatch", err)
			}
		})
	}
}

func TestStoreRejectsIncompleteRecord(t *testing.T) {
	s := NewInMemoryStore(0)
	_, err := s.Upsert(context.Background(), UpsertParams{TenantID: "t1", Category: "faq", Content: "c"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Upsert() error = %v, want ErrInvalidRecord", err)
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	s, err := NewStore(context.Background(), Config{Dimensions: 8})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
	if s.Dimensions() != 8 {
		t.Fatalf("Dimensions() = %d, want 8", s.Dimensions())
	}

	s, err = NewStore(context.Background(), Config{Backend: "chromem", Dimensions: 8})
	if err != nil {
		t.Fatalf("NewStore(chromem) error = %v", err)
	}
	if _, ok := s.(*ChromemStore); !ok {
		t.Fatalf("NewStore(chromem) = %T, want *ChromemStore", s)
	}

	if _, err := NewStore(context.Background(), Config{Backend: "postgres"}); err == nil {
		t.Fatalf("NewStore(postgres) without DATABASE_URL should fail")
	}
	if _, err := NewStore(context.Background(), Config{Backend: "sqlite"}); err == nil {
		t.Fatalf("NewStore(sqlite) should fail")
	}
}

type stubEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (e stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func TestIndexerUpsertAndSearchText(t *testing.T) {
	store := NewInMemoryStore(3)
	ix := NewIndexer(store, stubEmbedder{vectors: map[string][]float32{
		"Shipping: 2-5 days": {1, 0, 0},
		"how long to ship?":  {0.9, 0.1, 0},
	}})
	ctx := context.Background()

	if _, err := ix.UpsertText(ctx, "t1", "faq", "shipping", "  Shipping: 2-5 days ", nil); err != nil {
		t.Fatalf("UpsertText() error = %v", err)
	}
	if _, err := ix.UpsertText(ctx, "t1", "faq", "empty", "   ", nil); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("UpsertText(blank) error = %v, want ErrInvalidRecord", err)
	}

	hits, err := ix.SearchText(ctx, TextQuery{TenantID: "t1", Text: "how long to ship?", TopK: 3})
	if err != nil {
		t.Fatalf("SearchText() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Content != "Shipping: 2-5 days" {
		t.Fatalf("SearchText() = %+v", hits)
	}

	if err := ix.Delete(ctx, "t1", "faq", "shipping"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	hits, _ = ix.SearchText(ctx, TextQuery{TenantID: "t1", Text: "how long to ship?", TopK: 3})
	if len(hits) != 0 {
		t.Fatalf("SearchText() after delete = %+v", hits)
	}
}

func TestIndexerPropagatesEmbedError(t *testing.T) {
	boom := errors.New("provider down")
	ix := NewIndexer(NewInMemoryStore(3), stubEmbedder{err: boom})
	if _, err := ix.UpsertText(context.Background(), "t1", "faq", "x", "text", nil); !errors.Is(err, boom) {
		t.Fatalf("UpsertText() error = %v, want %v", err, boom)
	}
}
