package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

const (
	chromemCategory  = "category"
	chromemEntityID  = "entity_id"
	chromemMeta      = "meta"
	chromemLive      = "live"
	chromemCreatedAt = "created_at"
	chromemUpdatedAt = "updated_at"
	chromemDeletedAt = "deleted_at"
)

// ChromemStore is an embedded vector store for single-node deployments.
// Each tenant gets its own collection; soft-deleted documents stay in the
// collection with live=false.
type ChromemStore struct {
	mu          sync.Mutex
	db          *chromem.DB
	dims        int
	collections map[string]*chromem.Collection
	now         func() time.Time
}

// NewChromemStore opens a persistent database under path, or an in-process
// one when path is empty.
func NewChromemStore(path string, dims int) (*ChromemStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	return &ChromemStore{
		db:          db,
		dims:        dims,
		collections: make(map[string]*chromem.Collection),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ChromemStore) collection(tenantID string) (*chromem.Collection, error) {
	if col, ok := s.collections[tenantID]; ok {
		return col, nil
	}
	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := s.db.GetOrCreateCollection("tenant_"+tenantID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open tenant collection: %w", err)
	}
	s.collections[tenantID] = col
	return col, nil
}

// chromemID derives a stable document id. Each part is length-prefixed so
// separators inside ids cannot make two keys collide.
func chromemID(tenantID, category, entityID string) string {
	name := fmt.Sprintf("%d:%s|%d:%s|%d:%s", len(tenantID), tenantID, len(category), category, len(entityID), entityID)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Upsert keeps created_at across overwrites and revivals.
func (s *ChromemStore) Upsert(ctx context.Context, p UpsertParams) (Record, error) {
	if err := validateUpsert(p, s.dims); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection(p.TenantID)
	if err != nil {
		return Record{}, err
	}
	id := chromemID(p.TenantID, p.Category, p.EntityID)
	now := s.now()
	createdAt := now
	if existing, err := col.GetByID(ctx, id); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, existing.Metadata[chromemCreatedAt]); err == nil {
			createdAt = t
		}
	}

	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return Record{}, fmt.Errorf("%w: encode metadata: %v", ErrInvalidRecord, err)
	}
	doc := chromem.Document{
		ID:        id,
		Content:   p.Content,
		Embedding: cloneVector(p.Embedding),
		Metadata: map[string]string{
			chromemCategory:  p.Category,
			chromemEntityID:  p.EntityID,
			chromemMeta:      string(rawMeta),
			chromemLive:      "true",
			chromemCreatedAt: createdAt.Format(time.RFC3339Nano),
			chromemUpdatedAt: now.Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return Record{}, fmt.Errorf("add document: %w", err)
	}

	return Record{
		ID:        id,
		TenantID:  p.TenantID,
		Category:  p.Category,
		EntityID:  p.EntityID,
		Content:   p.Content,
		Embedding: cloneVector(p.Embedding),
		Metadata:  cloneMetadata(meta),
		CreatedAt: createdAt,
		UpdatedAt: now,
	}, nil
}

func (s *ChromemStore) Search(ctx context.Context, q Query) ([]Record, error) {
	if err := validateQuery(q, s.dims); err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	col, err := s.collection(q.TenantID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	where := map[string]string{chromemLive: "true"}
	if q.Category != "" {
		where[chromemCategory] = q.Category
	}

	// exclude_category and metadata containment are applied after the query,
	// so ask for every candidate that passes the where filter.
	var results []chromem.Result
	for n := count; n > 0; n-- {
		results, err = col.QueryEmbedding(ctx, q.Embedding, n, where, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		slog.Debug("chromem query returned no candidates", "tenant_id", q.TenantID, "err", err)
		return nil, nil
	}

	hits := make([]Record, 0, q.TopK)
	for _, res := range results {
		rec, err := chromemRecord(q.TenantID, res.ID, res.Content, res.Metadata)
		if err != nil {
			slog.Warn("skipping malformed chromem document", "id", res.ID, "err", err)
			continue
		}
		if q.ExcludeCategory != "" && rec.Category == q.ExcludeCategory {
			continue
		}
		if !ContainsMetadata(rec.Metadata, q.Metadata) {
			continue
		}
		rec.Distance = 1 - float64(res.Similarity)
		hits = append(hits, rec)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func (s *ChromemStore) SoftDelete(ctx context.Context, tenantID, category, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection(tenantID)
	if err != nil {
		return err
	}
	doc, err := col.GetByID(ctx, chromemID(tenantID, category, entityID))
	if err != nil || doc.Metadata[chromemLive] != "true" {
		return ErrNotFound
	}
	meta := make(map[string]string, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	meta[chromemLive] = "false"
	meta[chromemDeletedAt] = s.now().Format(time.RFC3339Nano)
	doc.Metadata = meta
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("mark document deleted: %w", err)
	}
	return nil
}

func (s *ChromemStore) Dimensions() int { return s.dims }

func (s *ChromemStore) Close() error { return nil }

func chromemRecord(tenantID, id, content string, meta map[string]string) (Record, error) {
	rec := Record{
		ID:       id,
		TenantID: tenantID,
		Category: meta[chromemCategory],
		EntityID: meta[chromemEntityID],
		Content:  content,
		Metadata: map[string]any{},
	}
	if raw := meta[chromemMeta]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta[chromemCreatedAt])
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, meta[chromemUpdatedAt])
	return rec, nil
}
