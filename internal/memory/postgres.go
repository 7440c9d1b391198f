package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore persists memory records in PostgreSQL with pgvector.
type PostgresStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewPostgresStore connects to databaseURL. When initSchema is set the vector
// extension and the memory_records table are created first; otherwise they
// must already exist.
func NewPostgresStore(ctx context.Context, databaseURL string, dims int, initSchema bool) (*PostgresStore, error) {
	if initSchema {
		if err := CreateSchema(ctx, databaseURL, dims); err != nil {
			return nil, err
		}
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool, dims: dims}, nil
}

// CreateSchema bootstraps the store's own table and indexes.
func CreateSchema(ctx context.Context, databaseURL string, dims int) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer conn.Close(ctx)

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			category TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		);`, dims),
		`CREATE UNIQUE INDEX IF NOT EXISTS memory_records_live_key
			ON memory_records (tenant_id, category, entity_id) WHERE deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS memory_records_tenant_category
			ON memory_records (tenant_id, category) WHERE deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS memory_records_embedding
			ON memory_records USING hnsw (embedding vector_cosine_ops);`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const recordColumns = `id::text, tenant_id, category, entity_id, content, metadata, created_at, updated_at`

// Upsert revives the most recently soft-deleted row for the key when no live
// row exists, so the record id survives a delete/re-create cycle. Otherwise it
// inserts, resolving concurrent inserts through the partial unique index.
func (s *PostgresStore) Upsert(ctx context.Context, p UpsertParams) (Record, error) {
	if err := validateUpsert(p, s.dims); err != nil {
		return Record{}, err
	}
	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	vec := pgvector.NewVector(p.Embedding)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanRecord(tx.QueryRow(ctx, `
		UPDATE memory_records
		SET content = $4, embedding = $5, metadata = $6, updated_at = now(), deleted_at = NULL
		WHERE id = (
			SELECT id FROM memory_records
			WHERE tenant_id = $1 AND category = $2 AND entity_id = $3 AND deleted_at IS NOT NULL
			ORDER BY deleted_at DESC
			LIMIT 1
			FOR UPDATE
		)
		AND NOT EXISTS (
			SELECT 1 FROM memory_records
			WHERE tenant_id = $1 AND category = $2 AND entity_id = $3 AND deleted_at IS NULL
		)
		RETURNING `+recordColumns,
		p.TenantID, p.Category, p.EntityID, p.Content, vec, meta,
	))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("revive record: %w", err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		rec, err = scanRecord(tx.QueryRow(ctx, `
			INSERT INTO memory_records (id, tenant_id, category, entity_id, content, embedding, metadata)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, category, entity_id) WHERE deleted_at IS NULL
			DO UPDATE SET
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata,
				updated_at = now(),
				deleted_at = NULL
			RETURNING `+recordColumns,
			p.TenantID, p.Category, p.EntityID, p.Content, vec, meta,
		))
		if err != nil {
			return Record{}, fmt.Errorf("upsert record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("commit upsert: %w", err)
	}
	rec.Embedding = cloneVector(p.Embedding)
	return rec, nil
}

func (s *PostgresStore) Search(ctx context.Context, q Query) ([]Record, error) {
	if err := validateQuery(q, s.dims); err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`, embedding <=> $1 AS distance
		FROM memory_records
		WHERE tenant_id = $2
		  AND deleted_at IS NULL
		  AND ($3::text IS NULL OR category = $3)
		  AND ($4::jsonb IS NULL OR metadata @> $4::jsonb)
		  AND ($5::text IS NULL OR category <> $5)
		ORDER BY embedding <=> $1
		LIMIT $6`,
		pgvector.NewVector(q.Embedding),
		q.TenantID,
		nullableText(q.Category),
		nullableJSON(q.Metadata),
		nullableText(q.ExcludeCategory),
		q.TopK,
	)
	if err != nil {
		return nil, fmt.Errorf("query memory records: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, q.TopK)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Category, &r.EntityID, &r.Content, &r.Metadata, &r.CreatedAt, &r.UpdatedAt, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, tenantID, category, entityID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE memory_records SET deleted_at = now()
		WHERE tenant_id = $1 AND category = $2 AND entity_id = $3 AND deleted_at IS NULL`,
		tenantID, category, entityID,
	)
	if err != nil {
		return fmt.Errorf("soft delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SchemaDimensions reads the declared width of the embedding column.
func (s *PostgresStore) SchemaDimensions(ctx context.Context) (int, error) {
	var typmod int
	err := s.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'memory_records'::regclass AND attname = 'embedding'`,
	).Scan(&typmod)
	if err != nil {
		return 0, fmt.Errorf("read embedding column width: %w", err)
	}
	return typmod, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Dimensions() int { return s.dims }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.TenantID, &r.Category, &r.EntityID, &r.Content, &r.Metadata, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func nullableText(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableJSON(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
