package memory

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendAuto     = "auto"
	BackendPostgres = "postgres"
	BackendChromem  = "chromem"
	BackendMemory   = "memory"
)

type Config struct {
	Backend     string
	DatabaseURL string
	ChromemPath string
	Dimensions  int
	InitSchema  bool
}

// NewStore picks a backend. With "auto" (or empty) a configured DATABASE_URL
// selects postgres, otherwise records live in process memory.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == BackendAuto {
		backend = BackendMemory
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			backend = BackendPostgres
		}
	}

	switch backend {
	case BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("memory backend postgres requires DATABASE_URL")
		}
		store, err := NewPostgresStore(ctx, cfg.DatabaseURL, cfg.Dimensions, cfg.InitSchema)
		if err != nil {
			return nil, err
		}
		width, err := store.SchemaDimensions(ctx)
		if err != nil {
			store.Close()
			return nil, err
		}
		if cfg.Dimensions > 0 && width > 0 && width != cfg.Dimensions {
			store.Close()
			return nil, fmt.Errorf("%w: memory_records.embedding is vector(%d), embedder produces %d", ErrDimensionMismatch, width, cfg.Dimensions)
		}
		return store, nil
	case BackendChromem:
		return NewChromemStore(cfg.ChromemPath, cfg.Dimensions)
	case BackendMemory:
		return NewInMemoryStore(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}
