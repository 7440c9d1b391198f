package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/recall/internal/character"
	"github.com/ent0n29/recall/internal/chat"
	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/embed"
	"github.com/ent0n29/recall/internal/httpapi"
	"github.com/ent0n29/recall/internal/llm"
	"github.com/ent0n29/recall/internal/memory"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/reliability"
	"github.com/ent0n29/recall/internal/retrieval"
	"github.com/ent0n29/recall/internal/session"
)

const (
	connectAttempts = 4
	connectBase     = 250 * time.Millisecond
	connectCap      = 4 * time.Second
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *chat.Orchestrator
	Indexer      *memory.Indexer
	Buffer       session.Buffer
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to drain background writes and
	// release external resources (Redis, Postgres, embedding clients).
	Cleanup func() error
}

// Memory bundles the long-term store with its embedder.
type Memory struct {
	Store    memory.Store
	Embedder embed.Embedder
	Indexer  *memory.Indexer
}

func (m *Memory) Close() error {
	var errs []string
	if c, ok := m.Embedder.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := m.Store.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// BuildMemory opens the configured store and embedder and verifies that both
// agree on the vector width.
func BuildMemory(ctx context.Context, cfg config.Config, initSchema bool) (*Memory, error) {
	embedder, err := embed.New(ctx, embedConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("embedding provider init failed: %w", err)
	}

	var (
		store     memory.Store
		permanent error
	)
	err = reliability.Retry(ctx, connectAttempts, connectBase, connectCap, func(ctx context.Context) error {
		s, err := memory.NewStore(ctx, memory.Config{
			Backend:     cfg.MemoryBackend,
			DatabaseURL: cfg.DatabaseURL,
			ChromemPath: cfg.ChromemPath,
			Dimensions:  cfg.EmbeddingDim,
			InitSchema:  initSchema,
		})
		if errors.Is(err, memory.ErrDimensionMismatch) {
			permanent = err
			return nil
		}
		if err != nil {
			slog.Warn("memory store not reachable yet", "backend", cfg.MemoryBackend, "err", err)
			return err
		}
		store = s
		return nil
	})
	if err == nil {
		err = permanent
	}
	if err != nil {
		closeQuietly(embedder)
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	if err := embed.CheckDimensions(embedder, store); err != nil {
		closeQuietly(embedder)
		_ = store.Close()
		return nil, err
	}
	return &Memory{Store: store, Embedder: embedder, Indexer: memory.NewIndexer(store, embedder)}, nil
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	mem, err := BuildMemory(ctx, cfg, false)
	if err != nil {
		return nil, err
	}

	var buffer session.Buffer
	err = reliability.Retry(ctx, connectAttempts, connectBase, connectCap, func(ctx context.Context) error {
		b, err := session.NewBuffer(ctx, cfg.RedisURL, cfg.ChatBufferTTL)
		if err != nil {
			slog.Warn("session buffer not reachable yet", "err", err)
			return err
		}
		buffer = b
		return nil
	})
	if err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("session buffer init failed: %w", err)
	}

	prompts, closePrompts, err := buildCharacterSource(ctx, cfg)
	if err != nil {
		_ = buffer.Close()
		_ = mem.Close()
		return nil, err
	}

	model, err := llm.New(ctx, llm.Config{
		Model: cfg.LLMModel,
		ProviderKeys: map[string]string{
			llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
			llm.ProviderAnthropic: cfg.AnthropicAPIKey,
			llm.ProviderGemini:    cfg.GeminiAPIKey,
			llm.ProviderLangChain: cfg.LLMAPIKey,
		},
		Provider:   cfg.LLMProvider,
		APIKey:     cfg.LLMAPIKey,
		BaseURL:    cfg.LLMBaseURL,
		OllamaHost: cfg.OllamaHost,
		MaxTokens:  cfg.LLMMaxTokens,
	})
	if err != nil {
		closePrompts()
		_ = buffer.Close()
		_ = mem.Close()
		return nil, fmt.Errorf("llm init failed: %w", err)
	}

	var assembler chat.ContextAssembler
	if cfg.RetrievalEnabled {
		assembler = retrieval.NewAssembler(mem.Store, mem.Embedder, retrieval.Config{
			Enabled:         true,
			ChatCategory:    cfg.ChatCategory,
			TopKChat:        cfg.TopKChat,
			TopKKB:          cfg.TopKKB,
			MaxContextChars: cfg.MaxContextChars,
			MaxSnippetChars: cfg.MaxSnippetChars,
		}, metrics)
	}

	orchestrator := chat.NewOrchestrator(buffer, prompts, assembler, model, mem.Indexer, chat.Config{
		BufferTTL:      cfg.ChatBufferTTL,
		PersistEnabled: cfg.PersistEnabled,
		PersistMode:    cfg.PersistMode,
		PersistWorkers: cfg.PersistWorkers,
		PersistTimeout: cfg.PersistTimeout,
		ChatCategory:   cfg.ChatCategory,
		RedactPII:      cfg.PersistRedactPII,
	}, metrics)

	api := httpapi.New(cfg, orchestrator, mem.Indexer, metrics, readiness(buffer, mem.Store))

	cleanup := func() error {
		orchestrator.Close()
		var errs []string
		closePrompts()
		if err := buffer.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := mem.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	slog.Info("chat pipeline ready",
		"memory_backend", cfg.MemoryBackend,
		"embedding_provider", cfg.EmbeddingProvider,
		"embedding_dim", cfg.EmbeddingDim,
		"redis", cfg.RedisURL != "",
		"retrieval", cfg.RetrievalEnabled,
		"persist", cfg.PersistEnabled,
		"persist_mode", cfg.PersistMode,
	)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orchestrator,
		Indexer:      mem.Indexer,
		Buffer:       buffer,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

// StartJanitor sweeps expired conversations when the buffer lives in process.
// Redis expires keys on its own.
func (r *BuildResult) StartJanitor(ctx context.Context, interval time.Duration) {
	if b, ok := r.Buffer.(*session.InMemoryBuffer); ok {
		b.SetExpireHook(func(k session.Key) {
			slog.Debug("conversation buffer expired", "tenant_id", k.TenantID, "conversation_id", k.ConversationID)
		})
		b.StartJanitor(ctx, interval)
	}
}

func buildCharacterSource(ctx context.Context, cfg config.Config) (character.Source, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if cfg.DefaultSystemPrompt == "" {
			slog.Warn("no DATABASE_URL and no DEFAULT_SYSTEM_PROMPT; every conversation will be rejected")
		}
		return character.NewStaticSource(cfg.DefaultSystemPrompt), func() {}, nil
	}
	pg, err := character.NewPostgresSource(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("character source init failed: %w", err)
	}
	cached, err := character.NewCachedSource(pg, cfg.CharacterCacheTTL)
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	return cached, func() {
		cached.Close()
		pg.Close()
	}, nil
}

func embedConfig(cfg config.Config) embed.Config {
	ec := embed.Config{
		Provider:   cfg.EmbeddingProvider,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDim,
		APIKey:     cfg.EmbeddingAPIKey,
		BaseURL:    cfg.EmbeddingBaseURL,
		CacheDir:   cfg.FastEmbedCacheDir,
	}
	if ec.APIKey == "" {
		switch ec.Provider {
		case embed.ProviderOpenAI:
			ec.APIKey = cfg.OpenAIAPIKey
		case embed.ProviderGemini:
			ec.APIKey = cfg.GeminiAPIKey
		}
	}
	if ec.BaseURL == "" && ec.Provider == embed.ProviderOllama {
		ec.BaseURL = cfg.OllamaHost
	}
	return ec
}

type pinger interface {
	Ping(ctx context.Context) error
}

func readiness(deps ...any) httpapi.ReadyFunc {
	return func(ctx context.Context) error {
		for _, d := range deps {
			if p, ok := d.(pinger); ok {
				if err := p.Ping(ctx); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func closeQuietly(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
