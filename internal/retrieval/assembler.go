package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/recall/internal/memory"
	"github.com/ent0n29/recall/internal/observability"
)

const (
	Header = "Relevant context from long-term memory. Use only if it helps answer the user."

	defaultTag = "memory"
	ellipsis   = "..."
)

type Config struct {
	Enabled         bool
	ChatCategory    string
	TopKChat        int
	TopKKB          int
	MaxContextChars int
	MaxSnippetChars int
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		ChatCategory:    "chat",
		TopKChat:        4,
		TopKKB:          4,
		MaxContextChars: 2400,
		MaxSnippetChars: 500,
	}
}

// Entry is one tagged snippet of assembled context.
type Entry struct {
	Category string
	Snippet  string
}

func (e Entry) line() string {
	return "- [" + e.Category + "] " + e.Snippet
}

// Context is the bounded, deduplicated retrieval result for one model call.
// A nil *Context means there is nothing worth injecting.
type Context struct {
	Entries []Entry
	// Bare omits the header; set when the budget cannot hold it.
	Bare bool
}

// String renders the header followed by one line per entry.
func (c *Context) String() string {
	if c == nil || len(c.Entries) == 0 {
		return ""
	}
	var b strings.Builder
	if !c.Bare {
		b.WriteString(Header)
	}
	for i, e := range c.Entries {
		if i > 0 || !c.Bare {
			b.WriteByte('\n')
		}
		b.WriteString(e.line())
	}
	return b.String()
}

// Assembler runs the chat-scoped and knowledge-base queries for a user turn
// and folds their results into a Context.
type Assembler struct {
	store    memory.Store
	embedder memory.Embedder
	cfg      Config
	metrics  *observability.Metrics
}

func NewAssembler(store memory.Store, embedder memory.Embedder, cfg Config, metrics *observability.Metrics) *Assembler {
	if cfg.ChatCategory == "" {
		cfg.ChatCategory = "chat"
	}
	return &Assembler{store: store, embedder: embedder, cfg: cfg, metrics: metrics}
}

// Assemble never fails: any dependency error degrades to less (or no) context.
func (a *Assembler) Assemble(ctx context.Context, tenantID, conversationID, query string) *Context {
	if !a.cfg.Enabled || strings.TrimSpace(query) == "" {
		return nil
	}
	started := time.Now()
	defer func() { a.metrics.ObserveStage("retrieval", time.Since(started)) }()

	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("retrieval embedding failed", "tenant_id", tenantID, "conversation_id", conversationID, "err", err)
		a.metrics.CountDegradation("retrieval")
		return nil
	}

	var chatHits, kbHits []memory.Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chatHits = a.search(gctx, "chat", memory.Query{
			TenantID:  tenantID,
			Embedding: vec,
			TopK:      a.cfg.TopKChat,
			Category:  a.cfg.ChatCategory,
			Metadata:  map[string]any{"conversation_id": conversationID},
		})
		return nil
	})
	g.Go(func() error {
		kbHits = a.search(gctx, "kb", memory.Query{
			TenantID:        tenantID,
			Embedding:       vec,
			TopK:            a.cfg.TopKKB,
			ExcludeCategory: a.cfg.ChatCategory,
		})
		return nil
	})
	_ = g.Wait()

	return a.build(append(chatHits, kbHits...))
}

func (a *Assembler) search(ctx context.Context, scope string, q memory.Query) []memory.Record {
	if q.TopK <= 0 {
		return nil
	}
	hits, err := a.store.Search(ctx, q)
	if err != nil {
		slog.Warn("retrieval search failed", "scope", scope, "tenant_id", q.TenantID, "err", err)
		a.metrics.CountDegradation("retrieval")
		return nil
	}
	return hits
}

// build dedupes by trimmed content and stops before the rendered context
// would exceed MaxContextChars. The first entry is shortened rather than
// dropped when it alone does not fit.
func (a *Assembler) build(records []memory.Record) *Context {
	budget := a.cfg.MaxContextChars
	used := utf8.RuneCountInString(Header)
	seen := make(map[string]struct{}, len(records))
	out := &Context{}

	for _, r := range records {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		if _, dup := seen[content]; dup {
			continue
		}
		seen[content] = struct{}{}

		tag := r.Category
		if tag == "" {
			tag = defaultTag
		}
		entry := Entry{Category: tag, Snippet: truncate(content, a.cfg.MaxSnippetChars)}
		cost := 1 + utf8.RuneCountInString(entry.line())
		if budget <= 0 || used+cost <= budget {
			out.Entries = append(out.Entries, entry)
			used += cost
			continue
		}
		if len(out.Entries) == 0 {
			if fitted, ok := fitLine(entry, budget-used-1); ok {
				out.Entries = append(out.Entries, fitted)
			} else if fitted, ok := fitLine(entry, budget); ok {
				out.Entries = append(out.Entries, fitted)
				out.Bare = true
			}
		}
		break
	}

	if len(out.Entries) == 0 {
		return nil
	}
	return out
}

// fitLine shortens e so its rendered line is at most room runes. The tag is
// cut only when not even one snippet rune fits beside it.
func fitLine(e Entry, room int) (Entry, bool) {
	overhead := utf8.RuneCountInString(Entry{Category: e.Category}.line())
	if room > overhead {
		e.Snippet = truncate(e.Snippet, room-overhead)
		return e, true
	}
	const minLine = 7 // "- [t] x"
	if room < minLine {
		return e, false
	}
	e.Category = truncate(e.Category, room-minLine+1)
	e.Snippet = truncate(e.Snippet, 1)
	return e, true
}

// truncate shortens s to at most max runes, ending in an ellipsis when cut.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= len(ellipsis) {
		return string(runes[:max])
	}
	return strings.TrimRight(string(runes[:max-len(ellipsis)]), " ") + ellipsis
}
