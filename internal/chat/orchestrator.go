package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/recall/internal/character"
	"github.com/ent0n29/recall/internal/llm"
	"github.com/ent0n29/recall/internal/memory"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/policy"
	"github.com/ent0n29/recall/internal/protocol"
	"github.com/ent0n29/recall/internal/retrieval"
	"github.com/ent0n29/recall/internal/session"
)

var (
	// ErrInvalidTurn rejects a malformed incoming turn before anything is stored.
	ErrInvalidTurn = errors.New("invalid turn")
	// ErrFatalInput means the conversation cannot be served, e.g. it has no
	// character configuration.
	ErrFatalInput = errors.New("conversation cannot be served")
	// ErrModelFailure means the language model call failed. The incoming turn
	// stays in the buffer.
	ErrModelFailure = errors.New("language model call failed")
	// ErrBufferUnavailable means the conversation buffer could not be read or
	// written.
	ErrBufferUnavailable = errors.New("conversation buffer unavailable")
)

const (
	PersistSync  = "sync"
	PersistAsync = "async"
)

type Config struct {
	BufferTTL      time.Duration
	PersistEnabled bool
	PersistMode    string
	PersistWorkers int
	PersistTimeout time.Duration
	ChatCategory   string
	// RedactPII masks emails, card and phone numbers before turns are
	// written to long-term memory. The buffer keeps the original text.
	RedactPII bool
}

func DefaultConfig() Config {
	return Config{
		BufferTTL:      20 * time.Minute,
		PersistEnabled: true,
		PersistMode:    PersistAsync,
		PersistWorkers: 8,
		PersistTimeout: 5 * time.Second,
		ChatCategory:   "chat",
	}
}

// ContextAssembler produces the ephemeral retrieval context for a user turn.
type ContextAssembler interface {
	Assemble(ctx context.Context, tenantID, conversationID, query string) *retrieval.Context
}

// MemoryWriter embeds and stores one snippet of long-term memory.
type MemoryWriter interface {
	UpsertText(ctx context.Context, tenantID, category, entityID, content string, metadata map[string]any) (memory.Record, error)
}

type Request struct {
	TenantID       string
	ConversationID string
	Turn           protocol.Turn
}

type Result struct {
	Reply    string
	HasReply bool
	Raw      llm.Response
}

// Orchestrator runs the per-message pipeline: buffer the turn, make sure the
// conversation starts with its system prompt, inject retrieved context, call
// the model, record the reply and persist both sides to long-term memory.
type Orchestrator struct {
	buffer    session.Buffer
	prompts   character.Source
	assembler ContextAssembler
	model     llm.Model
	writer    MemoryWriter
	cfg       Config
	metrics   *observability.Metrics

	locks   *keyedMutex
	persist *persistPool
}

// NewOrchestrator wires the pipeline. assembler and writer may be nil to turn
// retrieval or persistence off.
func NewOrchestrator(buffer session.Buffer, prompts character.Source, assembler ContextAssembler, model llm.Model, writer MemoryWriter, cfg Config, metrics *observability.Metrics) *Orchestrator {
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = 20 * time.Minute
	}
	if cfg.ChatCategory == "" {
		cfg.ChatCategory = "chat"
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Orchestrator{
		buffer:    buffer,
		prompts:   prompts,
		assembler: assembler,
		model:     model,
		writer:    writer,
		cfg:       cfg,
		metrics:   metrics,
		locks:     newKeyedMutex(),
		persist:   newPersistPool(cfg.PersistWorkers),
	}
}

// Handle processes one incoming turn. Turns of the same conversation are
// handled one at a time, in arrival order of the lock.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	res, err := o.handle(ctx, req)
	outcome := outcomeOf(res, err)
	o.metrics.CountRequest(outcome)
	o.metrics.ObserveStage("turn_total", time.Since(started))
	if err != nil {
		slog.Error("chat turn failed",
			"tenant_id", req.TenantID,
			"conversation_id", req.ConversationID,
			"outcome", outcome,
			"err", err,
		)
	}
	return res, err
}

func (o *Orchestrator) handle(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.ConversationID) == "" {
		return Result{}, fmt.Errorf("%w: tenant and conversation ids are required", ErrInvalidTurn)
	}
	if err := req.Turn.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidTurn, err)
	}
	key := session.Key{TenantID: req.TenantID, ConversationID: req.ConversationID}

	unlock := o.locks.Lock(key.String())
	o.metrics.LockAcquired()
	defer func() {
		unlock()
		o.metrics.LockReleased()
	}()

	appendStarted := time.Now()
	if err := o.buffer.Append(ctx, key, req.Turn); err != nil {
		return Result{}, fmt.Errorf("%w: append turn: %w", ErrBufferUnavailable, err)
	}
	o.metrics.ObserveStage("buffer_append", time.Since(appendStarted))

	turns, err := o.buffer.List(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("%w: list turns: %w", ErrBufferUnavailable, err)
	}
	if len(turns) == 0 || turns[0].Role != protocol.RoleSystem {
		turns, err = o.ensureSystemPrompt(ctx, key)
		if err != nil {
			return Result{}, err
		}
	}

	input := turns
	if req.Turn.Role == protocol.RoleUser && o.assembler != nil {
		input = injectContext(turns, o.assembler.Assemble(ctx, req.TenantID, req.ConversationID, req.Turn.Content))
	}

	modelStarted := time.Now()
	raw, err := o.model.Invoke(ctx, input)
	o.metrics.ObserveModelLatency(time.Since(modelStarted))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrModelFailure, err)
	}

	reply, ok := ExtractReply(raw)
	if ok {
		if err := o.buffer.Append(ctx, key, protocol.AssistantTurn(reply)); err != nil {
			return Result{}, fmt.Errorf("%w: append reply: %w", ErrBufferUnavailable, err)
		}
	} else {
		slog.Warn("model response had no extractable reply",
			"tenant_id", req.TenantID,
			"conversation_id", req.ConversationID,
			"response_type", fmt.Sprintf("%T", raw),
		)
	}

	o.persistTurns(ctx, req, reply, ok)

	if err := o.buffer.RefreshExpiry(ctx, key, o.cfg.BufferTTL); err != nil {
		return Result{}, fmt.Errorf("%w: refresh expiry: %w", ErrBufferUnavailable, err)
	}
	if n, err := o.buffer.Len(ctx, key); err == nil {
		o.metrics.ObserveBufferTurns(n)
	}

	return Result{Reply: reply, HasReply: ok, Raw: raw}, nil
}

// ensureSystemPrompt runs whenever the buffer does not start with a system
// turn, so a conversation whose first lookup failed gets its prompt on the
// next turn. PrependIfAbsent keeps the insert single under concurrency.
func (o *Orchestrator) ensureSystemPrompt(ctx context.Context, key session.Key) ([]protocol.Turn, error) {
	prompt, err := o.prompts.SystemPrompt(ctx, key.TenantID, key.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: system prompt lookup: %w", ErrFatalInput, err)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: empty system prompt", ErrFatalInput)
	}
	if _, err := o.buffer.PrependIfAbsent(ctx, key, protocol.SystemTurn(prompt)); err != nil {
		return nil, fmt.Errorf("%w: prepend system prompt: %w", ErrBufferUnavailable, err)
	}
	turns, err := o.buffer.List(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: list turns: %w", ErrBufferUnavailable, err)
	}
	return turns, nil
}

// injectContext returns a copy of turns with the context inserted right after
// the leading system turn. turns itself is never modified.
func injectContext(turns []protocol.Turn, rc *retrieval.Context) []protocol.Turn {
	if rc == nil {
		return turns
	}
	at := 0
	if len(turns) > 0 && turns[0].Role == protocol.RoleSystem {
		at = 1
	}
	out := make([]protocol.Turn, 0, len(turns)+1)
	out = append(out, turns[:at]...)
	out = append(out, protocol.SystemTurn(rc.String()))
	out = append(out, turns[at:]...)
	return out
}

func (o *Orchestrator) persistTurns(ctx context.Context, req Request, reply string, hasReply bool) {
	if !o.cfg.PersistEnabled || o.writer == nil {
		return
	}
	var pending []protocol.Turn
	if req.Turn.Role == protocol.RoleUser {
		pending = append(pending, req.Turn)
	}
	if hasReply {
		pending = append(pending, protocol.AssistantTurn(reply))
	}
	if len(pending) == 0 {
		return
	}

	write := func(ctx context.Context) {
		started := time.Now()
		for _, t := range pending {
			o.writeTurn(ctx, req, t)
		}
		o.metrics.ObserveStage("persist", time.Since(started))
	}

	if o.cfg.PersistMode == PersistSync {
		wctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
		defer cancel()
		write(wctx)
		return
	}

	o.metrics.PersistQueued()
	detached := context.WithoutCancel(ctx)
	o.persist.Go(detached, func(ctx context.Context) {
		defer o.metrics.PersistDone()
		wctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
		defer cancel()
		write(wctx)
	})
}

func (o *Orchestrator) writeTurn(ctx context.Context, req Request, t protocol.Turn) {
	content := t.Content
	if o.cfg.RedactPII {
		content, _ = policy.RedactPII(content)
	}
	_, err := o.writer.UpsertText(ctx, req.TenantID, o.cfg.ChatCategory, uuid.NewString(), content, map[string]any{
		"conversation_id": req.ConversationID,
		"role":            string(t.Role),
	})
	if err != nil {
		o.metrics.CountDegradation("persist")
		o.metrics.CountMemoryWrite("error")
		slog.Warn("persisting chat turn failed",
			"tenant_id", req.TenantID,
			"conversation_id", req.ConversationID,
			"role", t.Role,
			"err", err,
		)
		return
	}
	o.metrics.CountMemoryWrite("ok")
}

// ActiveConversations reports how many conversations hold or wait on a lock.
func (o *Orchestrator) ActiveConversations() int {
	return o.locks.Len()
}

// Close waits for queued background writes to finish.
func (o *Orchestrator) Close() {
	o.persist.Wait()
}

func outcomeOf(res Result, err error) string {
	switch {
	case err == nil && res.HasReply:
		return "ok"
	case err == nil:
		return "no_reply"
	case errors.Is(err, ErrInvalidTurn):
		return "invalid_turn"
	case errors.Is(err, ErrFatalInput):
		return "fatal_input"
	case errors.Is(err, ErrModelFailure):
		return "model_failure"
	case errors.Is(err, ErrBufferUnavailable):
		return "buffer_unavailable"
	default:
		return "error"
	}
}
