package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/recall/internal/chat"
	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/memory"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/protocol"
	"github.com/ent0n29/recall/internal/reliability"
)

// TenantHeader carries the tenant resolved by the upstream auth layer.
const TenantHeader = "X-Tenant-ID"

type ChatHandler interface {
	Handle(ctx context.Context, req chat.Request) (chat.Result, error)
}

// KnowledgeBase manages curated, non-chat memory entries.
type KnowledgeBase interface {
	UpsertText(ctx context.Context, tenantID, category, entityID, content string, metadata map[string]any) (memory.Record, error)
	SearchText(ctx context.Context, q memory.TextQuery) ([]memory.Record, error)
	Delete(ctx context.Context, tenantID, category, entityID string) error
}

// ReadyFunc reports whether backing stores are reachable.
type ReadyFunc func(ctx context.Context) error

type Server struct {
	cfg      config.Config
	chat     ChatHandler
	kb       KnowledgeBase
	ready    ReadyFunc
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, handler ChatHandler, kb KnowledgeBase, metrics *observability.Metrics, ready ReadyFunc) *Server {
	return &Server{
		cfg:     cfg,
		chat:    handler,
		kb:      kb,
		ready:   ready,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/stages", s.handlePerfStages)

	r.Group(func(r chi.Router) {
		r.Use(requireTenant(tenantFromWebSocket))
		r.Get("/v1/conversations/{id}/ws", s.handleConversationWS)
	})
	r.Group(func(r chi.Router) {
		r.Use(requireTenant(tenantFrom))
		r.Post("/v1/conversations/{id}/messages", s.handlePostMessage)
		r.Put("/v1/memory/{category}/{entity_id}", s.handleUpsertMemory)
		r.Delete("/v1/memory/{category}/{entity_id}", s.handleDeleteMemory)
		r.Post("/v1/memory/search", s.handleSearchMemory)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handlePerfStages reports rolling per-stage latency of the chat pipeline.
func (s *Server) handlePerfStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req protocol.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	turn, err := req.ToTurn()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_turn", err.Error())
		return
	}

	res, err := s.chat.Handle(r.Context(), chat.Request{
		TenantID:       tenantFrom(r),
		ConversationID: conversationID,
		Turn:           turn,
	})
	if err != nil {
		status, code := classifyChatError(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, protocol.ChatResponse{
		ConversationID: conversationID,
		Reply:          res.Reply,
		HasReply:       res.HasReply,
		Raw:            res.Raw,
	})
}

func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromWebSocket(r)
	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.Turn, 64)
	outbound := make(chan any, 64)

	// Turns of one socket are answered in order; the orchestrator's lock
	// orders them against other connections to the same conversation.
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		defer close(outbound)
		for turn := range inbound {
			outbound <- s.answer(ctx, tenantID, conversationID, turn)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				slog.Warn("websocket write failed", "conversation_id", conversationID, "err", err)
				cancel()
				_ = conn.Close()
				// Drain so the worker never blocks on a dead socket.
				for range outbound {
				}
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.CountWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		turn, err := parseTurnFrame(data)
		if err != nil {
			s.metrics.CountWSMessage("inbound", "invalid")
			select {
			case outbound <- protocol.ErrorEvent{
				Type:           protocol.TypeErrorEvent,
				ConversationID: conversationID,
				Code:           "invalid_client_message",
				Detail:         err.Error(),
			}:
			case <-ctx.Done():
				break readLoop
			}
			continue
		}
		s.metrics.CountWSMessage("inbound", string(protocol.TypeClientTurn))
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- turn:
		}
	}

	close(inbound)
	<-workerDone
	<-writerDone
}

func (s *Server) answer(ctx context.Context, tenantID, conversationID string, turn protocol.Turn) any {
	res, err := s.chat.Handle(ctx, chat.Request{TenantID: tenantID, ConversationID: conversationID, Turn: turn})
	if err != nil {
		status, code := classifyChatError(err)
		return protocol.ErrorEvent{
			Type:           protocol.TypeErrorEvent,
			ConversationID: conversationID,
			Code:           code,
			Retryable:      reliability.IsRetryableHTTPStatus(status),
			Detail:         err.Error(),
		}
	}
	if !res.HasReply {
		return protocol.NoReply{Type: protocol.TypeNoReply, ConversationID: conversationID}
	}
	return protocol.AssistantMessage{
		Type:           protocol.TypeAssistantMsg,
		ConversationID: conversationID,
		Content:        res.Reply,
	}
}

func parseTurnFrame(data []byte) (protocol.Turn, error) {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return protocol.Turn{}, err
	}
	msg, ok := parsed.(protocol.ClientTurn)
	if !ok {
		return protocol.Turn{}, protocol.ErrUnsupportedType
	}
	return protocol.ChatRequest{Role: msg.Role, Content: msg.Content}.ToTurn()
}

// classifyChatError maps pipeline failures onto HTTP semantics.
func classifyChatError(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrInvalidTurn):
		return http.StatusBadRequest, "invalid_turn"
	case errors.Is(err, chat.ErrFatalInput):
		return http.StatusNotFound, "conversation_not_configured"
	case errors.Is(err, chat.ErrModelFailure):
		return http.StatusBadGateway, "model_failure"
	case errors.Is(err, chat.ErrBufferUnavailable):
		return http.StatusServiceUnavailable, "buffer_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func requireTenant(resolve func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolve(r) == "" {
				respondError(w, http.StatusBadRequest, "missing_tenant", TenantHeader+" header is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tenantFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(TenantHeader))
}

// tenantFromWebSocket also accepts the tenant_id query parameter, since
// browsers cannot set headers on a websocket handshake.
func tenantFromWebSocket(r *http.Request) string {
	if v := tenantFrom(r); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("tenant_id"))
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{
		Error:     message,
		Code:      code,
		Retryable: reliability.IsRetryableHTTPStatus(status),
	})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientTurn:
		return m.Type, true
	case protocol.AssistantMessage:
		return m.Type, true
	case protocol.NoReply:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
