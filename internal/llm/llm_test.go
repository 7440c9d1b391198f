package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ent0n29/recall/internal/protocol"
)

func TestSplitModel(t *testing.T) {
	tests := []struct {
		in            string
		provider, mdl string
	}{
		{"", ProviderMock, ""},
		{"mock", ProviderMock, ""},
		{"openai:gpt-4o", ProviderOpenAI, "gpt-4o"},
		{"langchain:meta-llama/llama-3-8b", ProviderLangChain, "meta-llama/llama-3-8b"},
		{"gpt-4o-mini", ProviderOpenAI, "gpt-4o-mini"},
		{"claude-3-5-sonnet-latest", ProviderAnthropic, "claude-3-5-sonnet-latest"},
		{"gemini-1.5-pro", ProviderGemini, "gemini-1.5-pro"},
		{"mystery", "", "mystery"},
	}
	for _, tt := range tests {
		p, m := splitModel(tt.in)
		if p != tt.provider || m != tt.mdl {
			t.Fatalf("splitModel(%q) = (%q, %q), want (%q, %q)", tt.in, p, m, tt.provider, tt.mdl)
		}
	}
}

func TestNewFallsBackToExplicitProvider(t *testing.T) {
	m, err := New(context.Background(), Config{Model: "openai:gpt-4o", Provider: "mock"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := m.(*MockModel); !ok {
		t.Fatalf("New() = %T, want *MockModel fallback", m)
	}

	m, err = New(context.Background(), Config{
		Model:        "gpt-4o",
		ProviderKeys: map[string]string{ProviderOpenAI: "sk-test"},
		Provider:     "mock",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := m.(*OpenAIModel); !ok {
		t.Fatalf("New() = %T, want default *OpenAIModel", m)
	}
}

func TestNewFailsWithoutUsableConfiguration(t *testing.T) {
	if _, err := New(context.Background(), Config{Model: "claude-3-5-haiku-latest"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("New() error = %v, want ErrMissingAPIKey", err)
	}
	if _, err := New(context.Background(), Config{Model: "mystery", Provider: "nope"}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("New() error = %v, want ErrUnknownProvider", err)
	}
}

func TestMockModelReturnsMessageList(t *testing.T) {
	resp, err := NewMockModel().Invoke(context.Background(), []protocol.Turn{
		protocol.SystemTurn("You are helpful."),
		protocol.SystemTurn("Relevant context from long-term memory. Use only if it helps answer the user.\n- [policy] Shipping: 2-5 days"),
		protocol.UserTurn("how long is shipping?"),
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	list, ok := resp.(MessageList)
	if !ok {
		t.Fatalf("Invoke() = %T, want MessageList", resp)
	}
	if len(list) != 2 || list[0].Role != "tool" || list[1].Role != "assistant" {
		t.Fatalf("Invoke() = %+v", list)
	}
	if list[1].Content != "You said: how long is shipping?" {
		t.Fatalf("assistant content = %q", list[1].Content)
	}
	if list[0].Content != "memory lookup: 1 snippets" {
		t.Fatalf("tool content = %q", list[0].Content)
	}
}

func TestOpenAIModelInvoke(t *testing.T) {
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Two to five days."}}]}`))
	}))
	defer srv.Close()

	m, err := NewOpenAIModel("gpt-4o-mini", "sk-test", srv.URL)
	if err != nil {
		t.Fatalf("NewOpenAIModel() error = %v", err)
	}
	resp, err := m.Invoke(context.Background(), []protocol.Turn{
		protocol.SystemTurn("be brief"),
		protocol.UserTurn("shipping?"),
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	list, ok := resp.(MessageList)
	if !ok || len(list) != 1 || list[0].Content != "Two to five days." {
		t.Fatalf("Invoke() = %#v", resp)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "shipping?" {
		t.Fatalf("request messages = %+v", req.Messages)
	}
}

func TestAnthropicModelSendsSystemSeparately(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest","content":[{"type":"text","text":"Two to "},{"type":"text","text":"five days."}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer srv.Close()

	m, err := NewAnthropicModel("", "key", srv.URL, 0)
	if err != nil {
		t.Fatalf("NewAnthropicModel() error = %v", err)
	}
	resp, err := m.Invoke(context.Background(), []protocol.Turn{
		protocol.SystemTurn("persona"),
		protocol.UserTurn("hi"),
		protocol.AssistantTurn("hello"),
		protocol.UserTurn("shipping?"),
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp != PlainText("Two to five days.") {
		t.Fatalf("Invoke() = %#v", resp)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("request messages = %v, want 3 non-system turns", body["messages"])
	}
	system, _ := json.Marshal(body["system"])
	if !strings.Contains(string(system), "persona") {
		t.Fatalf("request system = %s, want persona", system)
	}
}

func TestOllamaModelInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3.1","message":{"role":"assistant","content":"Hi!"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	m, err := NewOllamaModel("", srv.URL)
	if err != nil {
		t.Fatalf("NewOllamaModel() error = %v", err)
	}
	resp, err := m.Invoke(context.Background(), []protocol.Turn{protocol.UserTurn("hello")})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	list, ok := resp.(MessageList)
	if !ok || len(list) != 1 || list[0].Role != "assistant" || list[0].Content != "Hi!" {
		t.Fatalf("Invoke() = %#v", resp)
	}
}

func TestLangChainModelInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"routed answer"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	m, err := NewLangChainModel("openrouter/auto", "key", srv.URL)
	if err != nil {
		t.Fatalf("NewLangChainModel() error = %v", err)
	}
	resp, err := m.Invoke(context.Background(), []protocol.Turn{protocol.UserTurn("hello")})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	field, ok := resp.(StructuredField)
	if !ok || field.Field != "content" || field.Text != "routed answer" {
		t.Fatalf("Invoke() = %#v", resp)
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]protocol.Turn{
		protocol.SystemTurn("a"),
		protocol.UserTurn("u"),
		protocol.SystemTurn("b"),
	})
	if system != "a\n\nb" {
		t.Fatalf("system = %q", system)
	}
	if len(rest) != 1 || rest[0].Content != "u" {
		t.Fatalf("rest = %+v", rest)
	}
}
