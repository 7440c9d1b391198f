package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/ent0n29/recall/internal/protocol"
)

type OllamaModel struct {
	client *ollama.Client
	model  string
}

func NewOllamaModel(model, host string) (*OllamaModel, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if model == "" {
		model = "llama3.1"
	}
	return &OllamaModel{
		client: ollama.NewClient(u, &http.Client{Timeout: 120 * time.Second}),
		model:  model,
	}, nil
}

func (m *OllamaModel) Invoke(ctx context.Context, turns []protocol.Turn) (Response, error) {
	msgs := make([]ollama.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, ollama.Message{Role: string(t.Role), Content: t.Content})
	}
	stream := false
	var (
		role    string
		content strings.Builder
	)
	err := m.client.Chat(ctx, &ollama.ChatRequest{
		Model:    m.model,
		Messages: msgs,
		Stream:   &stream,
	}, func(cr ollama.ChatResponse) error {
		if cr.Message.Role != "" {
			role = cr.Message.Role
		}
		content.WriteString(cr.Message.Content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if role == "" {
		role = string(protocol.RoleAssistant)
	}
	return MessageList{{Role: role, Content: content.String()}}, nil
}
