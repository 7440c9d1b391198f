package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/ent0n29/recall/internal/protocol"
)

type GeminiModel struct {
	client *genai.Client
	model  string
}

func NewGeminiModel(ctx context.Context, model, apiKey string) (*GeminiModel, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini init: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiModel{client: client, model: model}, nil
}

// Invoke replays prior turns as chat history and sends the last one. The
// answer is returned in the "text" field of a StructuredField.
func (m *GeminiModel) Invoke(ctx context.Context, turns []protocol.Turn) (Response, error) {
	system, rest := splitSystem(turns)
	if len(rest) == 0 {
		return nil, fmt.Errorf("gemini: no user turn to send")
	}

	gm := m.client.GenerativeModel(m.model)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	cs := gm.StartChat()
	for _, t := range rest[:len(rest)-1] {
		role := "user"
		if t.Role == protocol.RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Content)}})
	}

	resp, err := cs.SendMessage(ctx, genai.Text(rest[len(rest)-1].Content))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ErrEmptyResponse
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return StructuredField{Field: "text", Text: b.String()}, nil
}
