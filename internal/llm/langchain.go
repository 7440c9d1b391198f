package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/ent0n29/recall/internal/protocol"
)

// LangChainModel talks to any OpenAI-compatible endpoint (OpenRouter, vLLM,
// LM Studio) through langchaingo.
type LangChainModel struct {
	llm *lcopenai.LLM
}

func NewLangChainModel(model, apiKey, baseURL string) (*LangChainModel, error) {
	if model == "" {
		return nil, fmt.Errorf("langchain provider requires a model name")
	}
	opts := []lcopenai.Option{lcopenai.WithModel(model)}
	if apiKey != "" {
		opts = append(opts, lcopenai.WithToken(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(baseURL))
	}
	llm, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain init: %w", err)
	}
	return &LangChainModel{llm: llm}, nil
}

func (m *LangChainModel) Invoke(ctx context.Context, turns []protocol.Turn) (Response, error) {
	content := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		content = append(content, llms.TextParts(chatMessageType(t.Role), t.Content))
	}
	resp, err := m.llm.GenerateContent(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("langchain generate: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	return StructuredField{Field: "content", Text: resp.Choices[0].Content}, nil
}

func chatMessageType(role protocol.Role) llms.ChatMessageType {
	switch role {
	case protocol.RoleSystem:
		return llms.ChatMessageTypeSystem
	case protocol.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
