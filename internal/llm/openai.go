package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/recall/internal/protocol"
)

type OpenAIModel struct {
	client *openai.Client
	model  string
}

func NewOpenAIModel(model, apiKey, baseURL string) (*OpenAIModel, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIModel{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// Invoke returns the choice's messages; tool calls precede the final answer.
func (m *OpenAIModel) Invoke(ctx context.Context, turns []protocol.Turn) (Response, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Content})
	}
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: msgs,
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := resp.Choices[0].Message
	out := make(MessageList, 0, len(choice.ToolCalls)+1)
	for _, call := range choice.ToolCalls {
		out = append(out, Message{Role: openai.ChatMessageRoleTool, Content: call.Function.Name + " " + call.Function.Arguments})
	}
	out = append(out, Message{Role: choice.Role, Content: choice.Content})
	return out, nil
}
