package llm

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ent0n29/recall/internal/protocol"
)

const defaultAnthropicMaxTokens = 1024

type AnthropicModel struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropicModel(model, apiKey, baseURL string, maxTokens int) (*AnthropicModel, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicModel{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Invoke sends system turns as the system prompt and returns the
// concatenated text blocks.
func (m *AnthropicModel) Invoke(ctx context.Context, turns []protocol.Turn) (Response, error) {
	system, rest := splitSystem(turns)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: int64(m.maxTokens),
		Messages:  make([]anthropic.MessageParam, 0, len(rest)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, t := range rest {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == protocol.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return PlainText(b.String()), nil
}
