package llm

import (
	"context"
	"strconv"
	"strings"

	"github.com/ent0n29/recall/internal/protocol"
)

// MockModel is a deterministic offline model. It answers with a tool trace
// followed by an assistant echo of the last user turn.
type MockModel struct{}

func NewMockModel() *MockModel { return &MockModel{} }

func (MockModel) Invoke(ctx context.Context, turns []protocol.Turn) (Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last string
	contextLines := 0
	for _, t := range turns {
		switch t.Role {
		case protocol.RoleUser:
			last = t.Content
		case protocol.RoleSystem:
			contextLines += strings.Count(t.Content, "\n- [")
		}
	}
	reply := "I hear you."
	if strings.TrimSpace(last) != "" {
		reply = "You said: " + strings.TrimSpace(last)
	}
	return MessageList{
		{Role: "tool", Content: "memory lookup: " + strconv.Itoa(contextLines) + " snippets"},
		{Role: string(protocol.RoleAssistant), Content: reply},
	}, nil
}
