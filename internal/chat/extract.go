package chat

import (
	"strings"

	"github.com/ent0n29/recall/internal/llm"
)

// ExtractReply picks the assistant text out of a model response: plain text
// as is, a structured field's text, or the last assistant message of a list.
// The bool is false when there is nothing usable.
func ExtractReply(resp llm.Response) (string, bool) {
	var text string
	switch r := resp.(type) {
	case llm.PlainText:
		text = string(r)
	case llm.StructuredField:
		text = r.Text
	case llm.MessageList:
		for i := len(r) - 1; i >= 0; i-- {
			role := strings.ToLower(strings.TrimSpace(r[i].Role))
			if role == "assistant" || role == "ai" {
				text = r[i].Content
				break
			}
		}
	default:
		return "", false
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}
