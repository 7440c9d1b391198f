package llm

// Response is the closed set of shapes a provider may return.
// Implementations: PlainText, StructuredField, MessageList.
type Response interface {
	isResponse()
}

// PlainText is a bare text completion.
type PlainText string

// StructuredField is an object whose answer sits in one named text field.
type StructuredField struct {
	Field string `json:"field"`
	Text  string `json:"text"`
}

// Message is one role-tagged entry of a MessageList.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageList is an ordered run of messages produced by a single call, which
// may include tool or system messages ahead of the final answer.
type MessageList []Message

func (PlainText) isResponse()       {}
func (StructuredField) isResponse() {}
func (MessageList) isResponse()     {}
