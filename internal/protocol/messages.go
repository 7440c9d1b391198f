package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrInvalidRole = errors.New("invalid turn role")
	ErrEmptyTurn   = errors.New("turn content is empty")
)

// ParseRole normalizes a caller-supplied role string.
func ParseRole(v string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser, "":
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, v)
	}
}

// Turn is a single immutable message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func SystemTurn(content string) Turn    { return Turn{Role: RoleSystem, Content: content} }
func UserTurn(content string) Turn      { return Turn{Role: RoleUser, Content: content} }
func AssistantTurn(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

// Validate checks the role is known and the content is not blank.
func (t Turn) Validate() error {
	if _, err := ParseRole(string(t.Role)); err != nil || t.Role == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRole, t.Role)
	}
	if strings.TrimSpace(t.Content) == "" {
		return ErrEmptyTurn
	}
	return nil
}

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientTurn   MessageType = "client_turn"
	TypeAssistantMsg MessageType = "assistant_message"
	TypeNoReply      MessageType = "assistant_no_reply"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientTurn is one inbound websocket frame.
type ClientTurn struct {
	Type    MessageType `json:"type"`
	Role    string      `json:"role"`
	Content string      `json:"content"`
}

type AssistantMessage struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content"`
}

type NoReply struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

// ChatRequest is the HTTP body for posting a turn.
type ChatRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse carries the extracted reply plus the raw model response.
type ChatResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply,omitempty"`
	HasReply       bool   `json:"has_reply"`
	Raw            any    `json:"raw,omitempty"`
}

// ToTurn validates the request and converts it to a Turn.
func (r ChatRequest) ToTurn() (Turn, error) {
	role, err := ParseRole(r.Role)
	if err != nil {
		return Turn{}, err
	}
	t := Turn{Role: role, Content: r.Content}
	if err := t.Validate(); err != nil {
		return Turn{}, err
	}
	return t, nil
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTurn:
		var msg ClientTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, errors.New("invalid client_turn")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
