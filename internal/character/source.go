package character

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("character configuration not found")

// Source resolves the system prompt for a conversation. Character
// configuration is owned elsewhere; this is a read-only lookup.
type Source interface {
	SystemPrompt(ctx context.Context, tenantID, conversationID string) (string, error)
}

// StaticSource serves prompts from memory, keyed by tenant and conversation,
// with an optional default for everything else.
type StaticSource struct {
	mu       sync.RWMutex
	prompts  map[string]string
	fallback string
}

func NewStaticSource(defaultPrompt string) *StaticSource {
	return &StaticSource{
		prompts:  make(map[string]string),
		fallback: strings.TrimSpace(defaultPrompt),
	}
}

func (s *StaticSource) Set(tenantID, conversationID, prompt string) {
	s.mu.Lock()
	s.prompts[tenantID+"\x00"+conversationID] = prompt
	s.mu.Unlock()
}

func (s *StaticSource) SystemPrompt(ctx context.Context, tenantID, conversationID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	prompt, ok := s.prompts[tenantID+"\x00"+conversationID]
	s.mu.RUnlock()
	if ok {
		return prompt, nil
	}
	if s.fallback != "" {
		return s.fallback, nil
	}
	return "", ErrNotFound
}
