package character

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CachedSource memoizes found prompts for ttl. Misses are not cached so a
// newly created character is visible on the next lookup.
type CachedSource struct {
	inner Source
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewCachedSource(inner Source, ttl time.Duration) (*CachedSource, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     8 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create character cache: %w", err)
	}
	return &CachedSource{inner: inner, cache: cache, ttl: ttl}, nil
}

func (s *CachedSource) SystemPrompt(ctx context.Context, tenantID, conversationID string) (string, error) {
	key := tenantID + "\x00" + conversationID
	if v, ok := s.cache.Get(key); ok {
		if prompt, ok := v.(string); ok {
			return prompt, nil
		}
	}
	prompt, err := s.inner.SystemPrompt(ctx, tenantID, conversationID)
	if err != nil {
		return "", err
	}
	s.cache.SetWithTTL(key, prompt, int64(len(prompt))+1, s.ttl)
	return prompt, nil
}

// Wait blocks until pending cache writes are applied.
func (s *CachedSource) Wait() { s.cache.Wait() }

func (s *CachedSource) Close() {
	s.cache.Close()
}
