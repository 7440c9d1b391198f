package session

import (
	"context"
	"strings"
	"time"
)

// NewBuffer creates a Redis-backed buffer when configured, otherwise in-memory.
func NewBuffer(ctx context.Context, redisURL string, idleTTL time.Duration) (Buffer, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewInMemoryBuffer(idleTTL), nil
	}
	return NewRedisBuffer(ctx, redisURL, idleTTL)
}
