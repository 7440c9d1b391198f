package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ent0n29/recall/internal/protocol"
)

// ErrUnavailable marks a failure of the ephemeral backing store. A conversation
// cannot proceed without its turn history, so callers treat it as fatal.
var ErrUnavailable = errors.New("session buffer unavailable")

// Key identifies one conversation buffer.
type Key struct {
	TenantID       string
	ConversationID string
}

// String renders the Redis key. The tenant is length-prefixed so a ':' in
// either id cannot map two conversations onto one key.
func (k Key) String() string {
	return "chat:" + strconv.Itoa(len(k.TenantID)) + ":" + k.TenantID + ":" + k.ConversationID
}

// Buffer is the append-ordered, TTL-bounded turn list of every live conversation.
type Buffer interface {
	Append(ctx context.Context, key Key, turn protocol.Turn) error
	List(ctx context.Context, key Key) ([]protocol.Turn, error)
	Prepend(ctx context.Context, key Key, turn protocol.Turn) error
	// PrependIfAbsent inserts turn at the head unless the stored leading turn
	// already has role system. It reports whether the turn was inserted.
	PrependIfAbsent(ctx context.Context, key Key, turn protocol.Turn) (bool, error)
	Len(ctx context.Context, key Key) (int, error)
	RefreshExpiry(ctx context.Context, key Key, ttl time.Duration) error
	Close() error
}
