package session

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/recall/internal/protocol"
)

// InMemoryBuffer keeps conversation buffers in-process for local/dev use.
type InMemoryBuffer struct {
	mu       sync.RWMutex
	buffers  map[Key]*conversation
	idleTTL  time.Duration
	now      func() time.Time
	onExpire func(Key)
}

type conversation struct {
	turns     []protocol.Turn
	expiresAt time.Time
}

// NewInMemoryBuffer creates a buffer store. idleTTL bounds buffers whose
// expiry was never refreshed (for example after a failed first exchange).
func NewInMemoryBuffer(idleTTL time.Duration) *InMemoryBuffer {
	if idleTTL <= 0 {
		idleTTL = 20 * time.Minute
	}
	return &InMemoryBuffer{
		buffers: make(map[Key]*conversation),
		idleTTL: idleTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (b *InMemoryBuffer) SetExpireHook(hook func(Key)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExpire = hook
}

func (b *InMemoryBuffer) Append(ctx context.Context, key Key, turn protocol.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.liveLocked(key)
	if c == nil {
		c = &conversation{expiresAt: b.now().Add(b.idleTTL)}
		b.buffers[key] = c
	}
	c.turns = append(c.turns, turn)
	return nil
}

func (b *InMemoryBuffer) List(ctx context.Context, key Key) ([]protocol.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := b.buffers[key]
	if c == nil || !b.now().Before(c.expiresAt) {
		return nil, nil
	}
	out := make([]protocol.Turn, len(c.turns))
	copy(out, c.turns)
	return out, nil
}

func (b *InMemoryBuffer) Prepend(ctx context.Context, key Key, turn protocol.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prependLocked(key, turn)
	return nil
}

func (b *InMemoryBuffer) PrependIfAbsent(ctx context.Context, key Key, turn protocol.Turn) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.liveLocked(key); c != nil && len(c.turns) > 0 && c.turns[0].Role == protocol.RoleSystem {
		return false, nil
	}
	b.prependLocked(key, turn)
	return true, nil
}

func (b *InMemoryBuffer) Len(ctx context.Context, key Key) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := b.buffers[key]
	if c == nil || !b.now().Before(c.expiresAt) {
		return 0, nil
	}
	return len(c.turns), nil
}

// RefreshExpiry extends the buffer deadline to now+ttl.
func (b *InMemoryBuffer) RefreshExpiry(ctx context.Context, key Key, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.liveLocked(key); c != nil {
		c.expiresAt = b.now().Add(ttl)
	}
	return nil
}

func (b *InMemoryBuffer) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.expire()
			}
		}
	}()
}

// ActiveCount returns the number of unexpired buffers.
func (b *InMemoryBuffer) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := b.now()
	count := 0
	for _, c := range b.buffers {
		if now.Before(c.expiresAt) {
			count++
		}
	}
	return count
}

func (b *InMemoryBuffer) Close() error { return nil }

func (b *InMemoryBuffer) expire() {
	now := b.now()
	var expired []Key

	b.mu.Lock()
	for k, c := range b.buffers {
		if now.Before(c.expiresAt) {
			continue
		}
		delete(b.buffers, k)
		expired = append(expired, k)
	}
	hook := b.onExpire
	b.mu.Unlock()

	if hook != nil {
		for _, k := range expired {
			hook(k)
		}
	}
}

// liveLocked returns the buffer for key, dropping it first if it has expired.
func (b *InMemoryBuffer) liveLocked(key Key) *conversation {
	c := b.buffers[key]
	if c == nil {
		return nil
	}
	if !b.now().Before(c.expiresAt) {
		delete(b.buffers, key)
		return nil
	}
	return c
}

func (b *InMemoryBuffer) prependLocked(key Key, turn protocol.Turn) {
	c := b.liveLocked(key)
	if c == nil {
		c = &conversation{expiresAt: b.now().Add(b.idleTTL)}
		b.buffers[key] = c
	}
	c.turns = append([]protocol.Turn{turn}, c.turns...)
}
