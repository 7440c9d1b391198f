package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/recall/internal/protocol"
)

func newTestRedisBuffer(t *testing.T) (*RedisBuffer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBufferWithClient(client, time.Minute), mr
}

func TestRedisBufferAppendListLen(t *testing.T) {
	b, _ := newTestRedisBuffer(t)
	ctx := context.Background()
	key := Key{TenantID: "t1", ConversationID: "c1"}

	if err := b.Append(ctx, key, protocol.UserTurn("hello")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := b.Append(ctx, key, protocol.AssistantTurn("hi there")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	n, err := b.Len(ctx, key)
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Len() = %d, want 2", n)
	}
	got, err := b.List(ctx, key)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got[0].Role != protocol.RoleUser || got[1].Content != "hi there" {
		t.Fatalf("List() = %+v", got)
	}
}

func TestRedisBufferUsesConversationKey(t *testing.T) {
	b, mr := newTestRedisBuffer(t)
	key := Key{TenantID: "store-9", ConversationID: "conv-2"}
	_ = b.Append(context.Background(), key, protocol.UserTurn("x"))

	if !mr.Exists("chat:7:store-9:conv-2") {
		t.Fatalf("expected key chat:7:store-9:conv-2 to exist; keys = %v", mr.Keys())
	}
	if ttl := mr.TTL("chat:7:store-9:conv-2"); ttl != time.Minute {
		t.Fatalf("idle TTL = %v, want %v", ttl, time.Minute)
	}
}

func TestRedisBufferKeysDoNotCollideAcrossTenants(t *testing.T) {
	b, _ := newTestRedisBuffer(t)
	ctx := context.Background()
	owner := Key{TenantID: "acme:eu", ConversationID: "c1"}
	other := Key{TenantID: "acme", ConversationID: "eu:c1"}

	if owner.String() == other.String() {
		t.Fatalf("keys collide: %q", owner.String())
	}
	if err := b.Append(ctx, owner, protocol.UserTurn("my secret order")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, err := b.List(ctx, other)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("tenant %q sees turns of tenant %q: %+v", other.TenantID, owner.TenantID, got)
	}
}

func TestRedisBufferPrependIfAbsent(t *testing.T) {
	b, _ := newTestRedisBuffer(t)
	ctx := context.Background()
	key := Key{TenantID: "t1", ConversationID: "c1"}
	_ = b.Append(ctx, key, protocol.UserTurn("hello"))

	ok, err := b.PrependIfAbsent(ctx, key, protocol.SystemTurn("role"))
	if err != nil {
		t.Fatalf("PrependIfAbsent() error = %v", err)
	}
	if !ok {
		t.Fatalf("PrependIfAbsent() = false on first call, want true")
	}
	ok, err = b.PrependIfAbsent(ctx, key, protocol.SystemTurn("role again"))
	if err != nil {
		t.Fatalf("PrependIfAbsent() error = %v", err)
	}
	if ok {
		t.Fatalf("PrependIfAbsent() = true on second call, want false")
	}

	got, _ := b.List(ctx, key)
	if len(got) != 2 || got[0].Content != "role" {
		t.Fatalf("List() = %+v, want single leading system turn", got)
	}
}

func TestRedisBufferRefreshExpiry(t *testing.T) {
	b, mr := newTestRedisBuffer(t)
	ctx := context.Background()
	key := Key{TenantID: "t1", ConversationID: "c1"}
	_ = b.Append(ctx, key, protocol.UserTurn("hello"))

	mr.FastForward(50 * time.Second)
	if err := b.RefreshExpiry(ctx, key, 20*time.Minute); err != nil {
		t.Fatalf("RefreshExpiry() error = %v", err)
	}
	if ttl := mr.TTL(key.String()); ttl != 20*time.Minute {
		t.Fatalf("TTL = %v, want %v", ttl, 20*time.Minute)
	}

	mr.FastForward(21 * time.Minute)
	if n, _ := b.Len(ctx, key); n != 0 {
		t.Fatalf("Len() after expiry = %d, want 0", n)
	}
}

func TestRedisBufferUnavailable(t *testing.T) {
	b, mr := newTestRedisBuffer(t)
	mr.Close()

	err := b.Append(context.Background(), Key{TenantID: "t", ConversationID: "c"}, protocol.UserTurn("x"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Append() error = %v, want ErrUnavailable", err)
	}
}
