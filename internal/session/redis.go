package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/recall/internal/protocol"
)

// appendScript pushes a turn and gives keys that never had an expiry an idle
// TTL, so a conversation whose first exchange failed still expires.
var appendScript = redis.NewScript(`
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
if redis.call('TTL', KEYS[1]) < 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return n
`)

// prependIfAbsentScript relies on json.Marshal emitting "role" first.
var prependIfAbsentScript = redis.NewScript(`
local head = redis.call('LINDEX', KEYS[1], 0)
if head and string.sub(head, 1, 17) == '{"role":"system",' then
	return 0
end
redis.call('LPUSH', KEYS[1], ARGV[1])
if redis.call('TTL', KEYS[1]) < 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// RedisBuffer stores each conversation as a Redis list of JSON turns.
type RedisBuffer struct {
	client  redis.UniversalClient
	idleTTL time.Duration
}

func NewRedisBuffer(ctx context.Context, redisURL string, idleTTL time.Duration) (*RedisBuffer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrUnavailable, err)
	}
	return NewRedisBufferWithClient(client, idleTTL), nil
}

func NewRedisBufferWithClient(client redis.UniversalClient, idleTTL time.Duration) *RedisBuffer {
	if idleTTL <= 0 {
		idleTTL = 20 * time.Minute
	}
	return &RedisBuffer{client: client, idleTTL: idleTTL}
}

func (b *RedisBuffer) Append(ctx context.Context, key Key, turn protocol.Turn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	if err := appendScript.Run(ctx, b.client, []string{key.String()}, payload, ttlSeconds(b.idleTTL)).Err(); err != nil {
		return fmt.Errorf("%w: append: %w", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBuffer) List(ctx context.Context, key Key) ([]protocol.Turn, error) {
	raw, err := b.client.LRange(ctx, key.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrUnavailable, err)
	}
	turns := make([]protocol.Turn, 0, len(raw))
	for _, item := range raw {
		var t protocol.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn in %s: %w", key, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (b *RedisBuffer) Prepend(ctx context.Context, key Key, turn protocol.Turn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	if err := b.client.LPush(ctx, key.String(), payload).Err(); err != nil {
		return fmt.Errorf("%w: prepend: %w", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBuffer) PrependIfAbsent(ctx context.Context, key Key, turn protocol.Turn) (bool, error) {
	payload, err := json.Marshal(turn)
	if err != nil {
		return false, fmt.Errorf("marshal turn: %w", err)
	}
	n, err := prependIfAbsentScript.Run(ctx, b.client, []string{key.String()}, payload, ttlSeconds(b.idleTTL)).Int()
	if err != nil {
		return false, fmt.Errorf("%w: prepend: %w", ErrUnavailable, err)
	}
	return n == 1, nil
}

func (b *RedisBuffer) Len(ctx context.Context, key Key) (int, error) {
	n, err := b.client.LLen(ctx, key.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: len: %w", ErrUnavailable, err)
	}
	return int(n), nil
}

func (b *RedisBuffer) RefreshExpiry(ctx context.Context, key Key, ttl time.Duration) error {
	if err := b.client.Expire(ctx, key.String(), ttl).Err(); err != nil {
		return fmt.Errorf("%w: expire: %w", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBuffer) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBuffer) Close() error {
	return b.client.Close()
}

func ttlSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s <= 0 {
		s = 1
	}
	return s
}
