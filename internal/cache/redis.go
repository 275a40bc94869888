package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores cache entries in a shared Redis instance so that
// multiple gateway processes can serve each other's cache hits. Redis's own
// key TTL does the expiry work; single-flight coalescing stays in-process
// per the specification (it is never attempted across instances).
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisBackend(client *redis.Client, keyPrefix string) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "llm-gateway:cache:"
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

type redisEntry struct {
	Response      json.RawMessage `json:"response"`
	Discriminator string          `json:"discriminator"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (r *RedisBackend) redisKey(key [32]byte) string {
	return r.keyPrefix + hex.EncodeToString(key[:])
}

func (r *RedisBackend) Get(ctx context.Context, key [32]byte) (*Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var re redisEntry
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(re.Response, &entry.Response); err != nil {
		return nil, false, fmt.Errorf("decode cached response: %w", err)
	}
	entry.Discriminator = re.Discriminator
	entry.CreatedAt = re.CreatedAt
	return &entry, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key [32]byte, entry *Entry, ttl time.Duration) error {
	respBytes, err := json.Marshal(entry.Response)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	re := redisEntry{
		Response:      respBytes,
		Discriminator: entry.Discriminator,
		CreatedAt:     entry.CreatedAt,
	}
	buf, err := json.Marshal(re)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return r.client.Set(ctx, r.redisKey(key), buf, ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key [32]byte) error {
	return r.client.Del(ctx, r.redisKey(key)).Err()
}

// Len reports the approximate entry count via Redis's key count for this
// backend's prefix. It is an O(N) SCAN and intended for diagnostics, not
// the hot path.
func (r *RedisBackend) Len() int {
	ctx := context.Background()
	var count int
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
