package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/product-scraper/internal/models"
)

const DefaultKeyPrefix = "scrape:result:"

// RedisClient is the subset of go-redis the cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis shares cached records between scraper instances.
type Redis struct {
	client RedisClient
	prefix string
}

func NewRedis(client RedisClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Backend() string {
	return "redis"
}

// redisKey hashes the normalized URL so keys have a fixed length.
func (r *Redis) redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return r.prefix + hex.EncodeToString(sum[:])
}

func (r *Redis) Get(ctx context.Context, key string) (*models.ProductRecord, bool, error) {
	raw, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if entry.Record == nil {
		return nil, false, nil
	}
	return entry.Record, true, nil
}

func (r *Redis) Put(ctx context.Context, key string, rec *models.ProductRecord, ttl time.Duration) error {
	if rec == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(Entry{Record: rec, StoredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := r.client.Set(ctx, r.redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	return nil
}
