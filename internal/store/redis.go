package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store directly on Redis. Values never expire; use
// it as the primary store when Redis persistence (AOF/RDB) is configured.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. Keys are namespaced by prefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and refresh the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) Set(ctx context.Context, key, value string) error {
	if err := s.primary.Set(ctx, key, value); err != nil {
		// Drop the cached copy so readers fall back to the primary.
		s.rdb.Del(ctx, cacheKey(key))
		return err
	}
	s.rdb.Set(ctx, cacheKey(key), value, s.ttl)
	return nil
}

func (s *CachedStore) Delete(ctx context.Context, key string) error {
	if err := s.primary.Delete(ctx, key); err != nil {
		return err
	}
	s.rdb.Del(ctx, cacheKey(key))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Get(ctx context.Context, key string) (string, bool, error) {
	// Try cache.
	if v, err := s.rdb.Get(ctx, cacheKey(key)).Result(); err == nil {
		return v, true, nil
	}

	// Cache miss: read from primary.
	v, ok, err := s.primary.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	s.rdb.Set(ctx, cacheKey(key), v, s.ttl)
	return v, true, nil
}

func cacheKey(key string) string { return fmt.Sprintf("kvcache:%s", key) }
