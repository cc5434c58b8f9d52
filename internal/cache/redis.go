package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// RedisStore implements Store on a shared Redis instance so multiple
// service replicas see the same cache. Values are JSON-encoded; reads
// that fail to decode are treated as misses.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisStore connects to the given address and verifies the link.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client, ctx: ctx}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests with
// a mock client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ctx: context.Background()}
}

func (r *RedisStore) Get(key string) (interface{}, bool) {
	data, err := r.client.Get(r.ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Dropping undecodable cache entry")
		r.client.Del(r.ctx, key)
		return nil, false
	}
	return value, true
}

func (r *RedisStore) Set(key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Skipping unencodable cache value")
		return
	}
	if err := r.client.Set(r.ctx, key, data, ttl).Err(); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Redis cache set failed")
	}
}

func (r *RedisStore) Delete(key string) {
	r.client.Del(r.ctx, key)
}

// DeletePrefix scans and removes matching keys. SCAN keeps the walk
// incremental so large keyspaces do not block the server.
func (r *RedisStore) DeletePrefix(prefix string) int {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := r.client.Scan(r.ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			log.Warn().Str("prefix", prefix).Err(err).Msg("Redis cache scan failed")
			return removed
		}
		if len(keys) > 0 {
			if err := r.client.Del(r.ctx, keys...).Err(); err == nil {
				removed += len(keys)
			}
		}
		cursor = next
		if cursor == 0 {
			return removed
		}
	}
}

func (r *RedisStore) Clear() {
	r.client.FlushDB(r.ctx)
}

func (r *RedisStore) Stop() {
	r.client.Close()
}
