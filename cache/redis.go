package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "clinic:doc:"

// RedisCache keeps the document in a hash {data, savedAt}. A nil client
// degrades to a permanent miss so the session keeps working without Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects and pings. On failure it returns a degraded cache
// together with the error so callers can log and carry on.
func NewRedisCache(ctx context.Context, addr, password string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return &RedisCache{ttl: ttl}, err
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, error) {
	if c.client == nil {
		return Entry{}, ErrMiss
	}
	vals, err := c.client.HGetAll(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, err
	}
	ms, err := strconv.ParseInt(vals["savedAt"], 10, 64)
	if err != nil {
		return Entry{}, ErrMiss
	}
	return Entry{Data: []byte(vals["data"]), SavedAt: time.UnixMilli(ms).UTC()}, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, e Entry) error {
	if c.client == nil {
		return nil
	}
	k := redisKeyPrefix + key
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, k, "data", e.Data, "savedAt", strconv.FormatInt(e.SavedAt.UnixMilli(), 10))
	if c.ttl > 0 {
		pipe.Expire(ctx, k, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
