package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the SharedCache implementation backing cross-instance
// coordination. Grounded in the teacher's direct use of
// *redis.Client in internal/limiter and internal/circuitbreaker,
// generalized behind the SharedCache interface and redis.Script
// caching (per wso2-api-platform's algorithms/gcra/redis.go, which
// embeds Lua and retries once on NOSCRIPT).
type RedisCache struct {
	client  redis.UniversalClient
	scripts map[string]*redis.Script
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{
		client:  client,
		scripts: make(map[string]*redis.Script),
	}
}

func (c *RedisCache) scriptFor(s *Script) *redis.Script {
	if rs, ok := c.scripts[s.Name]; ok {
		return rs
	}
	rs := redis.NewScript(s.Body)
	c.scripts[s.Name] = rs
	return rs
}

func (c *RedisCache) RunScript(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error) {
	rs := c.scriptFor(script)
	result, err := rs.Run(ctx, c.client, keys, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		if _, loadErr := rs.Load(ctx, c.client).Result(); loadErr != nil {
			return nil, loadErr
		}
		result, err = rs.Run(ctx, c.client, keys, args...).Result()
	}
	return result, err
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *RedisCache) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
