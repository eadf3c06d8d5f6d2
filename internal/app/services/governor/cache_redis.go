package governor

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/veiljournal/veil/pkg/logger"
)

// redisKeyPrefix namespaces response-cache keys in a shared Redis.
const redisKeyPrefix = "veil:rc:"

// redisCache keeps the response cache in Redis so restarts and multiple
// replicas share entries. Per-key TTL handles expiry; memory bounding is the
// server's job (deployments set maxmemory-policy allkeys-lru).
type redisCache struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisCache wraps an existing Redis client as a Cache.
func NewRedisCache(client *redis.Client, log *logger.Logger) Cache {
	if log == nil {
		log = logger.NewDefault("response-cache")
	}
	return &redisCache{client: client, log: log}
}

func (c *redisCache) Get(ctx context.Context, fingerprint string) (string, bool) {
	value, err := c.client.Get(ctx, redisKeyPrefix+fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		c.log.WithError(err).Debug("redis cache read failed, treating as miss")
		return "", false
	}
	return value, true
}

func (c *redisCache) Put(ctx context.Context, fingerprint, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, redisKeyPrefix+fingerprint, value, ttl).Err(); err != nil {
		c.log.WithError(err).Warn("redis cache write failed")
	}
}

// Sweep is a no-op: the server expires keys on its own.
func (c *redisCache) Sweep(context.Context) int { return 0 }

// Len would need a keyspace scan; report zero instead of blocking callers.
func (c *redisCache) Len() int { return 0 }
