package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Cache is a namespaced byte cache with a fixed TTL.
type Cache struct {
	rdb    goredis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewCache returns a Cache storing keys under prefix:<key>.
func NewCache(rdb goredis.Cmdable, prefix string, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, prefix: prefix + ":", ttl: ttl}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, redisError(err, "cache get")
	default:
		return data, true, nil
	}
}

func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Set(ctx, c.prefix+key, value, c.ttl).Err(); err != nil {
		return redisError(err, "cache put")
	}
	return nil
}

func (c *Cache) Evict(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
		return redisError(err, "cache evict")
	}
	return nil
}
