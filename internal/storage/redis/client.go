// Package redis implements the cart store, the idempotency ledger and a
// byte-oriented cache on Redis.
package redis

import (
	"context"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
)

// NewClient connects to the Redis server at url (redis://...) and verifies
// the connection.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rdb, nil
}

func redisError(err error, msg string) error {
	return apperr.Wrap(apperr.KindTransient, err, msg)
}
