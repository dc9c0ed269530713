package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/cloudforge-commerce/internal/domain/payment"
)

const ledgerKeyPrefix = "idempotency:"

var _ payment.Ledger = (*Ledger)(nil)

// Ledger stores serialized responses by idempotency key. Entries expire on
// their own; concurrent writers of the same key store identical values, so
// the last write wins.
type Ledger struct {
	rdb goredis.Cmdable
}

func NewLedger(rdb goredis.Cmdable) *Ledger {
	return &Ledger{rdb: rdb}
}

func (l *Ledger) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := l.rdb.Get(ctx, ledgerKeyPrefix+key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, redisError(err, "lookup idempotency key")
	default:
		return data, true, nil
	}
}

func (l *Ledger) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := l.rdb.Set(ctx, ledgerKeyPrefix+key, value, ttl).Err(); err != nil {
		return redisError(err, "store idempotency key")
	}
	return nil
}
