package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/cloudforge-commerce/internal/domain/cart"
)

const cartKeyPrefix = "cart:"

// DefaultCartTTL is how long an untouched cart survives.
const DefaultCartTTL = 7 * 24 * time.Hour

var _ cart.Store = (*CartStore)(nil)

// CartStore keeps each cart as a JSON document under cart:<userId>. Every
// save resets the expiry.
type CartStore struct {
	rdb goredis.Cmdable
	ttl time.Duration
}

// NewCartStore returns a CartStore. A non-positive ttl means DefaultCartTTL.
func NewCartStore(rdb goredis.Cmdable, ttl time.Duration) *CartStore {
	if ttl <= 0 {
		ttl = DefaultCartTTL
	}
	return &CartStore{rdb: rdb, ttl: ttl}
}

func (s *CartStore) Get(ctx context.Context, userID string) (*cart.Cart, error) {
	data, err := s.rdb.Get(ctx, cartKeyPrefix+userID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, redisError(err, "get cart")
	}

	var c cart.Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode cart")
	}
	if c.Items == nil {
		c.Items = []cart.Item{}
	}
	return &c, nil
}

func (s *CartStore) Save(ctx context.Context, c *cart.Cart) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode cart")
	}
	if err := s.rdb.Set(ctx, cartKeyPrefix+c.UserID, data, s.ttl).Err(); err != nil {
		return redisError(err, "save cart")
	}
	return nil
}

func (s *CartStore) Delete(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, cartKeyPrefix+userID).Err(); err != nil {
		return redisError(err, "delete cart")
	}
	return nil
}
