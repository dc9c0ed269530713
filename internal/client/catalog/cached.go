package catalog

import (
	"context"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/cloudforge-commerce/internal/domain/product"
)

// Cache is a byte cache with its own expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Evict(ctx context.Context, key string) error
}

var _ product.Catalog = (*Cached)(nil)

// Cached is a read-through cache in front of a Catalog. Cache failures are
// logged and the lookup goes to the catalog.
type Cached struct {
	next  product.Catalog
	cache Cache
}

// NewCached wraps next with cache.
func NewCached(next product.Catalog, cache Cache) *Cached {
	return &Cached{next: next, cache: cache}
}

func (c *Cached) GetProduct(ctx context.Context, id string) (*product.Product, error) {
	lg := zctx.From(ctx).With(zap.String("product_id", id))

	data, found, err := c.cache.Get(ctx, id)
	if err != nil {
		lg.Warn("Product cache read failed", zap.Error(err))
	}
	if found {
		var p product.Product
		derr := decodeProduct(jx.DecodeBytes(data), &p)
		if derr == nil {
			return &p, nil
		}
		lg.Warn("Ignoring undecodable cache entry", zap.Error(derr))
	}

	p, err := c.next.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	var e jx.Encoder
	encodeProduct(&e, p)
	if err := c.cache.Put(ctx, id, e.Bytes()); err != nil {
		lg.Warn("Product cache write failed", zap.Error(err))
	}
	return p, nil
}

// Evict drops a cached product so the next lookup hits the catalog.
func (c *Cached) Evict(ctx context.Context, id string) error {
	return c.cache.Evict(ctx, id)
}
