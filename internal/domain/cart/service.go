package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/ogen-go/ogen/validate"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/product"
)

// Service implements the cart use cases on top of a Store and the catalog.
type Service struct {
	store   Store
	catalog product.Catalog
	now     func() time.Time
}

// NewService creates a cart Service.
func NewService(store Store, catalog product.Catalog) *Service {
	return &Service{
		store:   store,
		catalog: catalog,
		now:     time.Now,
	}
}

// Get returns the user's cart. A missing cart is returned empty and is not
// persisted until the first mutation.
func (s *Service) Get(ctx context.Context, userID string) (*Cart, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.load(ctx, userID)
}

// AddItem prices productID from the catalog and merges qty units into the cart.
func (s *Service) AddItem(ctx context.Context, userID, productID string, qty int) (*Cart, error) {
	if err := apperr.Validation(itemFields(userID, productID, qty)...); err != nil {
		return nil, err
	}

	p, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup product %s", productID)
	}

	c, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.Add(Item{
		ProductID:   p.ID,
		ProductName: p.Name,
		Quantity:    qty,
		UnitPrice:   p.Price,
		ImageURL:    p.ImageURL(),
	}, s.now())

	return c, s.save(ctx, c)
}

// SetQuantity changes the quantity of a line; qty <= 0 removes it. Unknown
// products leave the cart unchanged.
func (s *Service) SetQuantity(ctx context.Context, userID, productID string, qty int) (*Cart, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	c, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !c.SetQuantity(productID, qty, s.now()) {
		return c, nil
	}
	return c, s.save(ctx, c)
}

// RemoveItem drops a product from the cart.
func (s *Service) RemoveItem(ctx context.Context, userID, productID string) (*Cart, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	c, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !c.Remove(productID, s.now()) {
		return c, nil
	}
	return c, s.save(ctx, c)
}

// Clear deletes the user's cart.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, userID); err != nil {
		return errors.Wrap(err, "delete cart")
	}
	return nil
}

func (s *Service) load(ctx context.Context, userID string) (*Cart, error) {
	c, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	if c == nil {
		c = New(userID)
	}
	return c, nil
}

func (s *Service) save(ctx context.Context, c *Cart) error {
	if err := s.store.Save(ctx, c); err != nil {
		return errors.Wrap(err, "save cart")
	}
	return nil
}

func requireUser(userID string) error {
	if userID == "" {
		return apperr.Validation(apperr.Field("userId", "is required"))
	}
	return nil
}

func itemFields(userID, productID string, qty int) (fields []validate.FieldError) {
	if userID == "" {
		fields = append(fields, apperr.Field("userId", "is required"))
	}
	if productID == "" {
		fields = append(fields, apperr.Field("productId", "is required"))
	}
	if qty <= 0 {
		fields = append(fields, apperr.Field("quantity", "must be greater than 0"))
	}
	return fields
}
