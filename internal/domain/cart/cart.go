package cart

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Item is a cart line. Name and price are snapshots taken from the catalog
// when the product was added and are not refreshed afterwards.
type Item struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	LineTotal   decimal.Decimal `json:"lineTotal"`
	ImageURL    string          `json:"imageUrl,omitempty"`
}

// Cart is a per-user shopping cart. It holds at most one line per product.
type Cart struct {
	UserID    string    `json:"userId"`
	Items     []Item    `json:"items"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns an empty cart for userID.
func New(userID string) *Cart {
	return &Cart{UserID: userID, Items: []Item{}}
}

// Add merges item into the cart: an existing line for the same product has
// its quantity increased, otherwise the item is appended.
func (c *Cart) Add(item Item, now time.Time) {
	for i := range c.Items {
		if c.Items[i].ProductID == item.ProductID {
			c.Items[i].Quantity += item.Quantity
			c.Items[i].recalculate()
			c.UpdatedAt = now
			return
		}
	}
	item.recalculate()
	c.Items = append(c.Items, item)
	c.UpdatedAt = now
}

// SetQuantity sets the quantity of a line. A non-positive quantity removes
// the line. It reports whether the product was in the cart.
func (c *Cart) SetQuantity(productID string, qty int, now time.Time) bool {
	if qty <= 0 {
		return c.Remove(productID, now)
	}
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items[i].Quantity = qty
			c.Items[i].recalculate()
			c.UpdatedAt = now
			return true
		}
	}
	return false
}

// Remove drops the line for productID. It reports whether a line was removed.
func (c *Cart) Remove(productID string, now time.Time) bool {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			c.UpdatedAt = now
			return true
		}
	}
	return false
}

// Total is the sum of all line totals.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		total = total.Add(it.LineTotal)
	}
	return total
}

// ItemCount is the number of units across all lines.
func (c *Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

func (it *Item) recalculate() {
	it.LineTotal = it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// Store persists carts with a sliding expiry.
type Store interface {
	// Get returns the stored cart, or nil when none exists.
	Get(ctx context.Context, userID string) (*Cart, error)
	// Save writes the cart and refreshes its expiry.
	Save(ctx context.Context, c *Cart) error
	Delete(ctx context.Context, userID string) error
}
