package product

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = apperr.New(apperr.KindNotFound, "product not found")

// Product is the catalog view used to price cart lines and orders.
type Product struct {
	ID     string
	Name   string
	Price  decimal.Decimal
	Stock  int
	Images []string
}

// ImageURL returns the first product image, or an empty string.
func (p *Product) ImageURL() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

// Catalog looks up authoritative product data from the catalog service.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
}
