// Package catalog is the client of the product catalog service.
package catalog

import (
	"context"
	"net/url"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/client"
	"github.com/xenking/cloudforge-commerce/internal/domain/product"
)

var _ product.Catalog = (*Client)(nil)

// Client fetches products over HTTP.
type Client struct {
	http *client.Client
}

// New returns a Client backed by c.
func New(c *client.Client) *Client {
	return &Client{http: c}
}

// GetProduct fetches a product by id. Unknown products yield
// product.ErrNotFound.
func (c *Client) GetProduct(ctx context.Context, id string) (*product.Product, error) {
	var p product.Product
	err := c.http.Get(ctx, "/api/products/"+url.PathEscape(id), func(d *jx.Decoder) error {
		return decodeProduct(d, &p)
	})
	switch {
	case err == nil:
		if p.ID == "" {
			p.ID = id
		}
		return &p, nil
	case apperr.Is(err, apperr.KindNotFound):
		return nil, product.ErrNotFound
	default:
		return nil, errors.Wrapf(err, "get product %s", id)
	}
}

func decodeProduct(d *jx.Decoder, p *product.Product) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = decodeID(d)
		case "name":
			p.Name, err = d.Str()
		case "price":
			p.Price, err = decodeDecimal(d)
		case "stock":
			if d.Next() == jx.Null {
				return d.Null()
			}
			p.Stock, err = d.Int()
		case "images":
			p.Images, err = decodeImages(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
}

func encodeProduct(e *jx.Encoder, p *product.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("price")
	e.Str(p.Price.String())
	e.FieldStart("stock")
	e.Int(p.Stock)
	e.FieldStart("images")
	e.ArrStart()
	for _, img := range p.Images {
		e.Str(img)
	}
	e.ArrEnd()
	e.ObjEnd()
}

// decodeID accepts numeric and string ids.
func decodeID(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Number {
		n, err := d.Num()
		return n.String(), err
	}
	return d.Str()
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.Errorf("unexpected %s for decimal", d.Next())
	}
}

// decodeImages accepts a list of URLs or of objects with a url field.
func decodeImages(d *jx.Decoder) ([]string, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		if d.Next() == jx.String {
			s, err := d.Str()
			out = append(out, s)
			return err
		}
		return d.Obj(func(d *jx.Decoder, key string) error {
			if key != "url" {
				return d.Skip()
			}
			s, err := d.Str()
			out = append(out, s)
			return err
		})
	})
	return out, err
}
