package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/cart"
	"github.com/xenking/cloudforge-commerce/internal/domain/order"
)

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.Get(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCart(w, http.StatusOK, c)
}

func (h *Handler) addCartItem(w http.ResponseWriter, r *http.Request) {
	var (
		productID string
		qty       int
	)
	err := readObject(r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "productId":
			productID, err = optStr(d)
		case "quantity":
			qty, err = decodeInt(d, "quantity")
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.AddItem(r.Context(), userFrom(r.Context()), productID, qty)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCart(w, http.StatusOK, c)
}

// setCartItem takes the quantity from ?quantity= or a {"quantity":n} body.
func (h *Handler) setCartItem(w http.ResponseWriter, r *http.Request) {
	qty, err := quantityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.SetQuantity(r.Context(), userFrom(r.Context()), chi.URLParam(r, "productId"), qty)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCart(w, http.StatusOK, c)
}

func (h *Handler) removeCartItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.RemoveItem(r.Context(), userFrom(r.Context()), chi.URLParam(r, "productId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCart(w, http.StatusOK, c)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.Carts.Clear(r.Context(), userFrom(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req order.CheckoutRequest
	if err := readObject(r, func(d *jx.Decoder, key string) error {
		return decodeShipping(d, key, &req.Shipping, &req.Notes)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	req.UserID = userFrom(r.Context())

	o, err := h.Orders.Checkout(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func writeCart(w http.ResponseWriter, status int, c *cart.Cart) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		field(e, "userId", c.UserID)
		e.FieldStart("items")
		e.ArrStart()
		for _, it := range c.Items {
			e.ObjStart()
			field(e, "productId", it.ProductID)
			field(e, "productName", it.ProductName)
			e.FieldStart("quantity")
			e.Int(it.Quantity)
			e.FieldStart("unitPrice")
			encodeAmount(e, it.UnitPrice)
			e.FieldStart("totalPrice")
			encodeAmount(e, it.LineTotal)
			optField(e, "imageUrl", it.ImageURL)
			e.ObjEnd()
		}
		e.ArrEnd()
		e.FieldStart("totalAmount")
		encodeAmount(e, c.Total())
		e.FieldStart("itemCount")
		e.Int(c.ItemCount())
		e.FieldStart("updatedAt")
		encodeTime(e, c.UpdatedAt)
		e.ObjEnd()
	})
}

func quantityParam(r *http.Request) (int, error) {
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, apperr.Validation(apperr.Field("quantity", "must be an integer"))
		}
		return n, nil
	}
	var (
		qty   int
		found bool
	)
	err := readObject(r, func(d *jx.Decoder, key string) (err error) {
		if key != "quantity" {
			return d.Skip()
		}
		found = true
		qty, err = decodeInt(d, "quantity")
		return err
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, apperr.Validation(apperr.Field("quantity", "is required"))
	}
	return qty, nil
}
