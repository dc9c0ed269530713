package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/order"
)

const defaultCancelReason = "Cancelled by user"

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CreateRequest
	err := readObject(r, func(d *jx.Decoder, key string) error {
		if key != "items" {
			return decodeShipping(d, key, &req.Shipping, &req.Notes)
		}
		if d.Next() != jx.Array {
			return apperr.Validation(apperr.Field("items", "must be an array"))
		}
		return d.Arr(func(d *jx.Decoder) error {
			var line order.LineRequest
			if err := d.ObjBytes(func(d *jx.Decoder, k []byte) (err error) {
				switch string(k) {
				case "productId":
					line.ProductID, err = optStr(d)
				case "quantity":
					line.Quantity, err = decodeInt(d, "items.quantity")
				default:
					err = d.Skip()
				}
				return err
			}); err != nil {
				return err
			}
			req.Items = append(req.Items, line)
			return nil
		})
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	req.UserID = userFrom(r.Context())

	o, err := h.Orders.CreateOrder(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), chi.URLParam(r, "id"), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	req, err := pageRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Orders.ListForUser(r.Context(), userFrom(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePage(e, res, encodeOrder) })
}

// cancelOrder takes the reason from ?reason= or a {"reason":...} body.
func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		if err := readObject(r, func(d *jx.Decoder, key string) (err error) {
			if key != "reason" {
				return d.Skip()
			}
			reason, err = optStr(d)
			return err
		}); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if reason == "" {
		reason = defaultCancelReason
	}

	o, err := h.Orders.Cancel(r.Context(), chi.URLParam(r, "id"), userFrom(r.Context()), reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// updateOrderStatus takes the status from ?status= or a {"status":...} body.
func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		if err := readObject(r, func(d *jx.Decoder, key string) (err error) {
			if key != "status" {
				return d.Skip()
			}
			raw, err = optStr(d)
			return err
		}); err != nil {
			writeError(w, r, err)
			return
		}
	}
	status, err := order.ParseStatus(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.Orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) listOrdersByStatus(w http.ResponseWriter, r *http.Request) {
	status, err := order.ParseStatus(chi.URLParam(r, "status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := pageRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Orders.ListByStatus(r.Context(), status, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePage(e, res, encodeOrder) })
}

// decodeShipping reads the flat shipping and notes fields shared by order
// creation and checkout, skipping anything else.
func decodeShipping(d *jx.Decoder, key string, s *order.ShippingInfo, notes *string) (err error) {
	switch key {
	case "shippingAddress":
		s.Address, err = optStr(d)
	case "shippingCity":
		s.City, err = optStr(d)
	case "shippingState":
		s.State, err = optStr(d)
	case "shippingZip":
		s.Zip, err = optStr(d)
	case "shippingCountry":
		s.Country, err = optStr(d)
	case "notes":
		*notes, err = optStr(d)
	default:
		err = d.Skip()
	}
	return err
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	field(e, "id", o.ID)
	field(e, "userId", o.UserID)
	field(e, "status", string(o.Status))
	e.FieldStart("totalAmount")
	encodeAmount(e, o.TotalAmount)
	optField(e, "shippingAddress", o.Shipping.Address)
	optField(e, "shippingCity", o.Shipping.City)
	optField(e, "shippingState", o.Shipping.State)
	optField(e, "shippingZip", o.Shipping.Zip)
	optField(e, "shippingCountry", o.Shipping.Country)
	optField(e, "notes", o.Notes)
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		field(e, "productId", it.ProductID)
		field(e, "productName", it.ProductName)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("unitPrice")
		encodeAmount(e, it.UnitPrice)
		e.FieldStart("totalPrice")
		encodeAmount(e, it.LineTotal)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("createdAt")
	encodeTime(e, o.CreatedAt)
	e.FieldStart("updatedAt")
	encodeTime(e, o.UpdatedAt)
	e.ObjEnd()
}
