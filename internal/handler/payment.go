package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/cloudforge-commerce/internal/domain/payment"
)

func (h *Handler) initiatePayment(w http.ResponseWriter, r *http.Request) {
	var (
		req    payment.InitiateRequest
		amount *decimal.Decimal
	)
	err := readObject(r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "orderId":
			req.OrderID, err = optStr(d)
		case "amount":
			amount, err = decodeAmount(d, "amount")
		case "currency":
			req.Currency, err = optStr(d)
		case "idempotencyKey":
			req.IdempotencyKey, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if amount != nil {
		req.Amount = *amount
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	req.UserID = userFrom(r.Context())

	p, err := h.Payments.Initiate(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if p.UserID != req.UserID {
		writeError(w, r, payment.ErrNotFound)
		return
	}
	h.writePayment(w, http.StatusCreated, p)
}

func (h *Handler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req payment.VerifyRequest
	err := readObject(r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "orderId":
			req.OrderID, err = optStr(d)
		case "razorpayOrderId":
			req.GatewayOrderRef, err = optStr(d)
		case "razorpayPaymentId":
			req.GatewayPaymentRef, err = optStr(d)
		case "razorpaySignature":
			req.Signature, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Verification is keyed by order; make sure it belongs to the caller
	// before touching it.
	if req.OrderID != "" {
		if _, err := h.ownedPayment(r, h.Payments.GetByOrder, req.OrderID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	p, err := h.Payments.Verify(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writePayment(w, http.StatusOK, p)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.ownedPayment(r, h.Payments.Get, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writePayment(w, http.StatusOK, p)
}

func (h *Handler) getPaymentByOrder(w http.ResponseWriter, r *http.Request) {
	p, err := h.ownedPayment(r, h.Payments.GetByOrder, chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writePayment(w, http.StatusOK, p)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	req, err := pageRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Payments.ListForUser(r.Context(), userFrom(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePage(e, res, h.encodePayment) })
}

func (h *Handler) refundPayment(w http.ResponseWriter, r *http.Request) {
	var (
		amount *decimal.Decimal
		reason string
	)
	err := readObject(r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "amount":
			amount, err = decodeAmount(d, "amount")
		case "reason":
			reason, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	p, err := h.Payments.Refund(r.Context(), chi.URLParam(r, "id"), amount, reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writePayment(w, http.StatusOK, p)
}

// ownedPayment loads a payment and hides it from callers other than its
// owner.
func (h *Handler) ownedPayment(r *http.Request, get func(ctx context.Context, id string) (*payment.Payment, error), id string) (*payment.Payment, error) {
	p, err := get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userFrom(r.Context()) {
		return nil, payment.ErrNotFound
	}
	return p, nil
}

func (h *Handler) writePayment(w http.ResponseWriter, status int, p *payment.Payment) {
	writeJSON(w, status, func(e *jx.Encoder) { h.encodePayment(e, p) })
}

func (h *Handler) encodePayment(e *jx.Encoder, p *payment.Payment) {
	e.ObjStart()
	field(e, "id", p.ID)
	field(e, "orderId", p.OrderID)
	field(e, "userId", p.UserID)
	e.FieldStart("amount")
	encodeAmount(e, p.Amount)
	field(e, "currency", p.Currency)
	field(e, "status", string(p.Status))
	optField(e, "razorpayOrderId", p.GatewayOrderRef)
	optField(e, "razorpayPaymentId", p.GatewayPaymentRef)
	optField(e, "razorpayKeyId", h.cfg.RazorpayKeyID)
	optField(e, "failureReason", p.FailureReason)
	e.FieldStart("refundedAmount")
	encodeAmount(e, p.RefundedAmount)
	e.FieldStart("createdAt")
	encodeTime(e, p.CreatedAt)
	e.FieldStart("updatedAt")
	encodeTime(e, p.UpdatedAt)
	e.ObjEnd()
}
