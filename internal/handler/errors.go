package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
)

// statusOf maps an error kind to its HTTP status.
func statusOf(k apperr.Kind) int {
	switch k {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation, apperr.KindCartEmpty, apperr.KindPaymentVerification, apperr.KindRefund:
		return http.StatusBadRequest
	case apperr.KindInvalidTransition, apperr.KindDuplicatePayment:
		return http.StatusConflict
	case apperr.KindGateway:
		return http.StatusBadGateway
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as
//
//	{"timestamp":..., "status":400, "error":"Bad Request", "message":..., "fields":[...]}
//
// Internal and infrastructure failures are logged and their details are not
// returned to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)

	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Error()
	}
	switch status {
	case http.StatusInternalServerError:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		msg = "internal server error"
	case http.StatusServiceUnavailable:
		zctx.From(r.Context()).Warn("Dependency unavailable", zap.Error(err))
		msg = "service temporarily unavailable"
	case http.StatusBadGateway:
		zctx.From(r.Context()).Warn("Gateway failure", zap.Error(err))
	}
	if kind == apperr.KindValidation {
		msg = "validation failed"
	}

	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		field(e, "timestamp", time.Now().UTC().Format(time.RFC3339Nano))
		e.FieldStart("status")
		e.Int(status)
		field(e, "error", http.StatusText(status))
		field(e, "message", msg)
		if fields := apperr.Fields(err); len(fields) > 0 {
			e.FieldStart("fields")
			e.ArrStart()
			for _, f := range fields {
				e.ObjStart()
				field(e, "field", f.Name)
				field(e, "message", f.Error.Error())
				e.ObjEnd()
			}
			e.ArrEnd()
		}
		e.ObjEnd()
	})
}

// writeStatus renders an error body for failures that have no domain error,
// such as authentication.
func writeStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		field(e, "timestamp", time.Now().UTC().Format(time.RFC3339Nano))
		e.FieldStart("status")
		e.Int(status)
		field(e, "error", http.StatusText(status))
		field(e, "message", msg)
		e.ObjEnd()
	})
}
