// Package apperr defines the error kinds shared by every domain package.
//
// Callers branch on Kind rather than on messages: permanent business
// rejections (not found, validation, invalid transition, ...) are reported
// to the client as-is, while Transient errors are safe to retry and cause
// event redelivery when returned from a consumer.
package apperr

import (
	"github.com/go-faster/errors"
	"github.com/ogen-go/ogen/validate"
)

// Kind classifies an application error.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindInvalidTransition
	KindCartEmpty
	KindDuplicatePayment
	KindPaymentVerification
	KindRefund
	KindGateway
	KindTransient
)

var kindNames = [...]string{
	KindInternal:            "INTERNAL",
	KindNotFound:            "NOT_FOUND",
	KindValidation:          "VALIDATION",
	KindInvalidTransition:   "INVALID_TRANSITION",
	KindCartEmpty:           "CART_EMPTY",
	KindDuplicatePayment:    "DUPLICATE_PAYMENT",
	KindPaymentVerification: "PAYMENT_VERIFICATION",
	KindRefund:              "REFUND",
	KindGateway:             "GATEWAY",
	KindTransient:           "TRANSIENT",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// Error is a classified application error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is like New but formats the message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: errors.Errorf(format, args...).Error()}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or
// KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is a transient infrastructure failure.
func Retryable(err error) bool {
	return Is(err, KindTransient)
}

// Permanent reports whether err is a business rejection that will not
// succeed on retry.
func Permanent(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindValidation, KindInvalidTransition, KindCartEmpty,
		KindDuplicatePayment, KindPaymentVerification, KindRefund:
		return true
	default:
		return false
	}
}

// Field builds a single field-level validation failure.
func Field(name, msg string) validate.FieldError {
	return validate.FieldError{Name: name, Error: errors.New(msg)}
}

// Validation returns a KindValidation error itemizing the failed fields.
// It returns nil when fields is empty so callers can collect and return.
func Validation(fields ...validate.FieldError) error {
	if len(fields) == 0 {
		return nil
	}
	return &Error{
		Kind: KindValidation,
		Msg:  "validation failed",
		Err:  &validate.Error{Fields: fields},
	}
}

// Fields extracts field-level validation failures from err, if any.
func Fields(err error) []validate.FieldError {
	var ve *validate.Error
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}
