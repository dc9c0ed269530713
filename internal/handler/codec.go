package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/jx"
	"github.com/ogen-go/ogen/validate"
	"github.com/shopspring/decimal"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
)

const maxBodySize = 1 << 20

var errMalformedBody = apperr.Validation(apperr.Field("body", "malformed JSON request body"))

// readObject decodes a JSON object body field by field. Unknown fields are
// skipped. An empty body is treated as {}.
func readObject(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "read request body")
	}
	if len(body) == 0 {
		return nil
	}
	d := jx.DecodeBytes(body)
	if d.Next() != jx.Object {
		return errMalformedBody
	}
	if err := d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		return fn(d, string(k))
	}); err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			return err
		}
		return errMalformedBody
	}
	return nil
}

// writeJSON renders a response produced by fn.
func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

// decodeAmount accepts a JSON number or a numeric string. field names the
// property in validation errors.
func decodeAmount(d *jx.Decoder, field string) (*decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.Null:
		return nil, d.Null()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return nil, err
		}
		raw = n.String()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return nil, err
		}
		raw = s
	default:
		return nil, apperr.Validation(apperr.Field(field, "must be a number"))
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, apperr.Validation(apperr.Field(field, "must be a number"))
	}
	return &v, nil
}

func decodeInt(d *jx.Decoder, field string) (int, error) {
	if d.Next() != jx.Number {
		if err := d.Skip(); err != nil {
			return 0, err
		}
		return 0, apperr.Validation(apperr.Field(field, "must be an integer"))
	}
	return d.Int()
}

func encodeAmount(e *jx.Encoder, v decimal.Decimal) {
	e.Raw([]byte(v.String()))
}

func encodeTime(e *jx.Encoder, t time.Time) {
	if t.IsZero() {
		e.Null()
		return
	}
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func field(e *jx.Encoder, name, v string) {
	e.FieldStart(name)
	e.Str(v)
}

// optField writes name only when v is set.
func optField(e *jx.Encoder, name, v string) {
	if v != "" {
		field(e, name, v)
	}
}

// pageRequest reads the zero-based ?page= and ?size= parameters.
func pageRequest(r *http.Request) (page.Request, error) {
	var (
		req    page.Request
		fields []validate.FieldError
	)
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &req.Number}, {"size", &req.Size}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fields = append(fields, apperr.Field(p.name, "must be a non-negative integer"))
			continue
		}
		*p.dst = n
	}
	if err := apperr.Validation(fields...); err != nil {
		return page.Request{}, err
	}
	return req.Normalize(), nil
}

// encodePage renders a page as
//
//	{"content":[...],"totalElements":n,"totalPages":n,"number":n,"size":n}
func encodePage[T any](e *jx.Encoder, res page.Result[T], item func(*jx.Encoder, *T)) {
	e.ObjStart()
	e.FieldStart("content")
	e.ArrStart()
	for i := range res.Items {
		item(e, &res.Items[i])
	}
	e.ArrEnd()
	e.FieldStart("totalElements")
	e.Int(res.Total)
	e.FieldStart("totalPages")
	e.Int(res.TotalPages())
	e.FieldStart("number")
	e.Int(res.Number)
	e.FieldStart("size")
	e.Int(res.Size)
	e.ObjEnd()
}
