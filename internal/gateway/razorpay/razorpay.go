// Package razorpay is a client for the Razorpay orders and refunds API.
package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/payment"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.razorpay.com"

// Config holds API credentials.
type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Timeout   time.Duration
}

var _ payment.Gateway = (*Client)(nil)

// Client talks to the Razorpay API with basic auth.
type Client struct {
	base   string
	keyID  string
	secret []byte
	hc     *http.Client
}

// New creates a Client. Nil providers fall back to the global ones.
func New(cfg Config, tp trace.TracerProvider, mp metric.MeterProvider) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	var opts []otelhttp.Option
	if tp != nil {
		opts = append(opts, otelhttp.WithTracerProvider(tp))
	}
	if mp != nil {
		opts = append(opts, otelhttp.WithMeterProvider(mp))
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		keyID:  cfg.KeyID,
		secret: []byte(cfg.KeySecret),
		hc: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
	}
}

// MinorUnits converts an amount to the smallest currency unit, rounding
// half to even.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).RoundBank(0).IntPart()
}

// CreateIntent creates a gateway order and returns its id.
func (c *Client) CreateIntent(ctx context.Context, req payment.IntentRequest) (string, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("amount")
	e.Int64(MinorUnits(req.Amount))
	e.FieldStart("currency")
	e.Str(req.Currency)
	e.FieldStart("receipt")
	e.Str(req.Receipt)
	if len(req.Notes) > 0 {
		e.FieldStart("notes")
		e.ObjStart()
		keys := make([]string, 0, len(req.Notes))
		for k := range req.Notes {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			e.FieldStart(k)
			e.Str(req.Notes[k])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	id, err := c.post(ctx, "/v1/orders", e.Bytes())
	if err != nil {
		return "", errors.Wrap(err, "create order")
	}
	return id, nil
}

// Refund refunds amount of a captured payment and returns the refund id.
func (c *Client) Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("amount")
	e.Int64(MinorUnits(amount))
	e.ObjEnd()

	id, err := c.post(ctx, "/v1/payments/"+url.PathEscape(paymentRef)+"/refund", e.Bytes())
	if err != nil {
		return "", errors.Wrap(err, "refund")
	}
	return id, nil
}

// VerifySignature checks hex(HMAC-SHA256(secret, orderRef|paymentRef))
// against signature in constant time.
func (c *Client) VerifySignature(orderRef, paymentRef, signature string) bool {
	return VerifySignature(c.secret, orderRef, paymentRef, signature)
}

// Sign computes the checkout signature for orderRef and paymentRef.
func Sign(secret []byte, orderRef, paymentRef string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderRef + "|" + paymentRef))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature was produced by Sign.
func VerifySignature(secret []byte, orderRef, paymentRef, signature string) bool {
	want, err := hex.DecodeString(Sign(secret, orderRef, paymentRef))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// post sends body and returns the id of the created resource. Every
// failure is classified as KindGateway.
func (c *Client) post(ctx context.Context, path string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.SetBasicAuth(c.keyID, string(c.secret))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindGateway, err, "payment gateway unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(apperr.KindGateway, err, "read gateway response")
	}
	if resp.StatusCode/100 != 2 {
		return "", apperr.Newf(apperr.KindGateway, "gateway returned %d: %s", resp.StatusCode, errorDescription(data))
	}

	var id string
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "id" {
			return d.Skip()
		}
		var err error
		id, err = d.Str()
		return err
	}); err != nil {
		return "", apperr.Wrap(apperr.KindGateway, err, "decode gateway response")
	}
	if id == "" {
		return "", apperr.New(apperr.KindGateway, "gateway response has no id")
	}
	return id, nil
}

// errorDescription extracts error.description from a gateway error body.
func errorDescription(data []byte) string {
	var desc string
	_ = jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "error" {
			return d.Skip()
		}
		return d.Obj(func(d *jx.Decoder, key string) error {
			if key != "description" {
				return d.Skip()
			}
			var err error
			desc, err = d.Str()
			return err
		})
	})
	if desc == "" {
		return http.StatusText(http.StatusBadGateway)
	}
	return desc
}
