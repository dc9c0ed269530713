// Package client is the shared HTTP plumbing of the catalog and user
// directory clients: JSON GETs with bounded exponential backoff on
// transport errors and 5xx responses.
package client

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
)

// ErrNotFound is returned by Get on a 404 response.
var ErrNotFound = apperr.New(apperr.KindNotFound, "resource not found")

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries uint64
}

// Client performs GET requests against one base URL.
type Client struct {
	base       string
	hc         *http.Client
	maxRetries uint64
}

// New creates a Client whose transport is instrumented with the given
// providers. Nil providers fall back to the global ones.
func New(cfg Config, tp trace.TracerProvider, mp metric.MeterProvider) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	var opts []otelhttp.Option
	if tp != nil {
		opts = append(opts, otelhttp.WithTracerProvider(tp))
	}
	if mp != nil {
		opts = append(opts, otelhttp.WithMeterProvider(mp))
	}
	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		hc: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
		maxRetries: cfg.MaxRetries,
	}
}

// Get fetches base+path and decodes a 200 response with decode.
// Exhausted retries are reported as KindTransient.
func (c *Client) Get(ctx context.Context, path string, decode func(d *jx.Decoder) error) error {
	var b backoff.BackOff = backoff.NewExponentialBackOff()
	b = backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	err := backoff.Retry(func() error {
		err := c.get(ctx, path, decode)
		var re *retryableError
		if err != nil && !errors.As(err, &re) {
			return backoff.Permanent(err)
		}
		return err
	}, b)

	var re *retryableError
	if errors.As(err, &re) {
		return apperr.Wrap(apperr.KindTransient, re.err, "GET "+path)
	}
	return err
}

// retryableError marks failures worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func retryable(err error) error { return &retryableError{err: err} }

func (c *Client) get(ctx context.Context, path string, decode func(d *jx.Decoder) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return retryable(errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return retryable(errors.Wrap(err, "read body"))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := decode(jx.DecodeBytes(body)); err != nil {
			return errors.Wrap(err, "decode response")
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return retryable(errors.Errorf("unexpected status %d", resp.StatusCode))
	default:
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
}
