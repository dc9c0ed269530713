package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
)

func decodeName(dst *string) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			if key != "name" {
				return d.Skip()
			}
			v, err := d.Str()
			*dst = v
			return err
		})
	}
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"name":"Mug","extra":[1,2]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 5}, nil, nil)
	var name string
	require.NoError(t, c.Get(context.Background(), "/x", decodeName(&name)))

	assert.Equal(t, "Mug", name)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGet_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, nil)
	var name string
	err := c.Get(context.Background(), "/x", decodeName(&name))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.EqualValues(t, 1, calls.Load())
}

func TestGet_ExhaustedRetriesAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 1}, nil, nil)
	var name string
	err := c.Get(context.Background(), "/x", decodeName(&name))

	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
}
