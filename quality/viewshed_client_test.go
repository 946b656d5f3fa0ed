package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const viewshedASC = "ncols 2\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 10\nNODATA_value -1\n1 0\n-1 1\n"

func TestRequestViewshed_Success(t *testing.T) {
	var got ViewshedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(viewshedASC))
	}))
	defer server.Close()

	req := ViewshedRequest{X: 5, Y: 15, ObserverHeight: 2, TargetHeight: 1.5, Radius: 1000}
	v, g, err := RequestViewshed(context.Background(), server.URL, req)
	require.NoError(t, err)

	assert.Equal(t, req, got)
	assert.Equal(t, 2, g.Width)
	assert.Equal(t, AffineMatrix{A: 10, D: -10, Ty: 20}, g.Transform)
	assert.Equal(t, float32(1), v.At(0, 0))
	assert.Equal(t, float32(1), v.At(1, 1))
}

func TestRequestViewshed_PNGUsesFallback(t *testing.T) {
	var mask bytes.Buffer
	require.NoError(t, EncodePNGMask(&mask, filledRaster(3, 1, 1)))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(mask.Bytes())
	}))
	defer server.Close()

	_, _, err := RequestViewshed(context.Background(), server.URL, ViewshedRequest{})
	assert.Error(t, err, "PNG without fallback transform")

	fallback := Scale(2, -2)
	v, g, err := RequestViewshed(context.Background(), server.URL, ViewshedRequest{}, WithFallbackTransform(&fallback))
	require.NoError(t, err)
	assert.Equal(t, fallback, g.Transform)
	assert.Equal(t, 3, v.Width)
}

func TestRequestViewshed_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(viewshedASC))
	}))
	defer server.Close()

	_, _, err := RequestViewshed(context.Background(), server.URL, ViewshedRequest{},
		WithMaxRetries(3), WithBaseBackoff(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequestViewshed_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, _, err := RequestViewshed(context.Background(), server.URL, ViewshedRequest{},
		WithMaxRetries(2), WithBaseBackoff(time.Millisecond))
	assert.ErrorContains(t, err, "all 2 attempts failed")
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequestViewshed_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, _, err := RequestViewshed(context.Background(), server.URL, ViewshedRequest{},
		WithMaxRetries(5), WithBaseBackoff(time.Millisecond))
	assert.ErrorIs(t, err, errPermanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRequestViewshed_DecodeErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("garbage"))
	}))
	defer server.Close()

	_, _, err := RequestViewshed(context.Background(), server.URL, ViewshedRequest{},
		WithMaxRetries(3), WithBaseBackoff(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRequestViewshed_EmptyURL(t *testing.T) {
	_, _, err := RequestViewshed(context.Background(), "", ViewshedRequest{})
	assert.ErrorContains(t, err, "service URL is empty")
}

func TestRequestViewshed_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := RequestViewshed(ctx, server.URL, ViewshedRequest{},
		WithMaxRetries(3), WithBaseBackoff(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}
