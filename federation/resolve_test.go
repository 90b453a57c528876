package federation_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RasmusRendal/smh/federation"
)

type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestResolve_IPLiteral(t *testing.T) {
	r := federation.NewResolver(&http.Client{Transport: rtFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatalf("IP literal resolution must not touch the network, got %s", req.URL)
		return nil, nil
	})}, 0)

	baseURL, err := r.Resolve(context.Background(), "127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:8080", baseURL)

	baseURL, err = r.Resolve(context.Background(), "localhost:8448")
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:8448", baseURL)
}

func TestResolve_IPLiteralWithoutPort(t *testing.T) {
	r := federation.NewResolver(http.DefaultClient, 0)
	_, err := r.Resolve(context.Background(), "10.0.0.1")
	assert.ErrorContains(t, err, "without a port")
}

func TestResolve_IPv6Unsupported(t *testing.T) {
	r := federation.NewResolver(http.DefaultClient, 0)
	_, err := r.Resolve(context.Background(), "[::1]:8448")
	assert.ErrorIs(t, err, federation.ErrUnsupportedServerName)
}

func TestResolve_DNSNameWithPort(t *testing.T) {
	r := federation.NewResolver(http.DefaultClient, 0)
	_, err := r.Resolve(context.Background(), "example.com:8448")
	assert.ErrorContains(t, err, "only supported for IP literals")
}

func TestResolve_WellKnown(t *testing.T) {
	var fetches atomic.Int32
	r := federation.NewResolver(&http.Client{Transport: rtFunc(func(req *http.Request) (*http.Response, error) {
		fetches.Add(1)
		assert.Equal(t, "https://example.com/.well-known/matrix/server", req.URL.String())
		return jsonResponse(http.StatusOK, `{"m.server": "matrix.example.com:443"}`), nil
	})}, 0)

	baseURL, err := r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	// The delegation target is returned exactly as published.
	assert.Equal(t, "matrix.example.com:443", baseURL)
	assert.EqualValues(t, 1, fetches.Load())
}

func TestResolve_WellKnownMissingField(t *testing.T) {
	r := federation.NewResolver(&http.Client{Transport: rtFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"something": "else"}`), nil
	})}, 0)
	_, err := r.Resolve(context.Background(), "example.com")
	assert.ErrorContains(t, err, "no m.server field")
}

func TestResolve_WellKnownNetworkError(t *testing.T) {
	r := federation.NewResolver(&http.Client{Transport: rtFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}, 0)
	_, err := r.Resolve(context.Background(), "example.com")
	assert.ErrorContains(t, err, "well-known lookup")
}

func TestResolve_CachesSuccess(t *testing.T) {
	var fetches atomic.Int32
	r := federation.NewResolver(&http.Client{Transport: rtFunc(func(req *http.Request) (*http.Response, error) {
		fetches.Add(1)
		return jsonResponse(http.StatusOK, `{"m.server": "matrix.example.com:443"}`), nil
	})}, time.Minute)

	for range 3 {
		baseURL, err := r.Resolve(context.Background(), "example.com")
		require.NoError(t, err)
		assert.Equal(t, "matrix.example.com:443", baseURL)
	}
	assert.EqualValues(t, 1, fetches.Load())
}

func TestResolve_DoesNotCacheFailure(t *testing.T) {
	var fetches atomic.Int32
	r := federation.NewResolver(&http.Client{Transport: rtFunc(func(req *http.Request) (*http.Response, error) {
		if fetches.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return jsonResponse(http.StatusOK, `{"m.server": "matrix.example.com:443"}`), nil
	})}, time.Minute)

	_, err := r.Resolve(context.Background(), "example.com")
	require.Error(t, err)
	baseURL, err := r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "matrix.example.com:443", baseURL)
	assert.EqualValues(t, 2, fetches.Load())
}
