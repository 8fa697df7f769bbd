package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haulio/haul/internal/model"
)

func newTestClient() *Client {
	return New("haul-test/1.0", 2*time.Second, 5*time.Second)
}

func TestProbe_RangeSupported(t *testing.T) {
	body := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/10")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[:1])
	}))
	defer srv.Close()

	c := newTestClient()
	res, _, err := c.Probe(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.True(t, res.SupportsRanges)
	require.Equal(t, int64(10), res.TotalBytes)
	require.Equal(t, `"abc123"`, res.ETag)
}

func TestProbe_RangeNotSupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	c := newTestClient()
	res, _, err := c.Probe(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.False(t, res.SupportsRanges)
	require.Equal(t, int64(10), res.TotalBytes)
}

func TestProbe_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient()
	_, _, err := c.Probe(context.Background(), srv.URL, nil)
	require.Error(t, err)
	var e *model.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, model.ErrHTTP, e.Kind)
	require.Equal(t, 3, e.RetryAfterSeconds)
	require.True(t, e.IsRetryable())
}

func TestGetRange_DeliversBytesAtOffset(t *testing.T) {
	body := []byte("the quick brown fox")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 4-8/20")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[4:9])
	}))
	defer srv.Close()

	c := newTestClient()
	var got []byte
	var firstOffset int64 = -1
	n, _, err := c.GetRange(context.Background(), srv.URL, 4, 8, nil, func(offset int64, p []byte) error {
		if firstOffset == -1 {
			firstOffset = offset
		}
		got = append(got, p...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.Equal(t, int64(4), firstOffset)
	require.Equal(t, "quick", string(got))
}

func TestGetRange_RateLimitedReturnsRetryableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient()
	_, resp, err := c.GetRange(context.Background(), srv.URL, 0, 9, nil, func(int64, []byte) error { return nil })
	require.Error(t, err)
	require.NotNil(t, resp)
	var e *model.Error
	require.ErrorAs(t, err, &e)
	require.True(t, e.IsRetryable())
}
