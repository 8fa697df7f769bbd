package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newResp(headers map[string]string) *http.Response {
	rec := httptest.NewRecorder()
	for k, v := range headers {
		rec.Header().Set(k, v)
	}
	rec.WriteHeader(http.StatusTooManyRequests)
	return rec.Result()
}

func TestHostLimiter_RetryAfterSeconds(t *testing.T) {
	l := newHostLimiter("example.com")
	wait, _ := l.Handle429(newResp(map[string]string{"Retry-After": "2"}))
	require.InDelta(t, 2.0, wait.Seconds(), 0.3)
}

func TestHostLimiter_RateLimitRemainingParsed(t *testing.T) {
	l := newHostLimiter("example.com")
	_, remaining := l.Handle429(newResp(map[string]string{"Retry-After": "1", "RateLimit-Remaining": "2"}))
	require.Equal(t, 2, remaining)
}

func TestHostLimiter_NoHeaderUsesExponentialBackoff(t *testing.T) {
	l := newHostLimiter("example.com")
	wait1, remaining := l.Handle429(newResp(nil))
	require.Equal(t, -1, remaining)
	require.Greater(t, wait1.Seconds(), 0.0)

	wait2, _ := l.Handle429(newResp(nil))
	require.Greater(t, wait2, wait1) // backs off further (doubling outweighs the jitter)
}

func TestHostLimiter_ReportSuccessResetsHits(t *testing.T) {
	l := newHostLimiter("example.com")
	l.Handle429(newResp(nil))
	l.Handle429(newResp(nil))
	require.EqualValues(t, 2, l.consecutiveHits.Load())
	l.ReportSuccess()
	require.EqualValues(t, 0, l.consecutiveHits.Load())
}

func TestManager_GetIsPerHostSingleton(t *testing.T) {
	m := NewManager()
	a := m.Get("host-a")
	b := m.Get("host-a")
	c := m.Get("host-b")
	require.Same(t, a, b)
	require.NotSame(t, a, c)
}
