package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func priced() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func getTotal(t *testing.T, h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/total", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	t.Run("under the limit", func(t *testing.T) {
		h := RateLimit(RateLimitConfig{Max: 5, Window: time.Minute})(priced())

		for i := range 5 {
			w := getTotal(t, h, "192.0.2.10:40000")
			assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
			assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
			assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
			assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
		}
	})

	t.Run("over the limit", func(t *testing.T) {
		h := RateLimit(RateLimitConfig{Max: 2, Window: time.Minute})(priced())

		for range 2 {
			require.Equal(t, http.StatusOK, getTotal(t, h, "192.0.2.20:40000").Code)
		}

		w := getTotal(t, h, "192.0.2.20:40000")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("Retry-After"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, float64(http.StatusTooManyRequests), body["code"])
		assert.Equal(t, "too many requests", body["message"])
	})

	t.Run("budgets are per client", func(t *testing.T) {
		h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(priced())

		assert.Equal(t, http.StatusOK, getTotal(t, h, "192.0.2.30:1111").Code)
		assert.Equal(t, http.StatusOK, getTotal(t, h, "192.0.2.31:1111").Code)
		// A new port is still the same client.
		assert.Equal(t, http.StatusTooManyRequests, getTotal(t, h, "192.0.2.30:2222").Code)
	})
}

func TestRateLimit_KeyByAPIClient(t *testing.T) {
	h := RateLimit(RateLimitConfig{
		Max:    1,
		Window: time.Minute,
		KeyFunc: func(r *http.Request) string {
			return r.Header.Get("X-API-Key")
		},
	})(priced())

	hit := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/documents/doc-1/recalculate", nil)
		req.Header.Set("X-API-Key", key)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("storefront"))
	assert.Equal(t, http.StatusTooManyRequests, hit("storefront"))
	assert.Equal(t, http.StatusOK, hit("backoffice"))
}

func TestRateLimit_ForwardedFor(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(priced())

	hit := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/subtotal", nil)
		req.RemoteAddr = remoteAddr
		req.Header.Set("X-Forwarded-For", "203.0.113.50, 10.0.0.3")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	// The first forwarded hop identifies the client even when the proxy's
	// own address changes between requests.
	assert.Equal(t, http.StatusOK, hit("10.0.0.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.2:6000"))
}

func TestLimiterSweep(t *testing.T) {
	l := newLimiter(RateLimitConfig{Max: 1, Window: time.Minute})
	now := time.Now()

	l.take("203.0.113.50", now)
	require.Len(t, l.buckets, 1)

	l.sweep(now.Add(time.Minute))
	assert.Len(t, l.buckets, 1, "a live bucket must survive the sweep")

	l.sweep(now.Add(3 * time.Minute))
	assert.Empty(t, l.buckets)
}
