package httpmiddleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the per-client sliding window rate limiter in
// front of the pricing API.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window.
	Max int
	// Window is the length of one window.
	Window time.Duration
	// KeyFunc derives the limiter key from a request; nil keys by client IP.
	KeyFunc func(*http.Request) string
}

// bucket holds one client's hit counts for the current window and the one
// before it. The previous window's count is weighted by overlap to smooth
// the boundary, so a burst right before rotation cannot double the budget.
type bucket struct {
	curStart  time.Time
	curHits   float64
	prevStart time.Time
	prevHits  float64
}

// decision is the outcome of one take: whether the request passes and what
// the response headers should say.
type decision struct {
	allowed   bool
	remaining int
	resetAt   time.Time
}

type limiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientIP
	}
	return &limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

func (l *limiter) take(key string, now time.Time) decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{curStart: now}
		l.buckets[key] = b
	}

	if now.Sub(b.curStart) >= l.cfg.Window {
		b.prevHits = b.curHits
		b.prevStart = b.curStart
		b.curHits = 0
		b.curStart = now.Truncate(l.cfg.Window)
		if now.Sub(b.prevStart) >= 2*l.cfg.Window {
			b.prevHits = 0
		}
	}

	overlap := 1 - now.Sub(b.curStart).Seconds()/l.cfg.Window.Seconds()
	if overlap < 0 {
		overlap = 0
	}
	weighted := b.prevHits*overlap + b.curHits

	d := decision{resetAt: b.curStart.Add(l.cfg.Window)}
	if weighted >= float64(l.cfg.Max) {
		return d
	}

	b.curHits++
	d.allowed = true
	d.remaining = int(float64(l.cfg.Max) - weighted - 1)
	if d.remaining < 0 {
		d.remaining = 0
	}
	return d
}

// sweep drops buckets whose both windows have fully elapsed.
func (l *limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.curStart) >= 2*l.cfg.Window {
			delete(l.buckets, key)
		}
	}
}

// RateLimit returns a middleware enforcing the configured limit per key.
// Rejected requests get a 429 with a JSON body; every response carries
// X-RateLimit-Limit, X-RateLimit-Remaining, and X-RateLimit-Reset.
//
// Buckets for idle clients are only reclaimed by RateLimitWithCleanup; this
// variant suits tests and short-lived servers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return limitMiddleware(newLimiter(cfg))
}

// RateLimitWithCleanup is RateLimit plus a background sweeper that evicts
// idle buckets every two windows until ctx is cancelled.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go func() {
		ticker := time.NewTicker(2 * l.cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.sweep(now)
			}
		}
	}()
	return limitMiddleware(l)
}

func limitMiddleware(l *limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.take(l.cfg.KeyFunc(r), time.Now())

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Max))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.resetAt.Unix(), 10))

			if !d.allowed {
				retryAfter := time.Until(d.resetAt)
				if retryAfter < 0 {
					retryAfter = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"code":    http.StatusTooManyRequests,
					"message": "too many requests",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keys requests by originating IP: the first X-Forwarded-For hop,
// then X-Real-IP, then the connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
