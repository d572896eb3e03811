// Package providercache memoizes external provider responses per document.
// A cached entry stays valid while the request fingerprint matches and its
// TTL has not elapsed; failed responses are memoized too, with a much
// shorter TTL, so a broken provider is retried soon without being hammered
// on every recomputation trigger.
package providercache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/merchkit/tax-engine/internal/tax/provider"
)

// Entry is one memoized provider outcome, success or failure.
type Entry struct {
	Fingerprint string            `json:"fingerprint"`
	Response    provider.Response `json:"response"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Backend is the keyed store entries live in. Implementations must support
// concurrent Get/Set per key without lost updates; expiry may be enforced by
// the store (redis TTL) or by the caller via Entry.ExpiresAt.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
}

const keyPrefix = "taxresp:"

// Defaults for the two TTL classes.
const (
	DefaultSuccessTTL = 30 * time.Minute
	DefaultFailureTTL = time.Minute
)

var _ provider.Fetcher = (*Cache)(nil)

// Cache wraps a Sender with fingerprint-keyed memoization. Concurrent
// fetches for the same (document, payload) pair are collapsed through
// singleflight, so at most one live provider call happens per distinct pair
// per TTL window.
type Cache struct {
	backend    Backend
	sender     provider.Sender
	successTTL time.Duration
	failureTTL time.Duration

	group singleflight.Group
	now   func() time.Time
}

// New creates a Cache over the given backend and sender. Non-positive TTLs
// fall back to the package defaults.
func New(backend Backend, sender provider.Sender, successTTL, failureTTL time.Duration) *Cache {
	if successTTL <= 0 {
		successTTL = DefaultSuccessTTL
	}
	if failureTTL <= 0 {
		failureTTL = DefaultFailureTTL
	}
	return &Cache{
		backend:    backend,
		sender:     sender,
		successTTL: successTTL,
		failureTTL: failureTTL,
		now:        time.Now,
	}
}

// Fingerprint hashes a request payload. Two requests fingerprint equal
// exactly when their serialized payloads are byte-identical.
func Fingerprint(req provider.Request) string {
	sum := sha256.Sum256(req.MarshalPayload())
	return hex.EncodeToString(sum[:])
}

// GetOrFetch implements provider.Fetcher. It returns the cached response
// when the fingerprint still matches and the entry has not expired, and
// calls the sender otherwise, memoizing whatever outcome it gets.
func (c *Cache) GetOrFetch(ctx context.Context, token string, req provider.Request) provider.Response {
	key := keyPrefix + token
	fp := Fingerprint(req)
	lg := zctx.From(ctx)

	entry, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		// A broken cache backend must not take tax computation down;
		// fall through to a live call.
		lg.Warn("provider cache read failed", zap.String("document", token), zap.Error(err))
	}
	if ok && entry.Fingerprint == fp && c.now().Before(entry.ExpiresAt) {
		return entry.Response
	}

	v, _, _ := c.group.Do(token+":"+fp, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// stored the entry while this one waited.
		if entry, ok, err := c.backend.Get(ctx, key); err == nil && ok &&
			entry.Fingerprint == fp && c.now().Before(entry.ExpiresAt) {
			return entry.Response, nil
		}

		resp := c.sender.Send(ctx, req)

		ttl := c.successTTL
		if resp.Failed() {
			ttl = c.failureTTL
		}
		e := Entry{
			Fingerprint: fp,
			Response:    resp,
			ExpiresAt:   c.now().Add(ttl),
		}
		if err := c.backend.Set(ctx, key, e, ttl); err != nil {
			lg.Warn("provider cache write failed", zap.String("document", token), zap.Error(err))
		}
		return resp, nil
	})

	return v.(provider.Response)
}
