// Package rediscache backs the provider response cache with Redis, for
// deployments running more than one engine instance. Entries are stored as
// JSON and expiry is delegated to Redis TTLs.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/merchkit/tax-engine/internal/tax/providercache"
)

var _ providercache.Backend = (*Backend)(nil)

// Backend implements providercache.Backend on a Redis client.
type Backend struct {
	client *redis.Client
}

// New returns a Backend over the given client.
func New(client *redis.Client) *Backend {
	return &Backend{client: client}
}

// Get returns the entry stored under key, if any.
func (b *Backend) Get(ctx context.Context, key string) (providercache.Entry, bool, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return providercache.Entry{}, false, nil
		}
		return providercache.Entry{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	var e providercache.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return providercache.Entry{}, false, fmt.Errorf("decoding cache entry %q: %w", key, err)
	}
	return e, true, nil
}

// Set stores an entry under key with the given TTL. Redis expires the key
// itself, so readers on other instances never see an outdated entry longer
// than the clock skew between them.
func (b *Backend) Set(ctx context.Context, key string, e providercache.Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry %q: %w", key, err)
	}
	if err := b.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Ping verifies connectivity, used by health checks at startup.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
