package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/merchkit/tax-engine/internal/tax/provider"
	"github.com/merchkit/tax-engine/internal/tax/providercache"
)

func newBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client), mr
}

func TestBackendRoundTrip(t *testing.T) {
	backend, _ := newBackend(t)
	ctx := context.Background()

	entry := providercache.Entry{
		Fingerprint: "abc123",
		Response: provider.Response{
			Lines: []provider.ResponseLine{{
				ItemCode: "sku-1",
				Net:      decimal.RequireFromString("10.00"),
				Gross:    decimal.RequireFromString("11.90"),
				Rate:     decimal.RequireFromString("0.19"),
			}},
		},
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, backend.Set(ctx, "taxresp:tok-1", entry, time.Hour))

	got, ok, err := backend.Get(ctx, "taxresp:tok-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc123", got.Fingerprint)
	require.Len(t, got.Response.Lines, 1)
	require.True(t, got.Response.Lines[0].Gross.Equal(entry.Response.Lines[0].Gross))
	require.False(t, got.Response.Failed())
}

func TestBackendMiss(t *testing.T) {
	backend, _ := newBackend(t)

	_, ok, err := backend.Get(context.Background(), "taxresp:missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBackendTTLExpiry(t *testing.T) {
	backend, mr := newBackend(t)
	ctx := context.Background()

	entry := providercache.Entry{Fingerprint: "fp", Response: provider.Failure(context.DeadlineExceeded)}
	require.NoError(t, backend.Set(ctx, "taxresp:tok-2", entry, time.Minute))

	got, ok, err := backend.Get(ctx, "taxresp:tok-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Response.Failed())

	// miniredis advances TTLs manually.
	mr.FastForward(2 * time.Minute)

	_, ok, err = backend.Get(ctx, "taxresp:tok-2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBackendCorruptEntry(t *testing.T) {
	backend, mr := newBackend(t)

	mr.Set("taxresp:tok-3", "{not json")

	_, _, err := backend.Get(context.Background(), "taxresp:tok-3")
	require.Error(t, err)
}
