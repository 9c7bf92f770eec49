package authz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*EffectiveCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewEffectiveCache(client, ttl), mr
}

func TestEffectiveCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	_, hit, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	require.False(t, hit)

	stored := NewSet(PermCustomersView, PermWorkOrdersView)
	require.NoError(t, cache.Put(ctx, 7, stored))

	got, hit, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, stored.Strings(), got.Strings())
}

func TestEffectiveCacheEntriesArePerUser(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, 7, NewSet(PermCustomersView)))

	_, hit, err := cache.Get(ctx, 8)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestEffectiveCacheInvalidate(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, 7, NewSet(PermCustomersView)))
	require.NoError(t, cache.Invalidate(ctx, 7))

	_, hit, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	require.False(t, hit)

	// Invalidating an absent entry is not an error.
	require.NoError(t, cache.Invalidate(ctx, 7))
}

func TestEffectiveCacheTTLExpiry(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, 7, NewSet(PermCustomersView)))
	mr.FastForward(2 * time.Minute)

	_, hit, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestEffectiveCacheCorruptEntryIsAMiss(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, mr.Set("authz:effective:7", "{not json"))

	_, hit, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestEffectiveCacheNilClient(t *testing.T) {
	cache := NewEffectiveCache(nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, 7, NewSet(PermCustomersView)))
	_, hit, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	require.False(t, hit)
	require.NoError(t, cache.Invalidate(ctx, 7))
}
