package recon

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*ViewCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewViewCache(client), mr
}

func TestViewCacheVersionInitialises(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, ver)

	// Stable on subsequent reads.
	ver, err = cache.Version(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, ver)
}

func TestViewCacheBumpAdvancesVersion(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	before, err := cache.BuildKey(ctx, "invoice", "42")
	require.NoError(t, err)

	require.NoError(t, cache.Bump(ctx, 1, 42))

	after, err := cache.BuildKey(ctx, "invoice", "42")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestViewCacheNilSafe(t *testing.T) {
	var cache *ViewCache
	ctx := context.Background()

	require.NoError(t, cache.Bump(ctx, 1, 42))
	key, err := cache.BuildKey(ctx, "invoice", "42")
	require.NoError(t, err)
	require.Equal(t, "invoice:42", key)
}
