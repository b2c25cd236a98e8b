package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCacheWithClient(client, DefaultCacheTTL), mr
}

func TestRedisCache_SetGet(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	matches := []Match{
		{CanonicalID: "john_deere/x9_1100", Confidence: 0.98, Tier: TierKnownVariant},
	}
	require.NoError(t, cache.Set(ctx, "jdx91100", matches))

	got, ok, err := cache.Get(ctx, "jdx91100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, matches, got)
}

func TestRedisCache_MissAndInvalidate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "nothere")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "jdx91100", []Match{{CanonicalID: "john_deere/x9_1100"}}))
	require.NoError(t, cache.Invalidate(ctx, "jdx91100"))

	_, ok, err = cache.Get(ctx, "jdx91100")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_EntriesExpire(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "jdx91100", []Match{{CanonicalID: "john_deere/x9_1100"}}))

	mr.FastForward(DefaultCacheTTL + time.Second)

	_, ok, err := cache.Get(ctx, "jdx91100")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_CorruptEntryDropped(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("normalize:jdx91100", "{not json"))

	_, ok, err := cache.Get(ctx, "jdx91100")
	require.Error(t, err)
	assert.False(t, ok)

	// The bad entry is gone, so the next read is a clean miss.
	_, ok, err = cache.Get(ctx, "jdx91100")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalizer_ServesFromCache(t *testing.T) {
	cache, _ := newTestCache(t)
	cat := newFakeCatalog()
	n := New(cat, WithCache(cache))
	ctx := context.Background()

	first, err := n.Normalize(ctx, "John Deere X9 1100", Options{})
	require.NoError(t, err)
	lookupsAfterFirst := cat.canonicalLookups

	second, err := n.Normalize(ctx, "John Deere X9 1100", Options{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, lookupsAfterFirst, cat.canonicalLookups, "second call should not hit the catalog")
}

func TestNormalizer_ConfirmInvalidatesCache(t *testing.T) {
	cache, _ := newTestCache(t)
	cat := newFakeCatalog()
	n := New(cat, WithCache(cache))
	ctx := context.Background()

	// Fuzzy result gets cached.
	_, err := n.Normalize(ctx, "Kubota M7-127", Options{})
	require.NoError(t, err)

	// Confirming drops the stale cached suggestion; the next call comes
	// back through the learning table at higher confidence.
	require.NoError(t, n.Confirm(ctx, "Kubota M7-127", "kubota/m7_172"))

	matches, err := n.Normalize(ctx, "Kubota M7-127", Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, ConfidenceLearned, matches[0].Confidence)
	assert.False(t, matches[0].RequiresConfirmation)
}
