package vault

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *IndexCache {
	t.Helper()
	cache, err := OpenIndexCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestIndexCacheTTL(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t)
	now := time.Now()
	body := []byte(`{"version":1}`)

	cache.Put(bucketPhotos, "/Фото/R1/slot/_PHOTOS.json", body, now)

	got, ok := cache.Get(bucketPhotos, "/Фото/R1/slot/_PHOTOS.json", 2*time.Minute, now.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, body, got)

	// past the TTL the entry is treated as absent
	_, ok = cache.Get(bucketPhotos, "/Фото/R1/slot/_PHOTOS.json", 2*time.Minute, now.Add(3*time.Minute))
	assert.False(t, ok)

	_, ok = cache.Get(bucketPhotos, "/Фото/R1/other/_PHOTOS.json", 2*time.Minute, now)
	assert.False(t, ok)
}

// The same key can live in different buckets without collision; each index
// class has its own namespace.
func TestIndexCacheBucketsAreIndependent(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t)
	now := time.Now()

	cache.Put(bucketPhotos, "key", []byte("photos"), now)
	cache.Put(bucketSlot, "key", []byte("slot"), now)

	got, ok := cache.Get(bucketPhotos, "key", time.Minute, now)
	require.True(t, ok)
	assert.Equal(t, []byte("photos"), got)

	got, ok = cache.Get(bucketSlot, "key", time.Minute, now)
	require.True(t, ok)
	assert.Equal(t, []byte("slot"), got)
}

func TestIndexCacheInvalidate(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t)
	now := time.Now()

	cache.Put(bucketRegion, "key", []byte("body"), now)
	cache.Invalidate(bucketRegion, "key")
	_, ok := cache.Get(bucketRegion, "key", time.Minute, now)
	assert.False(t, ok)
}

// A prime overwrites the previous entry and restarts its freshness window.
func TestIndexCacheRePrimeRefreshes(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t)
	base := time.Now()

	cache.Put(bucketPhotos, "key", []byte("old"), base)
	cache.Put(bucketPhotos, "key", []byte("new"), base.Add(5*time.Minute))

	got, ok := cache.Get(bucketPhotos, "key", time.Minute, base.Add(5*time.Minute+30*time.Second))
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got)
}
