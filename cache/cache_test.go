package cache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/cache"
	"github.com/relaydb/pagestore/device"
	"github.com/relaydb/pagestore/page"
)

func newTestCache(t *testing.T, capacity int) *cache.Cache {
	t.Helper()
	dev := device.NewMemoryDevice()
	require.NoError(t, dev.Create(""))
	require.NoError(t, dev.Truncate(4096)) // reserve page 0 for a header
	return cache.New(dev, 4096, capacity, nil)
}

func TestAllocThenFetchReturnsSamePage(t *testing.T) {
	c := newTestCache(t, 8)

	p, err := c.Alloc(page.TypeBIndex, false)
	require.NoError(t, err)
	require.NoError(t, c.Flush(p))

	fetched, err := c.Fetch(p.Self(), 0)
	require.NoError(t, err)
	require.Equal(t, p.Self(), fetched.Self())
}

func TestFetchOnlyFromCacheMissReturnsNil(t *testing.T) {
	c := newTestCache(t, 8)
	p, err := c.Fetch(8192, cache.FetchOnlyFromCache)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestEvictionPrefersUnpinnedCleanPage(t *testing.T) {
	c := newTestCache(t, 2)

	a, err := c.Alloc(page.TypeBIndex, false)
	require.NoError(t, err)
	require.NoError(t, c.Flush(a)) // a is now clean

	b, err := c.Alloc(page.TypeBIndex, false)
	require.NoError(t, err)
	c.Pin(b)

	// Cache is full (a clean, b pinned+dirty); the next alloc must evict a,
	// not b.
	_, err = c.Alloc(page.TypeBIndex, false)
	require.NoError(t, err)

	require.Equal(t, 2, c.Len())
	still, err := c.Fetch(b.Self(), cache.FetchOnlyFromCache)
	require.NoError(t, err)
	require.NotNil(t, still)
}

func TestEvictionFlushesDirtyPageBeforeDropping(t *testing.T) {
	c := newTestCache(t, 1)

	a, err := c.Alloc(page.TypeBIndex, false)
	require.NoError(t, err)
	copy(a.Payload(), []byte("payload"))

	// Forces eviction of a (the only resident, unpinned, dirty page).
	_, err = c.Alloc(page.TypeBIndex, false)
	require.NoError(t, err)

	require.False(t, a.IsDirty())
}

func TestAllConsumedByPinnedPagesFailsToAllocate(t *testing.T) {
	c := newTestCache(t, 1)

	a, err := c.Alloc(page.TypeBIndex, false)
	require.NoError(t, err)
	c.Pin(a)

	_, err = c.Alloc(page.TypeBIndex, false)
	require.Error(t, err)
}
