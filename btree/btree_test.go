package btree_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/blob"
	"github.com/relaydb/pagestore/btree"
	"github.com/relaydb/pagestore/cache"
	"github.com/relaydb/pagestore/device"
	"github.com/relaydb/pagestore/extkey"
	"github.com/relaydb/pagestore/page"
)

const testPageSize = 256

func newTestTree(t *testing.T) *btree.Btree {
	t.Helper()
	dev := device.NewMemoryDevice()
	require.NoError(t, dev.Create(""))
	require.NoError(t, dev.Truncate(testPageSize))

	c := cache.New(dev, testPageSize, 256, nil)
	bm := blob.New(dev, c, nil, testPageSize, false)
	ek := extkey.New(64)

	cfg := btree.Config{InlineKeySize: 8, Comparator: btree.DefaultComparator}
	bt := btree.New(c, bm, ek, 0, cfg, nil)
	_, err := bt.CreateRoot()
	require.NoError(t, err)
	return bt
}

func TestInsertThenFind(t *testing.T) {
	bt := newTestTree(t)
	require.NoError(t, bt.Insert([]byte("a"), []byte("1"), 0))
	require.NoError(t, bt.Insert([]byte("b"), []byte("2"), 0))

	res, err := bt.Find([]byte("a"), btree.FindExact)
	require.NoError(t, err)
	rec, err := bt.DecodeRecord(res.Entry)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), rec)
}

func TestFindMissingKeyFails(t *testing.T) {
	bt := newTestTree(t)
	require.NoError(t, bt.Insert([]byte("a"), []byte("1"), 0))

	_, err := bt.Find([]byte("zzz"), btree.FindExact)
	require.Error(t, err)
}

func TestInsertDuplicateWithoutFlagConflicts(t *testing.T) {
	bt := newTestTree(t)
	require.NoError(t, bt.Insert([]byte("a"), []byte("1"), 0))
	err := bt.Insert([]byte("a"), []byte("2"), 0)
	require.Error(t, err)
}

func TestInsertOverwriteReplacesRecord(t *testing.T) {
	bt := newTestTree(t)
	require.NoError(t, bt.Insert([]byte("a"), []byte("1"), 0))
	require.NoError(t, bt.Insert([]byte("a"), []byte("2"), btree.Overwrite))

	res, err := bt.Find([]byte("a"), btree.FindExact)
	require.NoError(t, err)
	rec, err := bt.DecodeRecord(res.Entry)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), rec)
}

// TestInsertDuplicateGrowsTableAndStepsInOrder mirrors spec §8 scenario 3
// "Duplicate ordering" and the round-trip law that inserting a duplicate
// increases the key's duplicate count by one.
func TestInsertDuplicateGrowsTableAndStepsInOrder(t *testing.T) {
	bt := newTestTree(t)
	require.NoError(t, bt.Insert([]byte("a"), []byte("v1"), 0))

	res, err := bt.Find([]byte("a"), btree.FindExact)
	require.NoError(t, err)
	require.False(t, res.Entry.HasDuplicates())

	require.NoError(t, bt.Insert([]byte("a"), []byte("v2"), btree.Duplicate))
	res, err = bt.Find([]byte("a"), btree.FindExact)
	require.NoError(t, err)
	require.True(t, res.Entry.HasDuplicates())

	c := bt.NewCursor(1)
	defer c.Close()
	require.NoError(t, c.Find([]byte("a"), btree.FindExact))
	rec, err := c.Record()
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec)
	require.NoError(t, c.MoveNext())
	rec, err = c.Record()
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), rec)

	require.NoError(t, bt.Insert([]byte("a"), []byte("v0"), btree.Duplicate|btree.DuplicateFirst))
	require.NoError(t, c.Find([]byte("a"), btree.FindExact))
	for _, want := range [][]byte{[]byte("v0"), []byte("v1"), []byte("v2")} {
		rec, err := c.Record()
		require.NoError(t, err)
		require.Equal(t, want, rec)
		_ = c.MoveNext()
	}
}

// TestEraseKeyWithDuplicatesFreesTableBlobs makes sure erasing a key whose
// slot points at a duplicate table doesn't leave it or its entries orphaned
// in the freelist (spec §4.5 "freeing blob, extended-key blob, and possibly
// duplicate-table entries as directed").
func TestEraseKeyWithDuplicatesFreesTableBlobs(t *testing.T) {
	bt := newTestTree(t)
	big := []byte("this value is long enough to force a real blob allocation")
	require.NoError(t, bt.Insert([]byte("a"), big, 0))
	require.NoError(t, bt.Insert([]byte("a"), big, btree.Duplicate))
	require.NoError(t, bt.Insert([]byte("b"), []byte("v"), 0))

	require.NoError(t, bt.Erase([]byte("a")))
	require.NoError(t, bt.Check())

	_, err := bt.Find([]byte("a"), btree.FindExact)
	require.Error(t, err)
	res, err := bt.Find([]byte("b"), btree.FindExact)
	require.NoError(t, err)
	rec, err := bt.DecodeRecord(res.Entry)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), rec)
}

// TestOverwriteBlobBackedRecordDoesNotLeak exercises the blob-backed
// overwrite path (old and new values both too large to inline) so the stale
// blob is returned to the freelist via BlobManager.Overwrite rather than
// dropped (spec §3 "overwritten with a non-inlineable value, at which point
// their range is returned to the freelist").
func TestOverwriteBlobBackedRecordDoesNotLeak(t *testing.T) {
	bt := newTestTree(t)
	first := []byte("first value, long enough to need a real blob allocation")
	second := []byte("second value, also long enough to need a real blob")
	require.NoError(t, bt.Insert([]byte("a"), first, 0))
	require.NoError(t, bt.Insert([]byte("a"), second, btree.Overwrite))

	res, err := bt.Find([]byte("a"), btree.FindExact)
	require.NoError(t, err)
	rec, err := bt.DecodeRecord(res.Entry)
	require.NoError(t, err)
	require.Equal(t, second, rec)
	require.NoError(t, bt.Check())
}

func TestManyInsertsTriggerSplitAndStayFindable(t *testing.T) {
	bt := newTestTree(t)
	const n = 64
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, bt.Insert(k, []byte(fmt.Sprintf("val-%d", i)), 0))
	}

	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		res, err := bt.Find(k, btree.FindExact)
		require.NoErrorf(t, err, "key %s should be findable", k)
		rec, err := bt.DecodeRecord(res.Entry)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("val-%d", i)), rec)
	}

	require.NoError(t, bt.Check())
}

func TestEraseThenFindNotFound(t *testing.T) {
	bt := newTestTree(t)
	require.NoError(t, bt.Insert([]byte("a"), []byte("1"), 0))
	require.NoError(t, bt.Erase([]byte("a")))

	_, err := bt.Find([]byte("a"), btree.FindExact)
	require.Error(t, err)
}

func TestManyInsertsThenEraseAllKeepsIntegrity(t *testing.T) {
	bt := newTestTree(t)
	const n = 48
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, bt.Insert(keys[i], []byte("v"), 0))
	}
	require.NoError(t, bt.Check())

	for i := 0; i < n; i += 2 {
		require.NoError(t, bt.Erase(keys[i]))
	}
	require.NoError(t, bt.Check())

	for i := 1; i < n; i += 2 {
		_, err := bt.Find(keys[i], btree.FindExact)
		require.NoError(t, err)
	}
}

func TestEnumerateVisitsAllEntriesInOrder(t *testing.T) {
	bt := newTestTree(t)
	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, bt.Insert([]byte(fmt.Sprintf("e%03d", i)), []byte("v"), 0))
	}

	var seen []string
	err := bt.Enumerate(func(event btree.EnumerateEvent, _ page.Address, _ int, e btree.Entry) btree.EnumerateAction {
		if event == btree.Item {
			seen = append(seen, string(e.Key[:bytesUsed(e)]))
		}
		return btree.Continue
	})
	require.NoError(t, err)
	require.NotEmpty(t, seen)

	// The leaf level is walked last, left to right, so the final n items are
	// every inserted key in ascending order.
	require.GreaterOrEqual(t, len(seen), n)
	leaves := seen[len(seen)-n:]
	for i, k := range leaves {
		require.Equal(t, fmt.Sprintf("e%03d", i), k)
	}
}

// bytesUsed trims an inline key's zero padding down to its logical size.
func bytesUsed(e btree.Entry) int {
	if int(e.KeySize) < len(e.Key) {
		return int(e.KeySize)
	}
	return len(e.Key)
}
