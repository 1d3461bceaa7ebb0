package env_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/btree"
	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/env"
)

func testConfig() env.Config {
	cfg := env.DefaultConfig()
	cfg.PageSize = 512
	cfg.CacheCapacity = 64
	cfg.InlineKeySize = 8
	return cfg
}

// TestEmptyStoreLifecycle matches the literal scenario of finding a missing
// key before and after a clean reopen (spec §8 scenario 1).
func TestEmptyStoreLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	e, err := env.Create(path, testConfig(), nil)
	require.NoError(t, err)
	_, err = e.Get([]byte("abc"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
	require.NoError(t, e.Close())

	e2, err := env.Open(path, testConfig(), nil)
	require.NoError(t, err)
	defer e2.Close()
	_, err = e2.Get([]byte("abc"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

// TestSingleKeySurvivesRestart mirrors spec §8 scenario 2.
func TestSingleKeySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	e, err := env.Create(path, testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("hello"), []byte("world")))
	require.NoError(t, e.Close())

	e2, err := env.Open(path, testConfig(), nil)
	require.NoError(t, err)
	defer e2.Close()

	rec, err := e2.Get([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("world"), rec)
}

func TestPutOverwriteThenDelete(t *testing.T) {
	dir := t.TempDir()
	e, err := env.Create(filepath.Join(dir, "store.db"), testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("a"), []byte("2")))
	rec, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), rec)

	require.NoError(t, e.Delete([]byte("a")))
	_, err = e.Get([]byte("a"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestStatsTracksKeyCount(t *testing.T) {
	dir := t.TempDir()
	e, err := env.Create(filepath.Join(dir, "store.db"), testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.Equal(t, int64(2), e.Stats().NumKeys)

	require.NoError(t, e.Delete([]byte("a")))
	require.Equal(t, int64(1), e.Stats().NumKeys)
}

func TestApproximateMatchFind(t *testing.T) {
	dir := t.TempDir()
	e, err := env.Create(filepath.Join(dir, "store.db"), testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	for _, k := range []string{"10", "20", "30"} {
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}

	res, err := e.Find([]byte("25"), btree.FindLT)
	require.NoError(t, err)
	rec, err := e.DecodeRecord(res)
	require.NoError(t, err)
	require.Equal(t, "20", string(rec))
}

// TestDuplicateOrderingRoundTrip mirrors spec §8 scenario 3 "Duplicate
// ordering": insert v1, append v2 as a duplicate, then insert v0 ahead of
// everything via DuplicateFirst; a cursor stepping through the key's
// duplicates must see v0, v1, v2 in that order.
func TestDuplicateOrderingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e, err := env.Create(filepath.Join(dir, "store.db"), testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	require.NoError(t, e.Insert([]byte("k"), []byte("v2"), btree.Duplicate))
	require.NoError(t, e.Insert([]byte("k"), []byte("v0"), btree.Duplicate|btree.DuplicateFirst))

	c := e.NewCursor(1)
	defer c.Close()
	require.NoError(t, c.Find([]byte("k"), btree.FindExact))

	for _, want := range []string{"v0", "v1", "v2"} {
		rec, err := c.Record()
		require.NoError(t, err)
		require.Equal(t, want, string(rec))
		if want != "v2" {
			require.NoError(t, c.MoveNext())
		}
	}
}

func TestManyKeysSurviveCompactAndCheck(t *testing.T) {
	dir := t.TempDir()
	e, err := env.Create(filepath.Join(dir, "store.db"), testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 40; i++ {
		k := []byte{byte(i)}
		require.NoError(t, e.Put(k, []byte("v")))
	}
	require.NoError(t, e.Check())
	require.NoError(t, e.Compact())
	require.NoError(t, e.Check())
}
