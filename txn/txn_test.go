package txn_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/cache"
	"github.com/relaydb/pagestore/device"
	"github.com/relaydb/pagestore/journal"
	"github.com/relaydb/pagestore/page"
	"github.com/relaydb/pagestore/txn"
)

func newManager(t *testing.T) (*txn.Manager, *cache.Cache) {
	t.Helper()
	dev := device.NewMemoryDevice()
	require.NoError(t, dev.Create(""))
	require.NoError(t, dev.Truncate(256))
	c := cache.New(dev, 256, 64, nil)

	j, err := journal.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	return txn.NewManager(j, c, nil), c
}

func TestCommitReleasesTrackedPages(t *testing.T) {
	mgr, c := newManager(t)

	p, err := c.Alloc(page.TypeBIndex, false)
	require.NoError(t, err)

	tx, err := mgr.Begin(0)
	require.NoError(t, err)
	tx.Track(p)
	require.Equal(t, 1, p.Refcount())

	require.NoError(t, tx.LogInsert([]byte("a"), []byte("1"), 0, 0, 0))
	require.NoError(t, tx.Commit())
	require.Equal(t, 0, p.Refcount())
	require.Equal(t, 0, mgr.ActiveCount())
}

func TestAbortInvalidatesTrackedPages(t *testing.T) {
	mgr, c := newManager(t)

	p, err := c.Alloc(page.TypeBIndex, false)
	require.NoError(t, err)
	addr := p.Self()

	tx, err := mgr.Begin(0)
	require.NoError(t, err)
	tx.Track(p)
	require.NoError(t, tx.LogInsert([]byte("a"), []byte("1"), 0, 0, 0))
	require.NoError(t, tx.Abort())

	reloaded, err := c.Fetch(addr, 0)
	require.NoError(t, err)
	require.NotSame(t, p, reloaded)
}

func TestDoubleCommitFails(t *testing.T) {
	mgr, _ := newManager(t)
	tx, err := mgr.Begin(0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Error(t, tx.Commit())
}

func TestRunImplicitAbortsOnError(t *testing.T) {
	mgr, _ := newManager(t)
	sentinel := require.New(t)

	err := mgr.RunImplicit(0, func(tx *txn.Transaction) error {
		require.NoError(t, tx.LogInsert([]byte("k"), []byte("v"), 0, 0, 0))
		return assertErr
	})
	sentinel.ErrorIs(err, assertErr)
	sentinel.Equal(0, mgr.ActiveCount())
}

func TestRunImplicitCommitsOnSuccess(t *testing.T) {
	mgr, _ := newManager(t)
	err := mgr.RunImplicit(0, func(tx *txn.Transaction) error {
		return tx.LogInsert([]byte("k"), []byte("v"), 0, 0, 0)
	})
	require.NoError(t, err)
	require.Equal(t, 0, mgr.ActiveCount())
}

var assertErr = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
