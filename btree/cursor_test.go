package btree_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/btree"
)

func TestCursorMoveFirstNext(t *testing.T) {
	bt := newTestTree(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, bt.Insert([]byte(fmt.Sprintf("k%d", i)), []byte("v"), 0))
	}

	c := bt.NewCursor(1)
	defer c.Close()

	require.NoError(t, c.MoveFirst())
	key, err := c.Key()
	require.NoError(t, err)
	require.Equal(t, "k0", string(key))

	for i := 1; i < 5; i++ {
		require.NoError(t, c.MoveNext())
		key, err := c.Key()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("k%d", i), string(key))
	}

	err = c.MoveNext()
	require.Error(t, err)
}

func TestCursorSurvivesSplitViaUncouple(t *testing.T) {
	bt := newTestTree(t)
	require.NoError(t, bt.Insert([]byte("k0"), []byte("v0"), 0))

	c := bt.NewCursor(2)
	defer c.Close()
	require.NoError(t, c.Find([]byte("k0"), btree.FindExact))
	require.Equal(t, btree.StateCoupled, c.State())

	for i := 1; i < 40; i++ {
		require.NoError(t, bt.Insert([]byte(fmt.Sprintf("k%02d", i)), []byte("v"), 0))
	}

	key, err := c.Key()
	require.NoError(t, err)
	require.Equal(t, "k0", string(key))
}

func TestCursorEraseRemovesKey(t *testing.T) {
	bt := newTestTree(t)
	require.NoError(t, bt.Insert([]byte("a"), []byte("1"), 0))
	require.NoError(t, bt.Insert([]byte("b"), []byte("2"), 0))

	c := bt.NewCursor(3)
	defer c.Close()
	require.NoError(t, c.Find([]byte("a"), btree.FindExact))
	require.NoError(t, c.Erase())

	_, err := bt.Find([]byte("a"), btree.FindExact)
	require.Error(t, err)
}

func TestCursorCloneIsIndependent(t *testing.T) {
	bt := newTestTree(t)
	require.NoError(t, bt.Insert([]byte("a"), []byte("1"), 0))
	require.NoError(t, bt.Insert([]byte("b"), []byte("2"), 0))

	c := bt.NewCursor(4)
	defer c.Close()
	require.NoError(t, c.Find([]byte("a"), btree.FindExact))

	clone := c.Clone(5)
	defer clone.Close()
	require.NoError(t, clone.MoveNext())

	origKey, err := c.Key()
	require.NoError(t, err)
	cloneKey, err := clone.Key()
	require.NoError(t, err)

	require.Equal(t, "a", string(origKey))
	require.Equal(t, "b", string(cloneKey))
}
