package extkey_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/extkey"
)

func TestInsertThenGet(t *testing.T) {
	c := extkey.New(4)
	c.Insert(100, []byte("overflow body"))

	body, ok := c.Get(100)
	require.True(t, ok)
	require.Equal(t, []byte("overflow body"), body)
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := extkey.New(4)
	_, ok := c.Get(999)
	require.False(t, ok)
}

func TestEvictsOldestOnCapacity(t *testing.T) {
	c := extkey.New(2)
	c.Insert(1, []byte("a"))
	c.Insert(2, []byte("b"))
	c.Get(1) // bump 1's age so 2 is now the oldest
	c.Insert(3, []byte("c"))

	_, ok := c.Get(2)
	require.False(t, ok, "entry 2 should have been evicted")

	_, ok = c.Get(1)
	require.True(t, ok)
	_, ok = c.Get(3)
	require.True(t, ok)
}

func TestRemoveDropsEntry(t *testing.T) {
	c := extkey.New(4)
	c.Insert(5, []byte("x"))
	c.Remove(5)
	_, ok := c.Get(5)
	require.False(t, ok)
}
