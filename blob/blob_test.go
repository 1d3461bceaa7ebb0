package blob_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/blob"
	"github.com/relaydb/pagestore/cache"
	"github.com/relaydb/pagestore/device"
)

func newManager(t *testing.T, pageSize int) *blob.Manager {
	t.Helper()
	dev := device.NewMemoryDevice()
	require.NoError(t, dev.Create(""))
	require.NoError(t, dev.Truncate(int64(pageSize)))
	c := cache.New(dev, pageSize, 32, nil)
	return blob.New(dev, c, nil, pageSize, false)
}

func TestAllocateReadRoundTripSmall(t *testing.T) {
	m := newManager(t, 4096)

	id, err := m.Allocate([]byte("hello world"))
	require.NoError(t, err)

	got, err := m.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

func TestAllocateReadRoundTripLarge(t *testing.T) {
	m := newManager(t, 256)
	payload := make([]byte, 1024) // exceeds pagesize/3, forces the direct path
	for i := range payload {
		payload[i] = byte(i)
	}

	id, err := m.Allocate(payload)
	require.NoError(t, err)

	got, err := m.Read(id)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestOverwriteInPlaceWhenSmaller(t *testing.T) {
	m := newManager(t, 4096)

	id, err := m.Allocate([]byte("0123456789"))
	require.NoError(t, err)

	newID, err := m.Overwrite(id, []byte("short"))
	require.NoError(t, err)
	require.Equal(t, id, newID)

	got, err := m.Read(newID)
	require.NoError(t, err)
	require.Equal(t, []byte("short"), got)
}

func TestOverwriteRelocatesWhenLarger(t *testing.T) {
	m := newManager(t, 4096)

	id, err := m.Allocate([]byte("x"))
	require.NoError(t, err)

	bigger := make([]byte, 512)
	newID, err := m.Overwrite(id, bigger)
	require.NoError(t, err)

	got, err := m.Read(newID)
	require.NoError(t, err)
	require.Equal(t, bigger, got)
}

func TestFreeThenReadFails(t *testing.T) {
	m := newManager(t, 4096)
	id, err := m.Allocate([]byte("gone"))
	require.NoError(t, err)
	require.NoError(t, m.Free(id))

	_, err = m.Read(id)
	require.Error(t, err)
}

func TestInMemoryManagerRoundTrip(t *testing.T) {
	dev := device.NewMemoryDevice()
	require.NoError(t, dev.Create(""))
	m := blob.New(dev, nil, nil, 4096, true)

	id, err := m.Allocate([]byte("memory"))
	require.NoError(t, err)
	got, err := m.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("memory"), got)

	require.NoError(t, m.Free(id))
	_, err = m.Read(id)
	require.Error(t, err)
}

func TestDuplicateTableInsertAndRemove(t *testing.T) {
	m := newManager(t, 4096)

	recID, err := m.Allocate([]byte("record-a"))
	require.NoError(t, err)

	tableID, err := m.CreateDuplicateTable(blob.DupeEntry{RID: recID})
	require.NoError(t, err)

	recB, err := m.Allocate([]byte("record-b"))
	require.NoError(t, err)
	tableID, err = m.InsertDuplicate(tableID, blob.DupeEntry{RID: recB}, blob.InsertLast, 0)
	require.NoError(t, err)

	count, err := m.DuplicateCount(tableID)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	entry, err := m.DuplicateAt(tableID, 1)
	require.NoError(t, err)
	require.Equal(t, recB, entry.RID)

	tableID, empty, err := m.RemoveDuplicate(tableID, 0)
	require.NoError(t, err)
	require.False(t, empty)

	count, err = m.DuplicateCount(tableID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestReplaceDuplicateFreesOldBlob(t *testing.T) {
	m := newManager(t, 4096)

	recID, err := m.Allocate([]byte("record-a"))
	require.NoError(t, err)
	tableID, err := m.CreateDuplicateTable(blob.DupeEntry{RID: recID})
	require.NoError(t, err)

	newRec, err := m.Allocate([]byte("record-replaced"))
	require.NoError(t, err)
	tableID, err = m.ReplaceDuplicate(tableID, 0, blob.DupeEntry{RID: newRec})
	require.NoError(t, err)

	entry, err := m.DuplicateAt(tableID, 0)
	require.NoError(t, err)
	require.Equal(t, newRec, entry.RID)

	_, err = m.Read(recID)
	require.Error(t, err)
}
