package freelist_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/freelist"
)

func newFreelist(t *testing.T, pageSize int, bitmapBits uint32) *freelist.Freelist {
	t.Helper()
	fl := freelist.New(nil, pageSize, freelist.ModeRandomWrite)
	fl.AddPage(4096, 8192, bitmapBits)
	return fl
}

func TestAllocAreaThenAddAreaRoundTrips(t *testing.T) {
	fl := newFreelist(t, 4096, 1024)

	off, err := fl.AllocArea(64, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, off, uint64(8192))

	require.NoError(t, fl.AddArea(off, 64))

	// The range is free again; a second identical request should reuse it.
	off2, err := fl.AllocArea(64, false)
	require.NoError(t, err)
	require.Equal(t, off, off2)
}

func TestAllocAreaDoesNotDoubleAllocate(t *testing.T) {
	fl := newFreelist(t, 4096, 1024)

	a, err := fl.AllocArea(32, false)
	require.NoError(t, err)
	b, err := fl.AllocArea(32, false)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestAllocAreaExhaustionReturnsZero(t *testing.T) {
	fl := newFreelist(t, 4096, 32) // 32 bits == 1024 bytes of space

	_, err := fl.AllocArea(1024, false)
	require.NoError(t, err)

	off, err := fl.AllocArea(32, false)
	require.NoError(t, err)
	require.Zero(t, off)
}

func TestAllocPageReturnsPageAlignedOffset(t *testing.T) {
	fl := newFreelist(t, 4096, 4096/freelist.ChunkSize*4)

	off, err := fl.AllocPage()
	require.NoError(t, err)
	require.NotZero(t, off)
	require.Zero(t, uint64(off)%4096)
}

func TestAddAreaRejectsUnalignedOffset(t *testing.T) {
	fl := newFreelist(t, 4096, 1024)
	err := fl.AddArea(8193, 32)
	require.Error(t, err)
}

func TestBucketStatsTrackHitsAndMisses(t *testing.T) {
	fl := newFreelist(t, 4096, 32)

	_, err := fl.AllocArea(1024, false)
	require.NoError(t, err)
	_, err = fl.AllocArea(32, false) // will miss: page is exhausted
	require.NoError(t, err)

	var total freelist.Stats
	for b := 0; b < freelist.SlotSpread; b++ {
		s := fl.BucketStats(b)
		total.ScanCount += s.ScanCount
		total.OkScanCount += s.OkScanCount
		total.FailCount += s.FailCount
	}
	require.Equal(t, uint32(1), total.OkScanCount)
	require.Equal(t, uint32(1), total.FailCount)
}
