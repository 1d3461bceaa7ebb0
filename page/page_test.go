package page_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/page"
)

func TestPageTypeAndFlagsRoundTrip(t *testing.T) {
	p := page.New(4096, 4096, page.TypeBIndex)
	require.Equal(t, page.TypeBIndex, p.Type())
	require.False(t, p.IsDirty())

	p.MarkDirty()
	require.True(t, p.IsDirty())
	p.ClearDirty()
	require.False(t, p.IsDirty())
}

func TestPagePinUnpin(t *testing.T) {
	p := page.New(4096, 4096, page.TypeBIndex)
	require.Zero(t, p.Refcount())
	p.Pin()
	p.Pin()
	require.Equal(t, 2, p.Refcount())
	p.Unpin()
	require.Equal(t, 1, p.Refcount())
}

func TestNoHeaderPagePayloadIsWholePage(t *testing.T) {
	p := page.NewNoHeader(8192, 128)
	require.True(t, p.HasNoHeader())
	require.Len(t, p.Payload(), 128)
}

func TestFileHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := page.NewFileHeader(4096, 4)
	h.Slots[0] = page.DirectorySlot{
		Name:     1,
		MaxKeys:  64,
		KeySize:  16,
		RootPage: 4096,
		Flags:    0,
		Recno:    7,
	}

	buf := h.Encode(4096)
	decoded, err := page.DecodeFileHeader(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(4096), decoded.PageSize)
	require.Equal(t, uint16(4), decoded.MaxDBs)
	require.Equal(t, h.Slots[0], decoded.Slots[0])
}

func TestDecodeFileHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 4096)
	_, err := page.DecodeFileHeader(buf)
	require.Error(t, err)
}
