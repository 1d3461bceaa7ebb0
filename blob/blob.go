// Package blob implements variable-length record storage: the blob
// manager allocates, reads, overwrites and frees payloads that don't fit
// inline in a btree entry, plus the duplicate tables that back
// HAS_DUPLICATES keys (spec §3 "Blob header", "Duplicate table"; §4.4).
package blob

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/relaydb/pagestore/cache"
	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/device"
	"github.com/relaydb/pagestore/freelist"
	"github.com/relaydb/pagestore/page"
)

// HeaderSize is the on-disk size of a blob header: blobid, allocated_size,
// real_size, user_size (all u64) plus a u32 flags field (spec §6).
const HeaderSize = 8 + 8 + 8 + 8 + 4

// SmallestChunk is the minimum leftover worth returning to the freelist
// rather than left as internal padding (spec §4.4: "sizeof(offset) +
// sizeof(header) + 1").
const SmallestChunk = 8 + HeaderSize + 1

const (
	offBlobID        = 0
	offAllocatedSize = 8
	offRealSize      = 16
	offUserSize      = 24
	offFlags         = 32
)

type header struct {
	blobID        uint64
	allocatedSize uint64
	realSize      uint64
	userSize      uint64
	flags         uint32
}

func (h *header) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[offBlobID:], h.blobID)
	binary.LittleEndian.PutUint64(buf[offAllocatedSize:], h.allocatedSize)
	binary.LittleEndian.PutUint64(buf[offRealSize:], h.realSize)
	binary.LittleEndian.PutUint64(buf[offUserSize:], h.userSize)
	binary.LittleEndian.PutUint32(buf[offFlags:], h.flags)
}

func decodeHeader(buf []byte) header {
	return header{
		blobID:        binary.LittleEndian.Uint64(buf[offBlobID:]),
		allocatedSize: binary.LittleEndian.Uint64(buf[offAllocatedSize:]),
		realSize:      binary.LittleEndian.Uint64(buf[offRealSize:]),
		userSize:      binary.LittleEndian.Uint64(buf[offUserSize:]),
		flags:         binary.LittleEndian.Uint32(buf[offFlags:]),
	}
}

// Manager allocates, reads, overwrites and frees blobs, routing small
// payloads through the freelist/cache and large ones directly to the
// device (spec §4.4 "Storage strategy").
type Manager struct {
	dev      device.Device
	c        *cache.Cache
	fl       *freelist.Freelist
	pageSize int
	inMemory bool

	// heap backs in-memory-database blobs, keyed by a synthetic id, since an
	// in-memory store has no file offsets to use as blob ids (spec §4.4
	// "In-memory DB: blobid is a heap pointer").
	heap   map[uint64][]byte
	nextID uint64
}

// New constructs a Manager. fl may be nil, in which case small allocations
// always fall back to extending the file via the cache.
func New(dev device.Device, c *cache.Cache, fl *freelist.Freelist, pageSize int, inMemory bool) *Manager {
	m := &Manager{dev: dev, c: c, fl: fl, pageSize: pageSize, inMemory: inMemory}
	if inMemory {
		m.heap = make(map[uint64][]byte)
	}
	return m
}

// smallThreshold is the cutoff below which a payload is eligible for the
// freelist/cache path rather than a standalone direct-I/O run (spec §4.4:
// "size + header < pagesize/3").
func (m *Manager) smallThreshold() uint64 {
	return uint64(m.pageSize) / 3
}

// Allocate stores data and returns its blob id.
func (m *Manager) Allocate(data []byte) (uint64, error) {
	if m.inMemory {
		return m.allocateHeap(data)
	}

	size := uint64(len(data))
	total := size + HeaderSize
	if total < m.smallThreshold() {
		return m.allocateSmall(data)
	}
	return m.allocateLarge(data)
}

func (m *Manager) allocateHeap(data []byte) (uint64, error) {
	m.nextID++
	id := m.nextID
	buf := make([]byte, len(data))
	copy(buf, data)
	m.heap[id] = buf
	return id, nil
}

// allocateSmall requests space from the freelist; if none is free, it
// allocates a fresh header-less blob page from the cache and returns the
// unused tail to the freelist (spec §4.4).
func (m *Manager) allocateSmall(data []byte) (uint64, error) {
	size := uint64(len(data))
	total := size + HeaderSize

	var offset uint64
	if m.fl != nil {
		off, err := m.fl.AllocArea(total, false)
		if err != nil {
			return 0, err
		}
		offset = off
	}

	if offset == 0 {
		p, err := m.c.Alloc(page.TypeBlob, true)
		if err != nil {
			return 0, err
		}
		offset = uint64(p.Self())
		tailStart := offset + total
		tailSize := uint64(m.pageSize) - total
		if m.fl != nil && tailSize >= SmallestChunk {
			if err := m.fl.AddArea(tailStart, tailSize); err != nil {
				return 0, err
			}
		}
		return m.writeThroughCache(p, offset, data, total)
	}

	return offset, m.writeDirect(offset, data, total)
}

// writeThroughCache writes the header+payload into a header-less page
// already resident via the cache (its payload is raw blob bytes) and flushes
// the page at once, since Read, Overwrite and Free go straight to the device
// (spec §4.4 "Chunked writes").
func (m *Manager) writeThroughCache(p *page.Page, offset uint64, data []byte, total uint64) (uint64, error) {
	h := header{blobID: offset, allocatedSize: total, realSize: uint64(len(data)), userSize: uint64(len(data))}
	buf := p.Payload()
	h.encode(buf)
	copy(buf[HeaderSize:], data)
	m.c.MarkDirty(p)
	if err := m.c.Flush(p); err != nil {
		return 0, err
	}
	return offset, nil
}

func (m *Manager) writeDirect(offset uint64, data []byte, total uint64) error {
	buf := make([]byte, total)
	h := header{blobID: offset, allocatedSize: total, realSize: uint64(len(data)), userSize: uint64(len(data))}
	h.encode(buf)
	copy(buf[HeaderSize:], data)
	return m.dev.Write(int64(offset), buf)
}

// allocateLarge seeks to the end of the file, truncates up to the next page
// boundary, and writes directly through Device, bypassing the cache (spec
// §4.4 "Disk DB, large payload").
func (m *Manager) allocateLarge(data []byte) (uint64, error) {
	size := uint64(len(data))
	total := size + HeaderSize

	offset, err := m.dev.SeekEnd()
	if err != nil {
		return 0, err
	}
	paddedTotal := roundUpPage(total, uint64(m.pageSize))
	if err := m.dev.Truncate(offset + int64(paddedTotal)); err != nil {
		return 0, err
	}

	buf := make([]byte, paddedTotal)
	h := header{blobID: uint64(offset), allocatedSize: paddedTotal, realSize: size, userSize: size}
	h.encode(buf)
	copy(buf[HeaderSize:], data)
	if err := m.dev.Write(offset, buf); err != nil {
		return 0, err
	}

	pad := paddedTotal - total
	if m.fl != nil && pad >= SmallestChunk {
		if err := m.fl.AddArea(uint64(offset)+total, pad); err != nil {
			return 0, err
		}
	}
	return uint64(offset), nil
}

func roundUpPage(n, pageSize uint64) uint64 {
	if pageSize == 0 {
		return n
	}
	rem := n % pageSize
	if rem == 0 {
		return n
	}
	return n + (pageSize - rem)
}

// Read loads the full payload for blobID.
func (m *Manager) Read(blobID uint64) ([]byte, error) {
	if m.inMemory {
		buf, ok := m.heap[blobID]
		if !ok {
			return nil, errors.Wrapf(common.ErrBlobNotFound, "blob %d", blobID)
		}
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}

	hdrBuf := make([]byte, HeaderSize)
	raw, err := m.dev.Read(int64(blobID), int(HeaderSize))
	if err != nil {
		return nil, errors.Wrapf(err, "blob: read header at %d", blobID)
	}
	copy(hdrBuf, raw)
	h := decodeHeader(hdrBuf)
	if h.blobID != blobID {
		return nil, errors.Wrapf(common.ErrBlobNotFound, "blob %d: header self-id mismatch (%d)", blobID, h.blobID)
	}

	body, err := m.dev.Read(int64(blobID)+int64(HeaderSize), int(h.userSize))
	if err != nil {
		return nil, errors.Wrapf(err, "blob: read body at %d", blobID)
	}
	return body, nil
}

// Overwrite replaces the payload of blobID. If the new size fits within the
// existing allocation, it writes in place and returns any sizeable leftover
// to the freelist; otherwise it frees the old range and allocates fresh
// (spec §4.4 "Overwrite").
func (m *Manager) Overwrite(blobID uint64, data []byte) (uint64, error) {
	if m.inMemory {
		if err := m.Free(blobID); err != nil {
			return 0, err
		}
		return m.allocateHeap(data)
	}

	hdrBuf, err := m.dev.Read(int64(blobID), HeaderSize)
	if err != nil {
		return 0, errors.Wrapf(err, "blob: overwrite read header at %d", blobID)
	}
	h := decodeHeader(hdrBuf)
	if h.blobID != blobID {
		return 0, errors.Wrapf(common.ErrBlobNotFound, "blob %d: header self-id mismatch", blobID)
	}

	newSize := uint64(len(data))
	newTotal := newSize + HeaderSize
	if newTotal <= h.allocatedSize {
		buf := make([]byte, h.allocatedSize)
		nh := header{blobID: blobID, allocatedSize: h.allocatedSize, realSize: newSize, userSize: newSize}
		nh.encode(buf)
		copy(buf[HeaderSize:], data)
		if err := m.dev.Write(int64(blobID), buf); err != nil {
			return 0, err
		}
		remainder := h.allocatedSize - newTotal
		if m.fl != nil && remainder >= SmallestChunk {
			if err := m.fl.AddArea(blobID+newTotal, remainder); err != nil {
				return 0, err
			}
		}
		return blobID, nil
	}

	if err := m.Free(blobID); err != nil {
		return 0, err
	}
	return m.Allocate(data)
}

// Free returns blobID's range to the freelist (or drops it from the heap for
// in-memory databases). On disk it first zeroes the header's self-id, so a
// later Read of blobID fails with ErrBlobNotFound.
func (m *Manager) Free(blobID uint64) error {
	if m.inMemory {
		if _, ok := m.heap[blobID]; !ok {
			return errors.Wrapf(common.ErrBlobNotFound, "blob %d", blobID)
		}
		delete(m.heap, blobID)
		return nil
	}

	hdrBuf, err := m.dev.Read(int64(blobID), HeaderSize)
	if err != nil {
		return errors.Wrapf(err, "blob: free read header at %d", blobID)
	}
	h := decodeHeader(hdrBuf)
	if h.blobID != blobID {
		return errors.Wrapf(common.ErrBlobNotFound, "blob %d: header self-id mismatch", blobID)
	}
	if err := m.dev.Write(int64(blobID), make([]byte, 8)); err != nil {
		return errors.Wrapf(err, "blob: free clear header at %d", blobID)
	}
	if m.fl == nil {
		return nil
	}
	return m.fl.AddArea(blobID, h.allocatedSize)
}
