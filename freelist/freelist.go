// Package freelist recycles deallocated file space. It tracks free byte
// ranges as a chain of bitmap pages, each bit representing one CHUNKSIZE-byte
// chunk of the backing file, and hints future allocations with per-page,
// per-size-bucket statistics (spec §3 "Freelist", §4.3).
package freelist

import (
	"github.com/pkg/errors"

	"github.com/relaydb/pagestore/cache"
	"github.com/relaydb/pagestore/page"
)

// ChunkSize is the bitmap's alignment unit in bytes.
const ChunkSize = 32

// SlotSpread is the number of logarithmic size buckets statistics are kept
// for (spec §3 "Freelist page statistics").
const SlotSpread = 12

// HighWaterMark bounds the per-bucket counters; crossing it triggers a
// rescale (spec §4.3 "Statistics rescale").
const HighWaterMark = 0x7FFFFFFF

// Mode selects the allocation-hinting strategy (spec §4.3, "DAM" in the
// glossary).
type Mode int

const (
	ModeRandomWrite Mode = iota
	ModeSequentialInsert
	ModeFast
)

// bucketFor maps a chunk count to one of SlotSpread logarithmic buckets: 1
// chunk falls in bucket 0, 2 in bucket 1, 4 in bucket 2, and so on, capping
// at the top bucket for anything larger (grounded on
// full_freelist.h's HAM_FREELIST_SLOT_SPREAD comment).
func bucketFor(chunks uint32) int {
	b := 0
	for n := chunks; n > 1; n >>= 1 {
		b++
	}
	if b >= SlotSpread {
		b = SlotSpread - 1
	}
	return b
}

type slotStats struct {
	firstStart uint32
	scanCount  uint32
	okScanCount uint32
	failCount  uint32
}

// pageEntry is the in-memory shadow of one freelist page's bitmap plus its
// persisted statistics block.
type pageEntry struct {
	addr          page.Address
	startAddress  uint64 // file offset the first bit of this page's bitmap represents
	maxBits       uint32
	allocatedBits uint32 // bits currently set (i.e. in use)
	bitmap        []byte

	perSize        [SlotSpread]slotStats
	lastStart      uint32
	insertCount    uint32
	deleteCount    uint32
	extendCount    uint32
	failCount      uint32
	searchCount    uint32
	rescaleMonitor uint32

	dirty bool
}

func newPageEntry(addr page.Address, startAddress uint64, maxBits uint32) *pageEntry {
	return &pageEntry{
		addr:         addr,
		startAddress: startAddress,
		maxBits:      maxBits,
		bitmap:       make([]byte, (maxBits+7)/8),
	}
}

func (e *pageEntry) bit(i uint32) bool {
	return e.bitmap[i/8]&(1<<(i%8)) != 0
}

func (e *pageEntry) setBit(i uint32, v bool) {
	if v {
		e.bitmap[i/8] |= 1 << (i % 8)
	} else {
		e.bitmap[i/8] &^= 1 << (i % 8)
	}
}

// findRun looks for sizeBits consecutive clear bits starting at or after
// start, respecting alignment if requested. Returns -1 if no run fits.
func (e *pageEntry) findRun(start uint32, sizeBits uint32, aligned bool) int {
	i := start
	for i+sizeBits <= e.maxBits {
		if aligned && i%sizeBits != 0 {
			i++
			continue
		}
		run := uint32(0)
		for run < sizeBits && !e.bit(i+run) {
			run++
		}
		if run == sizeBits {
			return int(i)
		}
		i += run + 1
	}
	return -1
}

func (e *pageEntry) markUsed(start, sizeBits uint32) {
	for i := uint32(0); i < sizeBits; i++ {
		e.setBit(start+i, true)
	}
	e.allocatedBits += sizeBits
	e.dirty = true
}

func (e *pageEntry) markFree(start, sizeBits uint32) {
	for i := uint32(0); i < sizeBits; i++ {
		e.setBit(start+i, false)
	}
	if e.allocatedBits >= sizeBits {
		e.allocatedBits -= sizeBits
	}
	e.dirty = true
}

func (e *pageEntry) recordHit(bucket int, start uint32) {
	s := &e.perSize[bucket]
	s.scanCount++
	s.okScanCount++
	s.firstStart = start
	e.lastStart = start
	e.insertCount++
	e.bumpRescale()
}

func (e *pageEntry) recordMiss(bucket int) {
	s := &e.perSize[bucket]
	s.scanCount++
	s.failCount++
	e.failCount++
	e.bumpRescale()
}

// bumpRescale implements spec §4.3's "Statistics rescale": whenever the
// monitor approaches HighWaterMark, every counter in the page is divided by
// 256 using round-up-preserve-nonzero so ratios survive and nothing
// saturates.
func (e *pageEntry) bumpRescale() {
	e.rescaleMonitor++
	if e.rescaleMonitor < HighWaterMark/2 {
		return
	}
	rescale := func(v uint32) uint32 {
		if v == 0 {
			return 0
		}
		r := v / 256
		if r == 0 {
			return 1
		}
		return r
	}
	for i := range e.perSize {
		s := &e.perSize[i]
		s.scanCount = rescale(s.scanCount)
		s.okScanCount = rescale(s.okScanCount)
		s.failCount = rescale(s.failCount)
	}
	e.insertCount = rescale(e.insertCount)
	e.deleteCount = rescale(e.deleteCount)
	e.extendCount = rescale(e.extendCount)
	e.failCount = rescale(e.failCount)
	e.searchCount = rescale(e.searchCount)
	e.rescaleMonitor = rescale(e.rescaleMonitor)
}

// Freelist tracks free byte ranges across a chain of bitmap pages and
// satisfies cache.Allocator so the page cache can pull fresh page addresses
// from it before falling back to extending the file.
type Freelist struct {
	c        *cache.Cache
	pageSize int
	mode     Mode

	entries []*pageEntry

	firstPageWithFree [SlotSpread]int // index into entries, -1 if unknown
}

// New constructs an empty Freelist. Pages are added to its chain with
// AddPage; nothing is read back from disk on open.
func New(c *cache.Cache, pageSize int, mode Mode) *Freelist {
	fl := &Freelist{c: c, pageSize: pageSize, mode: mode}
	for i := range fl.firstPageWithFree {
		fl.firstPageWithFree[i] = -1
	}
	return fl
}

// AddPage registers a freshly allocated freelist page covering the chunk
// range [startAddress, startAddress+maxBits*ChunkSize).
func (fl *Freelist) AddPage(addr page.Address, startAddress uint64, maxBits uint32) {
	fl.entries = append(fl.entries, newPageEntry(addr, startAddress, maxBits))
}

func sizeToChunks(size uint64) uint32 {
	return uint32((size + ChunkSize - 1) / ChunkSize)
}

// AllocArea implements spec §4.3: "return an offset whose size bytes are now
// marked used. If aligned, offset must be page-aligned." It returns 0 on
// failure — the caller (typically the Cache) must then extend the file.
func (fl *Freelist) AllocArea(size uint64, aligned bool) (uint64, error) {
	if size == 0 {
		return 0, errors.New("freelist: zero-size allocation")
	}
	sizeBits := sizeToChunks(size)
	bucket := bucketFor(sizeBits)

	pageAlignBits := uint32(0)
	if aligned && fl.pageSize > 0 {
		pageAlignBits = uint32(fl.pageSize / ChunkSize)
	}

	start := fl.hintedStart(bucket)
	for idx := start; idx < len(fl.entries); idx++ {
		e := fl.entries[idx]
		wantAligned := aligned && pageAlignBits > 0
		runSizeBits := sizeBits
		alignUnit := runSizeBits
		if wantAligned {
			alignUnit = pageAlignBits
		}
		pos := e.findRun(0, runSizeBits, wantAligned && alignUnit == runSizeBits)
		if wantAligned && alignUnit != runSizeBits {
			// Alignment granularity differs from the request size (e.g. a
			// page-aligned but sub-page allocation); scan manually for a
			// position that is both free and a multiple of alignUnit.
			pos = -1
			for p := uint32(0); p+runSizeBits <= e.maxBits; p += alignUnit {
				if fl.runIsFree(e, p, runSizeBits) {
					pos = int(p)
					break
				}
			}
		}
		if pos < 0 {
			e.recordMiss(bucket)
			continue
		}
		e.markUsed(uint32(pos), sizeBits)
		e.recordHit(bucket, uint32(pos))
		fl.firstPageWithFree[bucket] = idx
		return e.startAddress + uint64(pos)*ChunkSize, nil
	}
	return 0, nil
}

func (fl *Freelist) runIsFree(e *pageEntry, start, sizeBits uint32) bool {
	for i := uint32(0); i < sizeBits; i++ {
		if e.bit(start + i) {
			return false
		}
	}
	return true
}

// hintedStart returns the index into fl.entries to begin scanning from,
// preferring the last page known to have free space for this bucket (spec
// §4.3 "the known first-page-with-free-space for that bucket").
func (fl *Freelist) hintedStart(bucket int) int {
	if fl.mode == ModeRandomWrite {
		return 0
	}
	if idx := fl.firstPageWithFree[bucket]; idx >= 0 && idx < len(fl.entries) {
		return idx
	}
	return 0
}

// AddArea marks a previously allocated range as free again (spec §4.3
// "add_area"). The range must lie entirely within one tracked freelist page.
func (fl *Freelist) AddArea(offset, size uint64) error {
	sizeBits := sizeToChunks(size)
	for idx, e := range fl.entries {
		if offset < e.startAddress {
			continue
		}
		rel := offset - e.startAddress
		if rel%ChunkSize != 0 {
			return errors.Errorf("freelist: offset %d is not chunk-aligned", offset)
		}
		startBit := uint32(rel / ChunkSize)
		if startBit+sizeBits > e.maxBits {
			continue
		}
		e.markFree(startBit, sizeBits)
		e.deleteCount++
		bucket := bucketFor(sizeBits)
		fl.firstPageWithFree[bucket] = idx
		return nil
	}
	return errors.Errorf("freelist: no tracked page covers offset %d", offset)
}

// AllocPage satisfies cache.Allocator: a page-aligned allocation of exactly
// one page (spec §4.3 "alloc_page").
func (fl *Freelist) AllocPage() (page.Address, error) {
	off, err := fl.AllocArea(uint64(fl.pageSize), true)
	if err != nil {
		return 0, err
	}
	return page.Address(off), nil
}

// AllocSpan allocates a run spanning multiple freelist pages for payloads
// larger than one page's bitmap can address ("huge blobs", spec §4.3
// "page_span_width > 1"). It uses a Boyer-Moore-style probe: check the last
// page of each candidate span first, and skip the whole span on a miss.
func (fl *Freelist) AllocSpan(totalSize uint64, pagesNeeded int) (uint64, error) {
	if pagesNeeded <= 1 {
		return fl.AllocArea(totalSize, true)
	}
	chunksPerPage := uint32(fl.pageSize / ChunkSize)
	span := uint32(pagesNeeded) * chunksPerPage

	for idx := 0; idx+pagesNeeded <= len(fl.entries); idx++ {
		last := fl.entries[idx+pagesNeeded-1]
		if last.allocatedBits > 0 {
			// Last page of the candidate span has something resident;
			// every span that contains it is occupied, so skip past it.
			idx += pagesNeeded - 1
			continue
		}
		ok := true
		for j := 0; j < pagesNeeded; j++ {
			if fl.entries[idx+j].allocatedBits > 0 {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for j := 0; j < pagesNeeded; j++ {
			e := fl.entries[idx+j]
			e.markUsed(0, chunksPerPage)
		}
		_ = span
		return fl.entries[idx].startAddress, nil
	}
	return 0, nil
}

// Stats reports the coarse per-bucket hinting counters, mainly for tests and
// diagnostics.
type Stats struct {
	ScanCount   uint32
	OkScanCount uint32
	FailCount   uint32
}

// BucketStats aggregates statistics for one size bucket across every
// tracked page.
func (fl *Freelist) BucketStats(bucket int) Stats {
	var s Stats
	for _, e := range fl.entries {
		ps := e.perSize[bucket]
		s.ScanCount += ps.scanCount
		s.OkScanCount += ps.okScanCount
		s.FailCount += ps.failCount
	}
	return s
}

// PageCount reports the number of tracked freelist pages.
func (fl *Freelist) PageCount() int { return len(fl.entries) }
