// Package page implements the fixed-size unit of I/O the rest of the engine
// operates on: a persistent header plus payload, with additional in-memory
// state (owner, refcount, dirty bit, cursor list, age) that never reaches
// disk (spec §3 "Page").
package page

import "encoding/binary"

// Address is a page's byte offset within the backing device. Address 0 is
// reserved for the file header page.
type Address uint64

// Persistent page types (spec §3 "Page").
const (
	TypeHeader    uint16 = 1 // page 0, the file header
	TypeBRoot     uint16 = 2 // btree root page
	TypeBIndex    uint16 = 3 // btree index (internal or leaf) page
	TypeBlob      uint16 = 4 // blob payload page
	TypeFreelist  uint16 = 5 // freelist bitmap page
)

// Persistent flags, stored in the page header.
const (
	FlagNone uint16 = 0
)

// In-memory-only flags ("npers" in the spec — non-persistent). NoHeader
// marks a page whose payload starts at offset 0 because it holds raw blob
// bytes rather than a btree node (spec §3, §4.4 chunked writes).
const (
	NpersNoHeader uint32 = 1 << iota
	NpersDirty
)

const (
	// HeaderSize is the persistent header carried by every page except raw
	// NO_HEADER blob pages (spec §6: "12-byte persistent header").
	HeaderSize = 12

	headerOffsetFlags    = 0
	headerOffsetType     = 2
	headerOffsetReserved = 4
)

// Page is the in-memory representation of one fixed-size unit of I/O.
type Page struct {
	self Address // file offset this page occupies
	size int

	data []byte // full page payload, HeaderSize bytes of persistent header included unless NpersNoHeader

	refcount int    // pin count; > 0 forbids eviction (spec invariant 6)
	dirty    bool
	npers    uint32
	age      uint64 // bumped on every cache access, used for LRU-ish eviction

	cursors map[uint64]struct{} // intrusive cursor list, keyed by cursor id
}

// New allocates a fresh zeroed page of the given size at address self.
func New(self Address, size int, typ uint16) *Page {
	p := &Page{
		self:    self,
		size:    size,
		data:    make([]byte, size),
		cursors: make(map[uint64]struct{}),
	}
	p.setFlags(FlagNone)
	p.setType(typ)
	return p
}

// NewNoHeader allocates a page whose payload starts at offset 0 — used for
// raw blob storage pages that the cache still tracks for pinning purposes
// (spec §4.2 "header-less pages").
func NewNoHeader(self Address, size int) *Page {
	p := &Page{
		self:    self,
		size:    size,
		data:    make([]byte, size),
		npers:   NpersNoHeader,
		cursors: make(map[uint64]struct{}),
	}
	return p
}

// Load wraps raw bytes read from the device as a Page.
func Load(self Address, raw []byte) *Page {
	p := &Page{
		self:    self,
		size:    len(raw),
		data:    append([]byte(nil), raw...),
		cursors: make(map[uint64]struct{}),
	}
	return p
}

func (p *Page) Self() Address { return p.self }
func (p *Page) Size() int     { return p.size }
func (p *Page) Data() []byte  { return p.data }

func (p *Page) HasNoHeader() bool { return p.npers&NpersNoHeader != 0 }

// Payload returns the mutable region of the page available to the node/blob
// layer above the persistent header (or the whole page, for NO_HEADER pages).
func (p *Page) Payload() []byte {
	if p.HasNoHeader() {
		return p.data
	}
	return p.data[HeaderSize:]
}

func (p *Page) Flags() uint16 {
	if p.HasNoHeader() {
		return 0
	}
	return binary.LittleEndian.Uint16(p.data[headerOffsetFlags:])
}

func (p *Page) setFlags(f uint16) {
	binary.LittleEndian.PutUint16(p.data[headerOffsetFlags:], f)
}

func (p *Page) Type() uint16 {
	if p.HasNoHeader() {
		return TypeBlob
	}
	return binary.LittleEndian.Uint16(p.data[headerOffsetType:])
}

func (p *Page) setType(t uint16) {
	binary.LittleEndian.PutUint16(p.data[headerOffsetType:], t)
}

func (p *Page) IsDirty() bool { return p.dirty }

func (p *Page) MarkDirty() {
	p.dirty = true
	p.npers |= NpersDirty
}

func (p *Page) ClearDirty() {
	p.dirty = false
	p.npers &^= NpersDirty
}

// Pin/Unpin implement the reference-counted pinning described in spec §4.2:
// "Pinning is reference-counted; unpin is mandatory on every exit path."
func (p *Page) Pin()   { p.refcount++ }
func (p *Page) Unpin() {
	if p.refcount > 0 {
		p.refcount--
	}
}
func (p *Page) Refcount() int { return p.refcount }

func (p *Page) Age() uint64      { return p.age }
func (p *Page) Touch(age uint64) { p.age = age }

// AddCursor/RemoveCursor maintain the intrusive cursor list a restructure
// (split/merge/shift) must uncouple before touching this page (spec §4.6).
func (p *Page) AddCursor(id uint64)    { p.cursors[id] = struct{}{} }
func (p *Page) RemoveCursor(id uint64) { delete(p.cursors, id) }
func (p *Page) Cursors() []uint64 {
	ids := make([]uint64, 0, len(p.cursors))
	for id := range p.cursors {
		ids = append(ids, id)
	}
	return ids
}
