// Package btree implements the paged B+tree: the on-page node layout,
// traversal, split/merge/shift, find/insert/erase, integrity checking,
// enumeration, and the cursor family that survives restructuring (spec §3
// "Btree node", §4.5, §4.6).
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/relaydb/pagestore/page"
)

// Persistent entry flags (spec §3 "Internal key (int_key_t)").
const (
	FlagTiny          uint8 = 1 << 0 // record <= 7 bytes, stored inline in ptr
	FlagSmall         uint8 = 1 << 1 // record exactly 8 bytes, stored in ptr
	FlagEmpty         uint8 = 1 << 2 // zero-length record
	FlagExtended      uint8 = 1 << 3 // key body overflows into a blob
	FlagHasDuplicates uint8 = 1 << 4 // ptr points at a duplicate table blob
)

// Non-persistent slot flags, attached to a find() result rather than stored
// on disk (spec §4.5 "Find").
const (
	ResultIsLT uint8 = 1 << 0
	ResultIsGT uint8 = 1 << 1
)

const (
	nodeFlagLeaf = 1 << 0

	nodeHeaderOff     = 0
	nodeHeaderFlags   = nodeHeaderOff + 0
	nodeHeaderCount   = nodeHeaderOff + 2
	nodeHeaderLeft    = nodeHeaderOff + 4
	nodeHeaderRight   = nodeHeaderOff + 12
	nodeHeaderPtrLeft = nodeHeaderOff + 20

	// NodeHeaderSize is the fixed portion of a btree node's payload, ahead
	// of the packed entry array (spec §3 "Btree node (page payload)").
	NodeHeaderSize = 28

	// EntryOverhead is the fixed per-slot header: ptr (u64), keysize (u16),
	// flags (u8), reserved (u8) — ahead of the inline key bytes (spec §3
	// "Each entry slot occupies overhead + keysize bytes").
	EntryOverhead = 8 + 2 + 1 + 1

	entryOffPtr     = 0
	entryOffKeySize = 8
	entryOffFlags   = 10
	entryOffReserved = 11
	entryOffKey     = EntryOverhead
)

// Entry is the decoded form of one node slot.
type Entry struct {
	Ptr     uint64 // child page address (internal), blob id, or inline record bytes
	KeySize uint16 // logical key length; may exceed the inline key capacity
	Flags   uint8
	Key     []byte // inline key bytes, length == inline capacity (or KeySize if shorter)
}

// IsTiny/IsSmall/IsEmpty/IsExtended/HasDuplicates read the persistent flags.
func (e Entry) IsTiny() bool          { return e.Flags&FlagTiny != 0 }
func (e Entry) IsSmall() bool         { return e.Flags&FlagSmall != 0 }
func (e Entry) IsEmpty() bool         { return e.Flags&FlagEmpty != 0 }
func (e Entry) IsExtended() bool      { return e.Flags&FlagExtended != 0 }
func (e Entry) HasDuplicates() bool   { return e.Flags&FlagHasDuplicates != 0 }

// Node wraps a page.Page as a btree node: flags, sibling links, ptr_left,
// and a packed array of fixed-stride entries (spec §3 "Btree node").
type Node struct {
	p        *page.Page
	inlineSz int // configured inline key capacity
	stride   int // EntryOverhead + inlineSz
	maxKeys  int
}

// WrapNode interprets an already-allocated page as a btree node with the
// given inline key capacity.
func WrapNode(p *page.Page, inlineKeySize int) *Node {
	stride := EntryOverhead + inlineKeySize
	payloadLen := len(p.Payload())
	// Insert writes a new entry before it splits an overfull node, so one
	// slot beyond maxKeys stays free for that temporary extra entry.
	maxKeys := (payloadLen-NodeHeaderSize)/stride - 1
	if maxKeys%2 != 0 {
		maxKeys-- // spec §3: "maxkeys ... must be even"
	}
	return &Node{p: p, inlineSz: inlineKeySize, stride: stride, maxKeys: maxKeys}
}

// InitNode formats a freshly allocated page as an empty node.
func InitNode(p *page.Page, inlineKeySize int, leaf bool) *Node {
	n := WrapNode(p, inlineKeySize)
	n.setFlags(boolFlag(leaf))
	n.setCount(0)
	n.SetLeftSibling(0)
	n.SetRightSibling(0)
	n.SetPtrLeft(0)
	return n
}

func boolFlag(leaf bool) uint16 {
	if leaf {
		return nodeFlagLeaf
	}
	return 0
}

func (n *Node) Page() *page.Page { return n.p }
func (n *Node) MaxKeys() int     { return n.maxKeys }
func (n *Node) MinKeys() int     { return n.maxKeys / 2 }

func (n *Node) payload() []byte { return n.p.Payload() }

func (n *Node) flags() uint16 {
	return binary.LittleEndian.Uint16(n.payload()[nodeHeaderFlags:])
}
func (n *Node) setFlags(f uint16) {
	binary.LittleEndian.PutUint16(n.payload()[nodeHeaderFlags:], f)
}

// IsLeaf reports whether this node is a leaf (equivalently, PtrLeft == 0 per
// spec §3, but the flag is authoritative and cheaper to check).
func (n *Node) IsLeaf() bool { return n.flags()&nodeFlagLeaf != 0 }

func (n *Node) Count() int {
	return int(binary.LittleEndian.Uint16(n.payload()[nodeHeaderCount:]))
}
func (n *Node) setCount(c int) {
	binary.LittleEndian.PutUint16(n.payload()[nodeHeaderCount:], uint16(c))
}

func (n *Node) LeftSibling() page.Address {
	return page.Address(binary.LittleEndian.Uint64(n.payload()[nodeHeaderLeft:]))
}
func (n *Node) SetLeftSibling(a page.Address) {
	binary.LittleEndian.PutUint64(n.payload()[nodeHeaderLeft:], uint64(a))
}

func (n *Node) RightSibling() page.Address {
	return page.Address(binary.LittleEndian.Uint64(n.payload()[nodeHeaderRight:]))
}
func (n *Node) SetRightSibling(a page.Address) {
	binary.LittleEndian.PutUint64(n.payload()[nodeHeaderRight:], uint64(a))
}

func (n *Node) PtrLeft() page.Address {
	return page.Address(binary.LittleEndian.Uint64(n.payload()[nodeHeaderPtrLeft:]))
}
func (n *Node) SetPtrLeft(a page.Address) {
	binary.LittleEndian.PutUint64(n.payload()[nodeHeaderPtrLeft:], uint64(a))
}

func (n *Node) slotOffset(i int) int {
	return NodeHeaderSize + i*n.stride
}

// EntryAt decodes the entry at slot i.
func (n *Node) EntryAt(i int) Entry {
	off := n.slotOffset(i)
	buf := n.payload()
	keySize := binary.LittleEndian.Uint16(buf[off+entryOffKeySize:])
	inlineLen := int(keySize)
	if inlineLen > n.inlineSz {
		inlineLen = n.inlineSz
	}
	key := make([]byte, inlineLen)
	copy(key, buf[off+entryOffKey:off+entryOffKey+inlineLen])
	return Entry{
		Ptr:     binary.LittleEndian.Uint64(buf[off+entryOffPtr:]),
		KeySize: keySize,
		Flags:   buf[off+entryOffFlags],
		Key:     key,
	}
}

// SetEntryAt encodes e into slot i.
func (n *Node) SetEntryAt(i int, e Entry) {
	off := n.slotOffset(i)
	buf := n.payload()
	binary.LittleEndian.PutUint64(buf[off+entryOffPtr:], e.Ptr)
	binary.LittleEndian.PutUint16(buf[off+entryOffKeySize:], e.KeySize)
	buf[off+entryOffFlags] = e.Flags
	buf[off+entryOffReserved] = 0
	clear := buf[off+entryOffKey : off+entryOffKey+n.inlineSz]
	for i := range clear {
		clear[i] = 0
	}
	copy(clear, e.Key)
}

// InlineCapacity is the number of key bytes that fit inline before a key
// must overflow to an extended-key blob.
func (n *Node) InlineCapacity() int { return n.inlineSz }

// Search performs a binary search for key against this node's entries,
// returning the smallest slot whose key is >= the lookup key, or -1 if every
// entry's key is smaller (REDESIGN FLAGS: "reproduce the exact tie-break
// (return the smallest slot whose key is >= lookup) rather than translating
// the loop literally").
func (n *Node) Search(key []byte, cmp Comparator) (slot int, exact bool) {
	count := n.Count()
	lo, hi := 0, count-1
	result := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		c := cmp(n.fullKey(mid), key)
		if c == 0 {
			return mid, true
		}
		if c < 0 {
			lo = mid + 1
		} else {
			result = mid
			hi = mid - 1
		}
	}
	return result, false
}

// fullKey returns the entry's logical key, resolving extended-key overflow
// via the node's owning Btree is not available here; callers needing the
// overflow body use Btree.resolveKey instead. This returns the inline prefix,
// sufficient for btrees whose keys never exceed the inline capacity.
func (n *Node) fullKey(slot int) []byte {
	return n.EntryAt(slot).Key
}

// InsertAt shifts slots [i, count) right by one and writes e at i.
func (n *Node) InsertAt(i int, e Entry) {
	count := n.Count()
	for j := count; j > i; j-- {
		n.SetEntryAt(j, n.EntryAt(j-1))
	}
	n.SetEntryAt(i, e)
	n.setCount(count + 1)
	n.p.MarkDirty()
}

// RemoveAt shifts slots (i, count) left by one, dropping slot i.
func (n *Node) RemoveAt(i int) {
	count := n.Count()
	for j := i; j < count-1; j++ {
		n.SetEntryAt(j, n.EntryAt(j+1))
	}
	n.setCount(count - 1)
	n.p.MarkDirty()
}

// Comparator orders two logical keys; bytes.Compare is the default.
type Comparator func(a, b []byte) int

// DefaultComparator orders keys lexicographically.
func DefaultComparator(a, b []byte) int { return bytes.Compare(a, b) }
