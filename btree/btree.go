package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/relaydb/pagestore/blob"
	"github.com/relaydb/pagestore/cache"
	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/extkey"
	"github.com/relaydb/pagestore/page"
)

// Insert flags (spec §4.5 "Insert").
type InsertFlag uint32

const (
	// Overwrite replaces the record in place when the key already exists.
	Overwrite InsertFlag = 1 << iota
	// Duplicate converts the slot into (or extends) a duplicate table
	// instead of failing with a conflict.
	Duplicate
	// DuplicateFirst, combined with Duplicate, inserts the new record ahead
	// of every existing duplicate instead of appending it last (spec §4.4
	// "INSERT_FIRST").
	DuplicateFirst
)

// Find flags: approximate-match direction, resolved and corrected by Find
// (spec §4.5 "Find").
type FindFlag uint32

const (
	FindExact FindFlag = 0
	FindLT    FindFlag = 1 << iota
	FindGT
)

// Config carries everything a Btree needs beyond the shared cache: the
// logical key inline capacity, comparator, and whether this index runs in
// record-number mode (spec §4.5 "Record-number mode").
type Config struct {
	InlineKeySize int
	Comparator    Comparator
	RecordNumber  bool
}

// DefaultConfig returns sane defaults: a 16-byte inline key capacity and
// lexicographic ordering (generalizes the teacher's btree.DefaultConfig,
// which fixed page fanout rather than key layout).
func DefaultConfig() Config {
	return Config{InlineKeySize: 16, Comparator: DefaultComparator}
}

// Btree is the paged B+tree: root descent, split/merge/shift, find/insert/
// erase, integrity check, and enumeration (spec §4.5).
type Btree struct {
	cache   *cache.Cache
	blobs   *blob.Manager
	extkeys *extkey.Cache
	log     *zap.SugaredLogger

	root page.Address
	cfg  Config

	lastRecno uint64

	cursors map[uint64]*Cursor

	// freePage returns an emptied page's space to the freelist. Wired by
	// the environment once it owns both the btree and the freelist; nil
	// during standalone use (the page is simply dropped from the cache).
	freePage func(page.Address) error
}

// SetFreePageFunc wires the callback used to return emptied pages (from a
// merge or root collapse) to the freelist.
func (b *Btree) SetFreePageFunc(f func(page.Address) error) { b.freePage = f }

// New constructs a Btree rooted at root (0 meaning "not yet created";
// callers must then call CreateRoot).
func New(c *cache.Cache, blobs *blob.Manager, extkeys *extkey.Cache, root page.Address, cfg Config, log *zap.SugaredLogger) *Btree {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Comparator == nil {
		cfg.Comparator = DefaultComparator
	}
	return &Btree{cache: c, blobs: blobs, extkeys: extkeys, root: root, cfg: cfg, log: log, cursors: make(map[uint64]*Cursor)}
}

// CreateRoot allocates a fresh empty leaf page as the tree's root.
func (b *Btree) CreateRoot() (page.Address, error) {
	p, err := b.cache.Alloc(page.TypeBRoot, false)
	if err != nil {
		return 0, err
	}
	InitNode(p, b.cfg.InlineKeySize, true)
	b.root = p.Self()
	return b.root, nil
}

// Root returns the current root page address.
func (b *Btree) Root() page.Address { return b.root }

func (b *Btree) fetch(addr page.Address) (*Node, error) {
	p, err := b.cache.Fetch(addr, 0)
	if err != nil {
		return nil, err
	}
	return WrapNode(p, b.cfg.InlineKeySize), nil
}

// resolveKey returns the entry's full logical key, reading the overflow
// blob (through the extended-key cache) when the entry is IS_EXTENDED
// (spec §3 "Extended-key overflow").
func (b *Btree) resolveKey(e Entry) ([]byte, error) {
	if !e.IsExtended() {
		return e.Key, nil
	}
	if len(e.Key) < 8 {
		return nil, errors.New("btree: extended entry's inline area is too small for an overflow blob id")
	}
	blobID := binary.LittleEndian.Uint64(e.Key[len(e.Key)-8:])
	prefix := e.Key[:len(e.Key)-8]

	if b.extkeys != nil {
		if body, ok := b.extkeys.Get(blobID); ok {
			return append(append([]byte{}, prefix...), body...), nil
		}
	}
	body, err := b.blobs.Read(blobID)
	if err != nil {
		return nil, errors.Wrap(err, "btree: read extended key body")
	}
	if b.extkeys != nil {
		b.extkeys.Insert(blobID, body)
	}
	return append(append([]byte{}, prefix...), body...), nil
}

// makeKeyEntry builds the Ptr/KeySize/Flags/Key fields for storing key,
// overflowing to a blob when it exceeds the inline capacity minus the 8
// bytes reserved for the overflow blob id (spec §3 "Extended-key
// overflow").
func (b *Btree) makeKeyEntry(key []byte) (flags uint8, inline []byte, err error) {
	cap := b.InlineKeyCapacity()
	if len(key) <= cap {
		inline = make([]byte, cap)
		copy(inline, key)
		return 0, inline, nil
	}

	prefixLen := cap - 8
	if prefixLen < 0 {
		return 0, nil, errors.New("btree: inline key capacity too small to hold an overflow blob id")
	}
	blobID, err := b.blobs.Allocate(key[prefixLen:])
	if err != nil {
		return 0, nil, err
	}
	inline = make([]byte, cap)
	copy(inline, key[:prefixLen])
	binary.LittleEndian.PutUint64(inline[prefixLen:], blobID)
	return FlagExtended, inline, nil
}

// InlineKeyCapacity is the number of key bytes the tree stores inline
// before overflowing to a blob.
func (b *Btree) InlineKeyCapacity() int { return b.cfg.InlineKeySize }

// encodeRecord packs a record's bytes into an entry's Ptr field, inlining
// TINY (<=7 bytes)/SMALL (==8 bytes)/EMPTY records and otherwise allocating
// a blob (spec §3 "Internal key").
func (b *Btree) encodeRecord(value []byte) (ptr uint64, flags uint8, err error) {
	switch {
	case len(value) == 0:
		return 0, FlagEmpty, nil
	case len(value) <= 7:
		var buf [8]byte
		copy(buf[:], value)
		buf[7] = byte(len(value))
		return binary.LittleEndian.Uint64(buf[:]), FlagTiny, nil
	case len(value) == 8:
		return binary.LittleEndian.Uint64(value), FlagSmall, nil
	default:
		id, err := b.blobs.Allocate(value)
		return id, 0, err
	}
}

// replaceRecord computes the (ptr, flags) pair for overwriting a record
// currently encoded as (oldFlags, oldPtr) with value, routing through the
// blob manager's read-old-header/in-place-or-reallocate protocol whenever a
// blob survives or is needed, so the old allocation is never silently
// leaked (spec §3 "overwritten with a non-inlineable value, at which point
// their range is returned to the freelist"; spec §4.4 "Overwrite"). oldFlags
// uses the same Tiny/Small/Empty bit positions whether it comes from an
// Entry or a duplicate-table entry (spec §3 "Internal key").
func (b *Btree) replaceRecord(oldFlags uint8, oldPtr uint64, value []byte) (ptr uint64, flags uint8, err error) {
	oldIsBlob := oldFlags&(FlagTiny|FlagSmall|FlagEmpty) == 0
	newNeedsBlob := len(value) > 8

	switch {
	case oldIsBlob && newNeedsBlob:
		id, err := b.blobs.Overwrite(oldPtr, value)
		return id, 0, err
	case oldIsBlob:
		if err := b.blobs.Free(oldPtr); err != nil {
			return 0, 0, err
		}
		return b.encodeRecord(value)
	default:
		return b.encodeRecord(value)
	}
}

// DecodeRecord reverses encodeRecord, reading the blob for non-inlined
// records. Exported so callers holding a FindResult can resolve its record
// without re-finding it through a Cursor.
func (b *Btree) DecodeRecord(e Entry) ([]byte, error) {
	return b.decodeRecord(e)
}

func (b *Btree) decodeRecord(e Entry) ([]byte, error) {
	switch {
	case e.Flags&FlagEmpty != 0:
		return nil, nil
	case e.Flags&FlagTiny != 0:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], e.Ptr)
		n := int(buf[7])
		return append([]byte{}, buf[:n]...), nil
	case e.Flags&FlagSmall != 0:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], e.Ptr)
		return buf[:], nil
	default:
		return b.blobs.Read(e.Ptr)
	}
}

// traverseTree descends from node to the leaf that would contain key,
// recording the (node, slot-taken) path for use by insert/erase (spec §4.5
// "Traversal. traverse_tree(node, key) -> (child, slot)").
type pathStep struct {
	node *Node
	slot int // slot chosen to descend through; -1 means ptr_left
}

func (b *Btree) traverseToLeaf(key []byte) ([]pathStep, error) {
	var path []pathStep
	addr := b.root
	for {
		n, err := b.fetch(addr)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf() {
			path = append(path, pathStep{node: n, slot: -1})
			return path, nil
		}
		slot, child, err := b.childFor(n, key)
		if err != nil {
			return nil, err
		}
		path = append(path, pathStep{node: n, slot: slot})
		addr = child
	}
}

// childFor binary-searches for the largest slot whose key <= lookup key and
// descends that slot's ptr, or ptr_left if every slot's key is greater. This
// follows the layout split and newRoot build: ptr_left holds the keys below
// entries[0], and entries[i].ptr holds the keys from entries[i].key up to the
// next slot's key.
func (b *Btree) childFor(n *Node, key []byte) (slot int, child page.Address, err error) {
	count := n.Count()
	lo, hi := 0, count-1
	result := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		full, err := b.resolveKey(n.EntryAt(mid))
		if err != nil {
			return 0, 0, err
		}
		c := b.cfg.Comparator(full, key)
		if c == 0 {
			result = mid
			break
		}
		if c < 0 {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if result == -1 {
		return -1, n.PtrLeft(), nil
	}
	return result, page.Address(n.EntryAt(result).Ptr), nil
}

// leafSearch binary-searches a leaf for key, spec §4.5 "Find". On an exact
// hit it returns that slot with exact=true; otherwise it returns the largest
// slot whose key is smaller than key, or -1 if there is none.
func (b *Btree) leafSearch(n *Node, key []byte) (slot int, exact bool, err error) {
	count := n.Count()
	lo, hi := 0, count-1
	result := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		full, ferr := b.resolveKey(n.EntryAt(mid))
		if ferr != nil {
			return 0, false, ferr
		}
		c := b.cfg.Comparator(full, key)
		if c == 0 {
			return mid, true, nil
		}
		if c < 0 {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result, false, nil
}

// FindResult is what Find returns: the resolved entry, its home page and
// slot, and whether it was an exact, LT, or GT match.
type FindResult struct {
	Entry   Entry
	Page    page.Address
	Slot    int
	Matched uint8 // ResultIsLT / ResultIsGT, 0 if exact
}

// Find descends to a leaf and resolves the entry for key under flags,
// crossing sibling pages when an approximate match requires it (spec §4.5
// "Find").
func (b *Btree) Find(key []byte, flags FindFlag) (FindResult, error) {
	path, err := b.traverseToLeaf(key)
	if err != nil {
		return FindResult{}, err
	}
	leaf := path[len(path)-1].node

	slot, exact, err := b.leafSearch(leaf, key)
	if err != nil {
		return FindResult{}, err
	}

	if exact && flags == FindExact {
		return FindResult{Entry: leaf.EntryAt(slot), Page: leaf.Page().Self(), Slot: slot}, nil
	}
	if exact {
		// An exact hit still needs correcting if the caller demanded a
		// strict LT/GT relation.
		if flags&FindGT != 0 {
			return b.stepForward(leaf, slot)
		}
		if flags&FindLT != 0 {
			return b.stepBackward(leaf, slot)
		}
		return FindResult{Entry: leaf.EntryAt(slot), Page: leaf.Page().Self(), Slot: slot}, nil
	}

	if flags == FindExact {
		return FindResult{}, errors.Wrapf(common.ErrKeyNotFound, "key not found")
	}

	// slot is the largest index whose key < lookup key (or -1 if none).
	if flags&FindGT != 0 {
		return b.stepForwardFrom(leaf, slot+1)
	}
	return b.stepBackwardFrom(leaf, slot)
}

func (b *Btree) stepForward(n *Node, slot int) (FindResult, error) {
	return b.stepForwardFrom(n, slot+1)
}

func (b *Btree) stepForwardFrom(n *Node, slot int) (FindResult, error) {
	for {
		if slot < n.Count() {
			return FindResult{Entry: n.EntryAt(slot), Page: n.Page().Self(), Slot: slot, Matched: ResultIsGT}, nil
		}
		right := n.RightSibling()
		if right == 0 {
			return FindResult{}, errors.Wrapf(common.ErrKeyNotFound, "no key greater than lookup")
		}
		var err error
		n, err = b.fetch(right)
		if err != nil {
			return FindResult{}, err
		}
		slot = 0
	}
}

func (b *Btree) stepBackward(n *Node, slot int) (FindResult, error) {
	return b.stepBackwardFrom(n, slot-1)
}

func (b *Btree) stepBackwardFrom(n *Node, slot int) (FindResult, error) {
	for {
		if slot >= 0 {
			return FindResult{Entry: n.EntryAt(slot), Page: n.Page().Self(), Slot: slot, Matched: ResultIsLT}, nil
		}
		left := n.LeftSibling()
		if left == 0 {
			return FindResult{}, errors.Wrapf(common.ErrKeyNotFound, "no key smaller than lookup")
		}
		var err error
		n, err = b.fetch(left)
		if err != nil {
			return FindResult{}, err
		}
		slot = n.Count() - 1
	}
}

// NextRecno generates the next record number for HAM_RECORD_NUMBER mode
// (spec §4.5 "Record-number mode").
func (b *Btree) NextRecno() uint64 {
	b.lastRecno++
	return b.lastRecno
}

func encodeRecno(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:]
}
