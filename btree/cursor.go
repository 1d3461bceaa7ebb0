package btree

import (
	"github.com/pkg/errors"

	"github.com/relaydb/pagestore/blob"
	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/page"
)

// State is exactly one of NIL, Coupled, or Uncoupled (spec §4.6 "Cursor").
type State int

const (
	StateNil State = iota
	StateCoupled
	StateUncoupled
)

// Cursor couples to a specific (leaf page, slot) when possible, falling
// back to an uncoupled heap copy of its key when the underlying slot can no
// longer be trusted (e.g. across a restructure). Duplicate position is
// tracked separately from the key (spec §4.6).
type Cursor struct {
	id    uint64
	bt    *Btree
	state State

	pageAddr page.Address
	slot     int

	key []byte // owned copy, valid when Uncoupled

	dupeID    int
	hasDupeID bool
}

// NewCursor allocates a fresh NIL cursor bound to bt, registering it under
// id so restructures can find and uncouple it.
func (b *Btree) NewCursor(id uint64) *Cursor {
	c := &Cursor{id: id, bt: b, state: StateNil}
	b.cursors[id] = c
	return c
}

// State reports the cursor's current coupling.
func (c *Cursor) State() State { return c.state }

// couple pins (addr, slot) and registers the cursor on that page's
// intrusive cursor list.
func (c *Cursor) couple(addr page.Address, slot int) {
	if c.state == StateCoupled && c.pageAddr != addr {
		if n, err := c.bt.fetch(c.pageAddr); err == nil {
			n.Page().RemoveCursor(c.id)
		}
	}
	c.pageAddr = addr
	c.slot = slot
	c.state = StateCoupled
	if n, err := c.bt.fetch(addr); err == nil {
		n.Page().AddCursor(c.id)
	}
}

// uncouple converts a COUPLED cursor into an UNCOUPLED one that owns a copy
// of its current key, used right before any split/merge/shift touches the
// page it's pinned to (spec §4.6, invariant: "cursors uncoupled before any
// restructure").
func (c *Cursor) uncouple() error {
	if c.state != StateCoupled {
		return nil
	}
	n, err := c.bt.fetch(c.pageAddr)
	if err != nil {
		return err
	}
	key, err := c.bt.resolveKey(n.EntryAt(c.slot))
	if err != nil {
		return err
	}
	c.key = append([]byte(nil), key...)
	c.state = StateUncoupled
	return nil
}

// recouple re-resolves an UNCOUPLED cursor's key to a fresh (page, slot)
// after a lookup. Nothing in the package calls it; Move and Find call couple
// directly.
func (c *Cursor) recouple(addr page.Address, slot int) {
	c.couple(addr, slot)
}

// uncoupleCursorsOn converts every cursor registered on addr's page to
// UNCOUPLED, called before that page is split, merged, or shifted.
func (b *Btree) uncoupleCursorsOn(addr page.Address) error {
	n, err := b.fetch(addr)
	if err != nil {
		return err
	}
	for _, id := range n.Page().Cursors() {
		if c, ok := b.cursors[id]; ok {
			if err := c.uncouple(); err != nil {
				return err
			}
		}
		n.Page().RemoveCursor(id)
	}
	return nil
}

// Move repositions the cursor: Find re-resolves its key via a fresh descent
// (spec §4.6 "move/find").
func (c *Cursor) MoveFirst() error {
	addr := c.bt.root
	for {
		n, err := c.bt.fetch(addr)
		if err != nil {
			return err
		}
		if n.IsLeaf() {
			if n.Count() == 0 {
				return errors.Wrapf(common.ErrKeyNotFound, "empty database")
			}
			return c.landOnSlot(addr, 0)
		}
		addr = n.PtrLeft()
	}
}

func (c *Cursor) MoveLast() error {
	addr := c.bt.root
	for {
		n, err := c.bt.fetch(addr)
		if err != nil {
			return err
		}
		if n.IsLeaf() {
			if n.Count() == 0 {
				return errors.Wrapf(common.ErrKeyNotFound, "empty database")
			}
			return c.landOnSlot(addr, n.Count()-1)
		}
		if n.Count() == 0 {
			addr = n.PtrLeft()
			continue
		}
		addr = page.Address(n.EntryAt(n.Count() - 1).Ptr)
	}
}

// landOnSlot couples to (addr, slot) and resets the duplicate position to
// the key's first duplicate (or clears it, if the slot has none).
func (c *Cursor) landOnSlot(addr page.Address, slot int) error {
	n, err := c.bt.fetch(addr)
	if err != nil {
		return err
	}
	c.couple(addr, slot)
	c.dupeID, c.hasDupeID = 0, n.EntryAt(slot).HasDuplicates()
	return nil
}

// landOnLastDupe couples to (addr, slot), positioned at the key's last
// duplicate, for backward traversal entering a slot from the right.
func (c *Cursor) landOnLastDupe(addr page.Address, slot int) error {
	n, err := c.bt.fetch(addr)
	if err != nil {
		return err
	}
	e := n.EntryAt(slot)
	c.couple(addr, slot)
	if !e.HasDuplicates() {
		c.dupeID, c.hasDupeID = 0, false
		return nil
	}
	count, err := c.bt.blobs.DuplicateCount(e.Ptr)
	if err != nil {
		return err
	}
	c.dupeID, c.hasDupeID = count-1, true
	return nil
}

// MoveNext advances to the next duplicate of the current key, then the next
// key, crossing to the right sibling when at the end of the current leaf
// (spec §4.6 "step to next slot... step through dupes unless
// SKIP_DUPLICATES"). Use MoveNextSkipDuplicates to step over a key's
// remaining duplicates in one move.
func (c *Cursor) MoveNext() error {
	if c.state == StateNil {
		return c.MoveFirst()
	}
	n, err := c.bt.fetch(c.pageAddr)
	if err != nil {
		return err
	}
	e := n.EntryAt(c.slot)
	if e.HasDuplicates() {
		count, err := c.bt.blobs.DuplicateCount(e.Ptr)
		if err != nil {
			return err
		}
		if c.DupeIndex()+1 < count {
			c.dupeID, c.hasDupeID = c.DupeIndex()+1, true
			return nil
		}
	}
	return c.moveNextSlot(n)
}

// MoveNextSkipDuplicates advances to the next key without visiting the
// current key's remaining duplicates (spec §4.6 "SKIP_DUPLICATES").
func (c *Cursor) MoveNextSkipDuplicates() error {
	if c.state == StateNil {
		return c.MoveFirst()
	}
	n, err := c.bt.fetch(c.pageAddr)
	if err != nil {
		return err
	}
	return c.moveNextSlot(n)
}

func (c *Cursor) moveNextSlot(n *Node) error {
	if c.slot+1 < n.Count() {
		return c.landOnSlot(c.pageAddr, c.slot+1)
	}
	right := n.RightSibling()
	if right == 0 {
		c.state = StateNil
		return errors.Wrapf(common.ErrKeyNotFound, "no next key")
	}
	return c.landOnSlot(right, 0)
}

// MoveNextOnlyDuplicates advances within the current key's duplicate table
// without crossing to another key (spec §4.6 "ONLY_DUPLICATES").
func (c *Cursor) MoveNextOnlyDuplicates() error {
	if c.state != StateCoupled {
		return errors.Wrap(common.ErrCursorIsNil, "cursor has no position")
	}
	n, err := c.bt.fetch(c.pageAddr)
	if err != nil {
		return err
	}
	e := n.EntryAt(c.slot)
	if !e.HasDuplicates() {
		return errors.Wrapf(common.ErrKeyNotFound, "no more duplicates")
	}
	count, err := c.bt.blobs.DuplicateCount(e.Ptr)
	if err != nil {
		return err
	}
	if c.DupeIndex()+1 >= count {
		return errors.Wrapf(common.ErrKeyNotFound, "no more duplicates")
	}
	c.dupeID, c.hasDupeID = c.DupeIndex()+1, true
	return nil
}

// MovePrevious retreats to the previous duplicate of the current key, then
// the previous key, crossing to the left sibling when at the start of the
// current leaf (spec §4.6, mirrored). Use MovePreviousSkipDuplicates to step
// back over a key's duplicates in one move.
func (c *Cursor) MovePrevious() error {
	if c.state == StateNil {
		return c.MoveLast()
	}
	n, err := c.bt.fetch(c.pageAddr)
	if err != nil {
		return err
	}
	e := n.EntryAt(c.slot)
	if e.HasDuplicates() && c.DupeIndex() > 0 {
		c.dupeID, c.hasDupeID = c.DupeIndex()-1, true
		return nil
	}
	return c.movePreviousSlot(n)
}

// MovePreviousSkipDuplicates retreats to the previous key without visiting
// the current key's remaining duplicates (spec §4.6 "SKIP_DUPLICATES").
func (c *Cursor) MovePreviousSkipDuplicates() error {
	if c.state == StateNil {
		return c.MoveLast()
	}
	n, err := c.bt.fetch(c.pageAddr)
	if err != nil {
		return err
	}
	return c.movePreviousSlot(n)
}

func (c *Cursor) movePreviousSlot(n *Node) error {
	if c.slot > 0 {
		return c.landOnLastDupe(c.pageAddr, c.slot-1)
	}
	left := n.LeftSibling()
	if left == 0 {
		c.state = StateNil
		return errors.Wrapf(common.ErrKeyNotFound, "no previous key")
	}
	ln, err := c.bt.fetch(left)
	if err != nil {
		return err
	}
	return c.landOnLastDupe(left, ln.Count()-1)
}

// MovePreviousOnlyDuplicates retreats within the current key's duplicate
// table without crossing to another key (spec §4.6 "ONLY_DUPLICATES").
func (c *Cursor) MovePreviousOnlyDuplicates() error {
	if c.state != StateCoupled {
		return errors.Wrap(common.ErrCursorIsNil, "cursor has no position")
	}
	n, err := c.bt.fetch(c.pageAddr)
	if err != nil {
		return err
	}
	e := n.EntryAt(c.slot)
	if !e.HasDuplicates() || c.DupeIndex() == 0 {
		return errors.Wrapf(common.ErrKeyNotFound, "no more duplicates")
	}
	c.dupeID, c.hasDupeID = c.DupeIndex()-1, true
	return nil
}

// Find repositions the cursor onto key, honoring the same approximate-match
// flags as Btree.Find.
func (c *Cursor) Find(key []byte, flags FindFlag) error {
	res, err := c.bt.Find(key, flags)
	if err != nil {
		c.state = StateNil
		return err
	}
	c.couple(res.Page, res.Slot)
	c.dupeID, c.hasDupeID = 0, res.Entry.HasDuplicates()
	return nil
}

// Key returns the cursor's current logical key.
func (c *Cursor) Key() ([]byte, error) {
	switch c.state {
	case StateCoupled:
		n, err := c.bt.fetch(c.pageAddr)
		if err != nil {
			return nil, err
		}
		return c.bt.resolveKey(n.EntryAt(c.slot))
	case StateUncoupled:
		return c.key, nil
	default:
		return nil, errors.Wrap(common.ErrCursorIsNil, "cursor has no position")
	}
}

// Record returns the record bytes at the cursor's current position,
// resolving the duplicate-position if one is set.
func (c *Cursor) Record() ([]byte, error) {
	if c.state != StateCoupled {
		return nil, errors.Wrap(common.ErrCursorIsNil, "cursor has no position")
	}
	n, err := c.bt.fetch(c.pageAddr)
	if err != nil {
		return nil, err
	}
	e := n.EntryAt(c.slot)
	if !e.HasDuplicates() {
		return c.bt.decodeRecord(e)
	}
	entry, err := c.bt.blobs.DuplicateAt(e.Ptr, c.DupeIndex())
	if err != nil {
		return nil, err
	}
	return c.bt.decodeRecord(Entry{Ptr: entry.RID, Flags: entry.Flags})
}

// DupeIndex returns the cursor's current 0-based duplicate position.
func (c *Cursor) DupeIndex() int {
	if !c.hasDupeID {
		return 0
	}
	return c.dupeID
}

// SetDupeIndex repositions the cursor within the current key's duplicate
// table.
func (c *Cursor) SetDupeIndex(i int) { c.dupeID, c.hasDupeID = i, true }

// Overwrite replaces the record of the current slot, or of the current
// duplicate if the slot holds a duplicate table, routing through the blob
// manager's overwrite/free protocol so the previous allocation isn't leaked
// (spec §4.6 "overwrite(record, flags): replaces the record of the current
// slot (or of the current dupe)").
func (c *Cursor) Overwrite(value []byte) error {
	if c.state != StateCoupled {
		return errors.Wrap(common.ErrCursorIsNil, "cursor has no position")
	}
	n, err := c.bt.fetch(c.pageAddr)
	if err != nil {
		return err
	}
	e := n.EntryAt(c.slot)

	if e.HasDuplicates() {
		old, err := c.bt.blobs.DuplicateAt(e.Ptr, c.DupeIndex())
		if err != nil {
			return err
		}
		ptr, flags, err := c.bt.replaceRecord(old.Flags, old.RID, value)
		if err != nil {
			return err
		}
		tableID, err := c.bt.blobs.ReplaceDuplicate(e.Ptr, c.DupeIndex(), blob.DupeEntry{Flags: flags, RID: ptr})
		if err != nil {
			return err
		}
		e.Ptr = tableID
		n.SetEntryAt(c.slot, e)
		n.Page().MarkDirty()
		return nil
	}

	ptr, flags, err := c.bt.replaceRecord(e.Flags, e.Ptr, value)
	if err != nil {
		return err
	}
	e.Ptr = ptr
	e.Flags = (e.Flags &^ (FlagTiny | FlagSmall | FlagEmpty)) | flags
	n.SetEntryAt(c.slot, e)
	n.Page().MarkDirty()
	return nil
}

// InsertDuplicate inserts a new duplicate record for the cursor's current
// key, positioned relative to the cursor's current duplicate index (spec
// §4.4 "INSERT_BEFORE"/"INSERT_AFTER"; spec §4.5 "HAM_DUPLICATE converts the
// slot into (or extends) a duplicate table"). The slot must already carry at
// least one record; use Btree.Insert with the Duplicate flag to create the
// first duplicate.
func (c *Cursor) InsertDuplicate(value []byte, pos blob.DuplicatePosition) error {
	if c.state != StateCoupled {
		return errors.Wrap(common.ErrCursorIsNil, "cursor has no position")
	}
	n, err := c.bt.fetch(c.pageAddr)
	if err != nil {
		return err
	}
	e := n.EntryAt(c.slot)
	if !e.HasDuplicates() {
		return errors.Wrapf(common.ErrInvalidParameter, "cursor key has no duplicate table")
	}

	ptr, recFlags, err := c.bt.encodeRecord(value)
	if err != nil {
		return err
	}
	tableID, err := c.bt.blobs.InsertDuplicate(e.Ptr, blob.DupeEntry{Flags: recFlags, RID: ptr}, pos, c.DupeIndex())
	if err != nil {
		return err
	}
	e.Ptr = tableID
	n.SetEntryAt(c.slot, e)
	n.Page().MarkDirty()

	switch pos {
	case blob.InsertBefore:
		// the new entry now occupies the cursor's former index
	case blob.InsertAfter:
		c.dupeID, c.hasDupeID = c.DupeIndex()+1, true
	case blob.InsertFirst:
		c.dupeID, c.hasDupeID = 0, true
	case blob.InsertLast:
		count, err := c.bt.blobs.DuplicateCount(tableID)
		if err != nil {
			return err
		}
		c.dupeID, c.hasDupeID = count-1, true
	}
	return nil
}

// Erase removes the key the cursor is positioned on.
func (c *Cursor) Erase() error {
	key, err := c.Key()
	if err != nil {
		return err
	}
	if err := c.bt.Erase(key); err != nil {
		return err
	}
	c.state = StateNil
	return nil
}

// Clone returns an independent copy of the cursor at the same position.
func (c *Cursor) Clone(newID uint64) *Cursor {
	clone := c.bt.NewCursor(newID)
	clone.state = c.state
	clone.pageAddr = c.pageAddr
	clone.slot = c.slot
	clone.key = append([]byte(nil), c.key...)
	clone.dupeID, clone.hasDupeID = c.dupeID, c.hasDupeID
	if clone.state == StateCoupled {
		if n, err := c.bt.fetch(clone.pageAddr); err == nil {
			n.Page().AddCursor(clone.id)
		}
	}
	return clone
}

// Close detaches the cursor from whatever page it's pinned to and drops its
// registration.
func (c *Cursor) Close() {
	c.bt.cache.RemoveCursor(c.id)
	delete(c.bt.cursors, c.id)
	c.state = StateNil
}
