package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/relaydb/pagestore/blob"
	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/page"
)

// Erase removes key from the tree, freeing its record (and extended-key
// blob, if any), then rebalances the path on the way back up (spec §4.5
// "Erase").
func (b *Btree) Erase(key []byte) error {
	path, err := b.traverseToLeaf(key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1].node

	slot, exact, err := b.leafSearch(leaf, key)
	if err != nil {
		return err
	}
	if !exact {
		return errors.Wrapf(common.ErrKeyNotFound, "key not found")
	}

	if err := b.freeEntry(leaf.EntryAt(slot)); err != nil {
		return err
	}
	leaf.RemoveAt(slot)

	return b.rebalance(path)
}

// freeEntry returns an entry's record blob (if not inlined), its possibly
// duplicate-table entries, and its extended-key overflow blob (if any) to
// the freelist (spec §4.5 "freeing blob, extended-key blob, and possibly
// duplicate-table entries as directed").
func (b *Btree) freeEntry(e Entry) error {
	switch {
	case e.HasDuplicates():
		if err := b.freeDuplicateTable(e.Ptr); err != nil {
			return err
		}
	case e.Flags&(FlagTiny|FlagSmall|FlagEmpty) == 0:
		if err := b.blobs.Free(e.Ptr); err != nil {
			return err
		}
	}
	if e.IsExtended() && len(e.Key) >= 8 {
		blobID := binary.LittleEndian.Uint64(e.Key[len(e.Key)-8:])
		if b.extkeys != nil {
			b.extkeys.Remove(blobID)
		}
		if err := b.blobs.Free(blobID); err != nil {
			return err
		}
	}
	return nil
}

// freeDuplicateTable frees every entry's backing blob (inline entries need
// no cleanup) and then the table blob itself.
func (b *Btree) freeDuplicateTable(tableID uint64) error {
	count, err := b.blobs.DuplicateCount(tableID)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		entry, err := b.blobs.DuplicateAt(tableID, i)
		if err != nil {
			return err
		}
		if entry.Flags&(blob.DupeFlagTiny|blob.DupeFlagSmall|blob.DupeFlagEmpty) == 0 {
			if err := b.blobs.Free(entry.RID); err != nil {
				return err
			}
		}
	}
	return b.blobs.Free(tableID)
}

// rebalance walks the path from leaf to root, merging or shifting any node
// that dropped below minkeys, and collapsing the root if it's left with a
// single child (spec §4.5 "Erase... rebalance").
func (b *Btree) rebalance(path []pathStep) error {
	for level := len(path) - 1; level >= 0; level-- {
		n := path[level].node
		isRoot := level == 0

		if isRoot {
			return b.collapseRootIfNeeded(n)
		}

		minkeys := n.MinKeys()
		if b.cfg.RecordNumber && level == len(path)-1 {
			// spec §4.5: "Rebalancing rule is relaxed (leftmost leaf may
			// hold minkeys-1)" for record-number mode.
			minkeys--
		}
		if n.Count() >= minkeys {
			return nil
		}

		parent := path[level-1].node
		parentSlot := path[level-1].slot

		if err := b.rebalanceNode(parent, parentSlot, n); err != nil {
			return err
		}
	}
	return nil
}

// rebalanceNode fetches n's siblings under the same parent and either merges
// n into one of them or shifts entries from the fuller sibling (spec §4.5
// steps 1-3). n hangs off parent slot parentSlot (-1 for ptr_left), so the
// separator with the left sibling is parentSlot and the separator with the
// right sibling is parentSlot+1.
func (b *Btree) rebalanceNode(parent *Node, parentSlot int, n *Node) error {
	var left, right *Node
	var err error
	if addr := n.LeftSibling(); addr != 0 && parentSlot >= 0 {
		left, err = b.fetch(addr)
		if err != nil {
			return err
		}
	}
	if addr := n.RightSibling(); addr != 0 && parentSlot+1 < parent.Count() {
		right, err = b.fetch(addr)
		if err != nil {
			return err
		}
	}

	if err := b.uncoupleCursorsOn(n.Page().Self()); err != nil {
		return err
	}
	if right != nil {
		if err := b.uncoupleCursorsOn(right.Page().Self()); err != nil {
			return err
		}
	}
	if left != nil {
		if err := b.uncoupleCursorsOn(left.Page().Self()); err != nil {
			return err
		}
	}

	switch {
	case right != nil && right.Count() > right.MinKeys():
		return b.shiftFromRight(parent, parentSlot+1, n, right)
	case left != nil && left.Count() > left.MinKeys():
		return b.shiftFromLeft(parent, parentSlot, n, left)
	case right != nil:
		return b.merge(parent, parentSlot+1, n, right, false)
	case left != nil:
		return b.merge(parent, parentSlot, left, n, true)
	default:
		return nil // only child of the root; root collapse handles it
	}
}

// merge appends right's entries onto left (plus the parent's separator for
// internal merges), relinks siblings, and frees the emptied right page
// (spec §4.5 "merge appends the sibling's entries... frees the emptied
// sibling page"). takesLeftAnchor indicates the caller passed (left=sibling,
// right=n) so the parent slot to remove is parentSlot itself.
func (b *Btree) merge(parent *Node, parentSlot int, left, right *Node, takesLeftAnchor bool) error {
	if !left.IsLeaf() {
		// Internal merge: pull down the separator key from the parent as
		// left's new last key, with ptr = right.ptr_left.
		sep := parent.EntryAt(parentSlot)
		left.InsertAt(left.Count(), Entry{Ptr: uint64(right.PtrLeft()), KeySize: sep.KeySize, Flags: sep.Flags, Key: sep.Key})
	}
	for i := 0; i < right.Count(); i++ {
		left.InsertAt(left.Count(), right.EntryAt(i))
	}

	left.SetRightSibling(right.RightSibling())
	if rr := right.RightSibling(); rr != 0 {
		rightRight, err := b.fetch(rr)
		if err != nil {
			return err
		}
		rightRight.SetLeftSibling(left.Page().Self())
	}

	parent.RemoveAt(parentSlot)
	b.cache.Invalidate(right.Page().Self())
	return b.freelistFreePage(right.Page().Self())
}

// freelistFreePage is a seam for returning an emptied page's space; wired
// once the environment hands the btree a freelist handle (see env.go).
func (b *Btree) freelistFreePage(addr page.Address) error {
	if b.freePage == nil {
		return nil
	}
	return b.freePage(addr)
}

// shiftFromRight moves entries from right into n until both have equal
// counts, updating the parent's separator (spec §4.5 step 3).
func (b *Btree) shiftFromRight(parent *Node, parentSlot int, n, right *Node) error {
	for right.Count() > n.Count() {
		var moved Entry
		if !n.IsLeaf() {
			sep := parent.EntryAt(parentSlot)
			moved = Entry{Ptr: uint64(right.PtrLeft()), KeySize: sep.KeySize, Flags: sep.Flags, Key: sep.Key}
			next := right.EntryAt(0)
			right.SetPtrLeft(page.Address(next.Ptr))
			newSep := next
			newSep.Ptr = 0
			parent.SetEntryAt(parentSlot, Entry{Ptr: parent.EntryAt(parentSlot).Ptr, KeySize: next.KeySize, Flags: next.Flags, Key: next.Key})
			right.RemoveAt(0)
		} else {
			moved = right.EntryAt(0)
			right.RemoveAt(0)
			if right.Count() > 0 {
				k, err := b.resolveKey(right.EntryAt(0))
				if err != nil {
					return err
				}
				entryFlags, inlineKey, err := b.makeKeyEntry(k)
				if err != nil {
					return err
				}
				parent.SetEntryAt(parentSlot, Entry{Ptr: parent.EntryAt(parentSlot).Ptr, KeySize: uint16(len(k)), Flags: entryFlags, Key: inlineKey})
			}
		}
		n.InsertAt(n.Count(), moved)
	}
	return nil
}

// shiftFromLeft moves entries from left into n until both have equal
// counts (spec §4.5 step 3, mirrored).
func (b *Btree) shiftFromLeft(parent *Node, parentSlot int, n, left *Node) error {
	for left.Count() > n.Count() {
		last := left.Count() - 1
		var moved Entry
		if !n.IsLeaf() {
			sep := parent.EntryAt(parentSlot)
			moved = Entry{Ptr: uint64(n.PtrLeft()), KeySize: sep.KeySize, Flags: sep.Flags, Key: sep.Key}
			n.SetPtrLeft(page.Address(left.EntryAt(last).Ptr))
			promoted := left.EntryAt(last)
			parent.SetEntryAt(parentSlot, Entry{Ptr: parent.EntryAt(parentSlot).Ptr, KeySize: promoted.KeySize, Flags: promoted.Flags, Key: promoted.Key})
			left.RemoveAt(last)
		} else {
			moved = left.EntryAt(last)
			left.RemoveAt(last)
			k, err := b.resolveKey(moved)
			if err != nil {
				return err
			}
			entryFlags, inlineKey, err := b.makeKeyEntry(k)
			if err != nil {
				return err
			}
			parent.SetEntryAt(parentSlot, Entry{Ptr: parent.EntryAt(parentSlot).Ptr, KeySize: uint16(len(k)), Flags: entryFlags, Key: inlineKey})
		}
		n.InsertAt(0, moved)
	}
	return nil
}

// collapseRootIfNeeded implements spec §4.5 step 4: if the root drops to a
// single child (internal) or zero entries (leaf), the child becomes the new
// root and the old root page is freed.
func (b *Btree) collapseRootIfNeeded(root *Node) error {
	if root.IsLeaf() {
		return nil
	}
	if root.Count() != 0 {
		return nil
	}
	newRoot := root.PtrLeft()
	oldAddr := root.Page().Self()
	b.root = newRoot
	b.cache.Invalidate(oldAddr)
	return b.freelistFreePage(oldAddr)
}
