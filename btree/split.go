package btree

import (
	"github.com/pkg/errors"

	"github.com/relaydb/pagestore/blob"
	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/page"
)

// Insert adds key/value to the tree. When the key already exists, flags
// decides the outcome: Overwrite replaces the record, Duplicate grows a
// duplicate table, and the default is a conflict (spec §4.5 "Insert").
func (b *Btree) Insert(key, value []byte, flags InsertFlag) error {
	if b.cfg.RecordNumber && len(key) == 0 {
		key = encodeRecno(b.NextRecno())
	}

	path, err := b.traverseToLeaf(key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1].node

	slot, exact, err := b.leafSearch(leaf, key)
	if err != nil {
		return err
	}

	if exact {
		return b.insertExisting(leaf, slot, value, flags)
	}

	entryFlags, inlineKey, err := b.makeKeyEntry(key)
	if err != nil {
		return err
	}
	ptr, recFlags, err := b.encodeRecord(value)
	if err != nil {
		return err
	}
	e := Entry{Ptr: ptr, KeySize: uint16(len(key)), Flags: entryFlags | recFlags, Key: inlineKey}

	at := slot + 1
	leaf.InsertAt(at, e)

	if leaf.Count() > leaf.MaxKeys() {
		return b.splitAndPropagate(path)
	}
	return nil
}

func (b *Btree) insertExisting(leaf *Node, slot int, value []byte, flags InsertFlag) error {
	existing := leaf.EntryAt(slot)

	switch {
	case flags&Overwrite != 0:
		if existing.HasDuplicates() {
			return errors.Wrapf(common.ErrInvalidParameter, "overwrite of a duplicate key requires a cursor")
		}
		ptr, recFlags, err := b.replaceRecord(existing.Flags, existing.Ptr, value)
		if err != nil {
			return err
		}
		existing.Ptr = ptr
		existing.Flags = (existing.Flags &^ (FlagTiny | FlagSmall | FlagEmpty)) | recFlags
		leaf.SetEntryAt(slot, existing)
		leaf.Page().MarkDirty()
		return nil

	case flags&Duplicate != 0:
		return b.insertDuplicate(leaf, slot, existing, value, flags)

	default:
		return errors.Wrapf(common.ErrDuplicateKey, "key already exists")
	}
}

// insertDuplicate converts a plain slot into a duplicate table (or extends
// an existing one), honoring DuplicateFirst for ordering (spec §4.5
// "HAM_DUPLICATE converts the slot into (or extends) a duplicate table";
// spec §4.4 "INSERT_FIRST/INSERT_LAST").
func (b *Btree) insertDuplicate(leaf *Node, slot int, existing Entry, value []byte, flags InsertFlag) error {
	ptr, recFlags, err := b.encodeRecord(value)
	if err != nil {
		return err
	}
	newEntry := blob.DupeEntry{Flags: recFlags, RID: ptr}

	pos := blob.InsertLast
	if flags&DuplicateFirst != 0 {
		pos = blob.InsertFirst
	}

	if existing.HasDuplicates() {
		tableID, err := b.blobs.InsertDuplicate(existing.Ptr, newEntry, pos, 0)
		if err != nil {
			return err
		}
		existing.Ptr = tableID
		leaf.SetEntryAt(slot, existing)
		leaf.Page().MarkDirty()
		return nil
	}

	first := blob.DupeEntry{Flags: existing.Flags & (FlagTiny | FlagSmall | FlagEmpty), RID: existing.Ptr}
	entries := []blob.DupeEntry{first, newEntry}
	if pos == blob.InsertFirst {
		entries = []blob.DupeEntry{newEntry, first}
	}
	tableID, err := b.blobs.CreateDuplicateTable(entries...)
	if err != nil {
		return err
	}
	existing.Ptr = tableID
	existing.Flags = (existing.Flags &^ (FlagTiny | FlagSmall | FlagEmpty)) | FlagHasDuplicates
	leaf.SetEntryAt(slot, existing)
	leaf.Page().MarkDirty()
	return nil
}

// splitAndPropagate handles an overfull leaf (or, recursively, an overfull
// internal node after a child split): create a sibling, move the upper half
// of the entries to it, and propagate the pivot upward (spec §4.5
// "Insert... split").
func (b *Btree) splitAndPropagate(path []pathStep) error {
	for level := len(path) - 1; level >= 0; level-- {
		n := path[level].node
		if n.Count() <= n.MaxKeys() {
			return nil
		}

		pivotKey, pivotChild, err := b.split(n)
		if err != nil {
			return err
		}

		if level == 0 {
			return b.newRoot(n.Page().Self(), pivotKey, pivotChild)
		}

		parent := path[level-1].node
		parentSlot := path[level-1].slot

		entryFlags, inlineKey, err := b.makeKeyEntry(pivotKey)
		if err != nil {
			return err
		}
		pe := Entry{Ptr: uint64(pivotChild), KeySize: uint16(len(pivotKey)), Flags: entryFlags, Key: inlineKey}
		parent.InsertAt(parentSlot+1, pe)
	}
	return nil
}

// split moves the upper half of n's entries to a freshly allocated sibling
// and returns the pivot key plus the sibling's address, to be inserted into
// the parent (spec §4.5 "split: create a new sibling page, move entries at/
// after the pivot... to it").
func (b *Btree) split(n *Node) ([]byte, page.Address, error) {
	if err := b.uncoupleCursorsOn(n.Page().Self()); err != nil {
		return nil, 0, err
	}

	count := n.Count()
	mid := count / 2

	sp, err := b.cache.Alloc(page.TypeBIndex, false)
	if err != nil {
		return nil, 0, err
	}
	sibling := InitNode(sp, b.cfg.InlineKeySize, n.IsLeaf())

	for i := mid; i < count; i++ {
		sibling.InsertAt(i-mid, n.EntryAt(i))
	}
	for i := count - 1; i >= mid; i-- {
		n.RemoveAt(i)
	}

	var pivotKey []byte
	if n.IsLeaf() {
		// Leaf split: the pivot is the first key of the new sibling, and it
		// stays present in the sibling (spec: leaf siblings share no keys,
		// the separator is just a copy for routing).
		pivotKey, err = b.resolveKey(sibling.EntryAt(0))
		if err != nil {
			return nil, 0, err
		}
		sibling.SetLeftSibling(n.Page().Self())
		sibling.SetRightSibling(n.RightSibling())
		if oldRight := n.RightSibling(); oldRight != 0 {
			rn, err := b.fetch(oldRight)
			if err != nil {
				return nil, 0, err
			}
			rn.SetLeftSibling(sp.Self())
		}
		n.SetRightSibling(sp.Self())
	} else {
		// Internal split: the sibling's first entry is the separator. Its key
		// is pulled out of the sibling entirely and moves up to the parent,
		// and its ptr becomes the sibling's ptr_left, so both halves keep at
		// least MinKeys entries.
		separator := sibling.EntryAt(0)
		pivotKey, err = b.resolveKey(separator)
		if err != nil {
			return nil, 0, err
		}
		sibling.SetPtrLeft(page.Address(separator.Ptr))
		sibling.RemoveAt(0)

		// Internal nodes never use sibling links for traversal, but Check
		// and Enumerate still walk each level through them (spec §4.5).
		sibling.SetRightSibling(n.RightSibling())
		if oldRight := n.RightSibling(); oldRight != 0 {
			rn, err := b.fetch(oldRight)
			if err != nil {
				return nil, 0, err
			}
			rn.SetLeftSibling(sp.Self())
		}
		sibling.SetLeftSibling(n.Page().Self())
		n.SetRightSibling(sp.Self())
	}

	return pivotKey, sp.Self(), nil
}

// newRoot allocates a new root page when the current root overflows: its
// ptr_left is the old root, and its sole entry is the propagated pivot
// (spec §4.5 "If the root splits...").
func (b *Btree) newRoot(oldRoot page.Address, pivotKey []byte, newSibling page.Address) error {
	rp, err := b.cache.Alloc(page.TypeBRoot, false)
	if err != nil {
		return err
	}
	root := InitNode(rp, b.cfg.InlineKeySize, false)
	root.SetPtrLeft(oldRoot)

	entryFlags, inlineKey, err := b.makeKeyEntry(pivotKey)
	if err != nil {
		return err
	}
	root.InsertAt(0, Entry{Ptr: uint64(newSibling), KeySize: uint16(len(pivotKey)), Flags: entryFlags, Key: inlineKey})

	b.root = rp.Self()
	return nil
}
