package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/page"
)

// Check walks the tree level by level via the sibling chain and verifies
// the invariants from spec §4.5 "Integrity check": slot counts within
// bounds, strictly increasing keys, extended-key blob ids present, and
// sibling/parent key ordering.
func (b *Btree) Check() error {
	levelStart := b.root
	for levelStart != 0 {
		firstOfNextLevel := page.Address(0)
		addr := levelStart
		var prevLast []byte
		havePrevLast := false

		for addr != 0 {
			n, err := b.fetch(addr)
			if err != nil {
				return err
			}

			if addr != b.root {
				if n.Count() < n.MinKeys() {
					return errors.Wrapf(common.ErrIntegrityViolated, "page %d has %d entries, fewer than minkeys %d", addr, n.Count(), n.MinKeys())
				}
			}
			if n.Count() > n.MaxKeys() {
				return errors.Wrapf(common.ErrIntegrityViolated, "page %d has %d entries, more than maxkeys %d", addr, n.Count(), n.MaxKeys())
			}

			var last []byte
			for i := 0; i < n.Count(); i++ {
				e := n.EntryAt(i)
				key, err := b.resolveKey(e)
				if err != nil {
					return err
				}
				if e.IsExtended() {
					if len(e.Key) < 8 || binary.LittleEndian.Uint64(e.Key[len(e.Key)-8:]) == 0 {
						return errors.Wrapf(common.ErrIntegrityViolated, "page %d slot %d is IS_EXTENDED with a zero blob id", addr, i)
					}
				}
				if i > 0 {
					prev, err := b.resolveKey(n.EntryAt(i - 1))
					if err != nil {
						return err
					}
					if b.cfg.Comparator(prev, key) >= 0 {
						return errors.Wrapf(common.ErrIntegrityViolated, "page %d: keys not strictly increasing at slot %d", addr, i)
					}
				}
				last = key
			}

			if havePrevLast && n.Count() > 0 {
				first, err := b.resolveKey(n.EntryAt(0))
				if err != nil {
					return err
				}
				if b.cfg.Comparator(prevLast, first) >= 0 {
					return errors.Wrapf(common.ErrIntegrityViolated, "page %d: first key not greater than left sibling's last key", addr)
				}
			}
			if n.Count() > 0 {
				prevLast, havePrevLast = last, true
			}

			if firstOfNextLevel == 0 && !n.IsLeaf() {
				firstOfNextLevel = n.PtrLeft()
			}

			addr = n.RightSibling()
		}

		if levelStart == firstOfNextLevel || firstOfNextLevel == 0 {
			break
		}
		levelStart = firstOfNextLevel
	}
	return nil
}
