package btree

import "github.com/relaydb/pagestore/page"

// EnumerateAction is what a Visitor returns to steer enumeration (spec
// §4.5 "Enumeration"): Continue keeps walking, Stop aborts immediately, and
// DoNotDescend skips this page's children without aborting the whole walk.
type EnumerateAction int

const (
	Continue EnumerateAction = iota
	Stop
	DoNotDescend
)

// EnumerateEvent distinguishes the three callback shapes a Visitor sees.
type EnumerateEvent int

const (
	PageStart EnumerateEvent = iota
	Item
	PageStop
)

// Visitor receives enumeration callbacks. For Item events, slot and entry
// are populated; for PageStart/PageStop they're zero.
type Visitor func(event EnumerateEvent, pageAddr page.Address, slot int, entry Entry) EnumerateAction

// Enumerate walks the tree root to leaves, level by level, emitting
// PageStart/Item.../PageStop for every page in each level's sibling chain
// (spec §4.5 "Enumeration").
func (b *Btree) Enumerate(visit Visitor) error {
	levelStart := b.root
	for levelStart != 0 {
		firstOfNextLevel := page.Address(0)
		addr := levelStart

		for addr != 0 {
			n, err := b.fetch(addr)
			if err != nil {
				return err
			}

			action := visit(PageStart, addr, 0, Entry{})
			if action == Stop {
				return nil
			}
			descend := action != DoNotDescend

			for i := 0; i < n.Count(); i++ {
				a := visit(Item, addr, i, n.EntryAt(i))
				if a == Stop {
					return nil
				}
				if a == DoNotDescend {
					descend = false
				}
			}

			if a := visit(PageStop, addr, 0, Entry{}); a == Stop {
				return nil
			}

			if descend && firstOfNextLevel == 0 && !n.IsLeaf() {
				firstOfNextLevel = n.PtrLeft()
			}
			addr = n.RightSibling()
		}

		levelStart = firstOfNextLevel
	}
	return nil
}
