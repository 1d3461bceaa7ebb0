package env

import (
	"github.com/pkg/errors"

	"github.com/relaydb/pagestore/btree"
	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/journal"
)

// applier replays committed journal operations straight against the btree,
// bypassing the transaction manager so replay never re-journals itself
// (spec §4.7 "journaling suppressed during replay").
type applier struct {
	bt *btree.Btree
}

func (a *applier) ApplyInsert(key, record []byte, insertFlags uint32) error {
	flags := btree.InsertFlag(insertFlags)
	err := a.bt.Insert(key, record, flags)
	if errors.Is(err, common.ErrDuplicateKey) && flags&(btree.Overwrite|btree.Duplicate) == 0 {
		// A replayed plain insert of a key the page state already holds was
		// applied before the crash; as with erase, only the end state matters.
		return nil
	}
	return err
}

func (a *applier) ApplyErase(key []byte) error {
	err := a.bt.Erase(key)
	if err == nil || errors.Is(err, common.ErrKeyNotFound) {
		// A replayed erase of a key the checkpoint had already removed is
		// not a corruption; recovery only needs the end state to match.
		return nil
	}
	return err
}

// recover replays the journal against the live btree and then truncates
// both files back to header size (spec §4.7 "Recovery" steps 1-4). It is
// always run on Open; checkpoint-lsn tracking is not wired (see DESIGN.md),
// so every committed operation the journal still holds gets replayed. Plain
// and Overwrite inserts and erases are idempotent against the final state; a
// Duplicate insert is not, and adds its record again on every replay.
func (e *Environment) recover() error {
	highest, err := journal.Recover(journalDir(e.path, e.cfg.InMemory), &applier{bt: e.bt}, 0)
	if err != nil {
		return err
	}
	if highest == 0 {
		return nil
	}
	return e.jrnl.Truncate()
}
