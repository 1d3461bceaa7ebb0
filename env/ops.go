package env

import (
	"github.com/pkg/errors"

	"github.com/relaydb/pagestore/btree"
	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/txn"
)

// Put implements common.StorageEngine: an implicit one-op transaction that
// overwrites any existing record (spec §4.8 "implicit one-op transaction").
func (e *Environment) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}

	_, findErr := e.bt.Find(key, btree.FindExact)
	isNew := errors.Is(findErr, common.ErrKeyNotFound)

	err := e.txns.RunImplicit(dbSlot, func(tx *txn.Transaction) error {
		if err := e.bt.Insert(key, value, btree.Overwrite); err != nil {
			return err
		}
		return tx.LogInsert(key, value, 0, 0, uint32(btree.Overwrite))
	})
	if err != nil {
		return errors.Wrap(err, "env: put")
	}
	if isNew {
		e.numKeys++
	}
	e.writeCount++
	return nil
}

// Get implements common.StorageEngine.
func (e *Environment) Get(key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, common.ErrClosed
	}

	res, err := e.bt.Find(key, btree.FindExact)
	if err != nil {
		return nil, err
	}
	e.readCount++
	return e.bt.DecodeRecord(res.Entry)
}

// Delete implements common.StorageEngine.
func (e *Environment) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}

	err := e.txns.RunImplicit(dbSlot, func(tx *txn.Transaction) error {
		if err := e.bt.Erase(key); err != nil {
			return err
		}
		return tx.LogErase(key, 0, -1)
	})
	if err != nil {
		return errors.Wrap(err, "env: delete")
	}
	e.numKeys--
	e.writeCount++
	return nil
}

// Insert exposes the btree's full insert-flag surface (Overwrite,
// Duplicate) for callers that aren't using the plain StorageEngine methods
// (spec §8 scenario 3 "Duplicate ordering").
func (e *Environment) Insert(key, value []byte, flags btree.InsertFlag) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}

	err := e.txns.RunImplicit(dbSlot, func(tx *txn.Transaction) error {
		if err := e.bt.Insert(key, value, flags); err != nil {
			return err
		}
		return tx.LogInsert(key, value, 0, 0, uint32(flags))
	})
	if err != nil {
		return err
	}
	e.numKeys++
	e.writeCount++
	return nil
}

// Find exposes approximate-match lookups (spec §8 scenario 6).
func (e *Environment) Find(key []byte, flags btree.FindFlag) (btree.FindResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return btree.FindResult{}, common.ErrClosed
	}
	e.readCount++
	return e.bt.Find(key, flags)
}

// DecodeRecord resolves a FindResult's record bytes, mirroring
// btree.Btree.DecodeRecord for callers that only hold an Environment.
func (e *Environment) DecodeRecord(res btree.FindResult) ([]byte, error) {
	return e.bt.DecodeRecord(res.Entry)
}

// NewCursor returns a cursor bound to this environment's single database.
func (e *Environment) NewCursor(id uint64) *btree.Cursor {
	return e.bt.NewCursor(id)
}

// Check runs the btree's integrity walk (spec §4.5 "Check").
func (e *Environment) Check() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bt.Check()
}

// Enumerate runs the btree's full-tree visitor.
func (e *Environment) Enumerate(visit btree.Visitor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bt.Enumerate(visit)
}

// Close flushes all dirty pages, truncates both journal files back to their
// headers, closes the journal, and releases the device. It writes no
// checkpoint lsn into the journal headers; each header keeps the lsn of its
// file's last flush.
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if err := e.cache.FlushAll(); err != nil {
		return errors.Wrap(err, "env: flush on close")
	}
	if err := e.jrnl.Truncate(); err != nil {
		return errors.Wrap(err, "env: truncate journal on close")
	}
	if err := e.jrnl.Close(); err != nil {
		return errors.Wrap(err, "env: close journal")
	}
	if err := e.dev.Flush(); err != nil {
		return errors.Wrap(err, "env: flush device")
	}
	if err := e.dev.Close(); err != nil {
		return errors.Wrap(err, "env: close device")
	}
	e.closed = true
	return nil
}

// Sync implements common.StorageEngine: flush every dirty page to disk
// without rotating or truncating the journal.
func (e *Environment) Sync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}
	if err := e.cache.FlushAll(); err != nil {
		return errors.Wrap(err, "env: sync")
	}
	return e.dev.Flush()
}

// Stats implements common.StorageEngine with the counters this façade can
// cheaply maintain; fields an LSM-style engine would report (segment
// counts, write/space amplification) don't apply to a B+tree and are left
// zero.
func (e *Environment) Stats() common.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return common.Stats{
		NumKeys:    e.numKeys,
		WriteCount: e.writeCount,
		ReadCount:  e.readCount,
	}
}

// Compact implements common.StorageEngine. This engine never rewrites
// pages wholesale the way an LSM's compaction does; the closest equivalent
// is an on-demand checkpoint: flush everything durable and trim the
// journal back to header size.
func (e *Environment) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}
	if err := e.cache.FlushAll(); err != nil {
		return errors.Wrap(err, "env: compact flush")
	}
	return e.jrnl.Truncate()
}
