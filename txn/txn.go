// Package txn implements transactions: a list of dirtied pages plus the
// begin/commit/abort lifecycle that drives the journal (spec §4.8
// "Transaction"). Nested transactions are not supported; a mutating call
// made without an explicit transaction runs inside an implicit one-op
// transaction that this package also provides.
package txn

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/relaydb/pagestore/cache"
	"github.com/relaydb/pagestore/journal"
	"github.com/relaydb/pagestore/page"
)

// Transaction owns the set of pages it has dirtied (its changeset) and
// mediates every journal append made on its behalf (spec §4.8).
type Transaction struct {
	id        uint64
	dbname    uint16
	fileIndex int
	mgr       *Manager
	dirty     map[page.Address]*page.Page
	done      bool
}

// ID returns the transaction id, which doubles as the journal's txn_id.
func (t *Transaction) ID() uint64 { return t.id }

// Track records that p was dirtied under this transaction, so Abort can
// invalidate it and Commit can release its pin (spec §4.8 "owns a list of
// pages it has dirtied").
func (t *Transaction) Track(p *page.Page) {
	if _, ok := t.dirty[p.Self()]; ok {
		return
	}
	t.dirty[p.Self()] = p
	t.mgr.cache.Pin(p)
}

// LogInsert appends an INSERT record to this transaction's journal file.
func (t *Transaction) LogInsert(key, record []byte, partialSize, partialOffset, insertFlags uint32) error {
	if t.done {
		return errors.New("txn: use after commit/abort")
	}
	_, err := t.mgr.jrnl.LogInsert(t.id, t.fileIndex, key, record, partialSize, partialOffset, insertFlags)
	return err
}

// LogErase appends an ERASE record to this transaction's journal file.
func (t *Transaction) LogErase(key []byte, eraseFlags uint32, dupeIndex int32) error {
	if t.done {
		return errors.New("txn: use after commit/abort")
	}
	_, err := t.mgr.jrnl.LogErase(t.id, t.fileIndex, key, eraseFlags, dupeIndex)
	return err
}

// Commit appends TXN_COMMIT, flushes and syncs the journal's active buffer,
// and releases every dirtied page's pin (spec §4.8 "commit... releases page
// pins").
func (t *Transaction) Commit() error {
	if t.done {
		return errors.New("txn: already committed or aborted")
	}
	if _, err := t.mgr.jrnl.Commit(t.id, t.fileIndex); err != nil {
		return errors.Wrap(err, "txn: commit")
	}
	for _, p := range t.dirty {
		t.mgr.cache.Unpin(p)
	}
	t.done = true
	t.mgr.forget(t.id)
	return nil
}

// Abort appends TXN_ABORT and invalidates every dirtied page, so the next
// fetch re-reads it from disk rather than seeing the aborted mutation
// (spec §4.8 "abort... invalidates dirtied pages").
func (t *Transaction) Abort() error {
	if t.done {
		return errors.New("txn: already committed or aborted")
	}
	if _, err := t.mgr.jrnl.Abort(t.id, t.fileIndex); err != nil {
		return errors.Wrap(err, "txn: abort")
	}
	for addr, p := range t.dirty {
		t.mgr.cache.Unpin(p)
		t.mgr.cache.Invalidate(addr)
	}
	t.done = true
	t.mgr.forget(t.id)
	return nil
}

// Manager begins and tracks transactions against one journal and cache.
type Manager struct {
	mu     sync.Mutex
	jrnl   *journal.Journal
	cache  *cache.Cache
	nextID uint64
	log    *zap.SugaredLogger
	active map[uint64]*Transaction
}

// NewManager wires a transaction manager onto an already-open journal and
// cache.
func NewManager(jrnl *journal.Journal, c *cache.Cache, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{jrnl: jrnl, cache: c, log: log, active: make(map[uint64]*Transaction)}
}

// Begin allocates a transaction id, appends TXN_BEGIN, and returns the new
// Transaction (spec §4.8 "begin allocates a transaction id... and appends
// TXN_BEGIN").
func (m *Manager) Begin(dbname uint16) (*Transaction, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	fileIdx, err := m.jrnl.Begin(id, dbname)
	if err != nil {
		return nil, errors.Wrap(err, "txn: begin")
	}

	t := &Transaction{id: id, dbname: dbname, fileIndex: fileIdx, mgr: m, dirty: make(map[page.Address]*page.Page)}
	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	return t, nil
}

func (m *Manager) forget(id uint64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// RunImplicit begins a transaction, runs fn, and commits on success or
// aborts on failure, giving a single mutating call the "implicit one-op
// transaction" behavior (spec §4.8 "When a mutating API call is issued
// without an explicit transaction...").
func (m *Manager) RunImplicit(dbname uint16, fn func(t *Transaction) error) error {
	t, err := m.Begin(dbname)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		if abortErr := t.Abort(); abortErr != nil {
			m.log.Errorw("implicit transaction abort failed", "txnID", t.id, "error", abortErr)
		}
		return err
	}
	return t.Commit()
}

// ActiveCount reports how many transactions are currently open; it exists
// mainly so tests and Stats() can assert every transaction was terminated.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
