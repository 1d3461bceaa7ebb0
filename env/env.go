// Package env is the thin Environment façade (spec §1 "the thin Environment
// façade that merely owns and dispatches to the components above"): it
// wires device, cache, freelist, blob manager, extended-key cache, btree,
// journal, and transaction manager together behind the common.StorageEngine
// interface, serializing every public operation through a single mutex
// (spec §5 "single-threaded cooperative").
package env

import (
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/relaydb/pagestore/blob"
	"github.com/relaydb/pagestore/btree"
	"github.com/relaydb/pagestore/cache"
	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/device"
	"github.com/relaydb/pagestore/extkey"
	"github.com/relaydb/pagestore/freelist"
	"github.com/relaydb/pagestore/journal"
	"github.com/relaydb/pagestore/page"
	"github.com/relaydb/pagestore/txn"
)

// Config configures a new or reopened Environment.
type Config struct {
	PageSize      int
	MaxDBs        uint16
	InlineKeySize int
	CacheCapacity int
	ExtKeyCache   int
	RecordNumber  bool
	Comparator    btree.Comparator
	InMemory      bool

	// FreelistChunks bounds how much address space the in-process
	// freelist is willing to track starting right after the header page
	// (freelist persistence isn't wired yet, see DESIGN.md).
	FreelistChunks uint32
}

// DefaultConfig uses the engine's stated default page size (spec §3
// "Page... default 16 KiB"), plus sane inline-key and cache sizing.
func DefaultConfig() Config {
	return Config{
		PageSize:       16 * 1024,
		MaxDBs:         1,
		InlineKeySize:  16,
		CacheCapacity:  1024,
		ExtKeyCache:    256,
		Comparator:     btree.DefaultComparator,
		FreelistChunks: 1 << 20,
	}
}

const dbSlot = 1 // single database slot this façade manages (spec non-goal: no secondary indexes)

// Environment owns every component for one open database file (or
// in-memory instance) and dispatches common.StorageEngine calls to them.
type Environment struct {
	mu sync.Mutex

	cfg  Config
	dev  device.Device
	path string
	log  *zap.SugaredLogger

	cache   *cache.Cache
	fl      *freelist.Freelist
	blobs   *blob.Manager
	extkeys *extkey.Cache
	bt      *btree.Btree
	jrnl    *journal.Journal
	txns    *txn.Manager

	numKeys    int64
	writeCount int64
	readCount  int64
	closed     bool
}

var _ common.StorageEngine = (*Environment)(nil)

// Create initializes a brand-new environment at path (or purely in memory
// when cfg.InMemory is set) with a fresh file header and an empty btree
// (spec §8 scenario 1 "Empty store lifecycle").
func Create(path string, cfg Config, log *zap.SugaredLogger) (*Environment, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.PageSize <= 0 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, errors.Wrap(common.ErrInvalidPageSize, "env: page size must be a power of two")
	}

	dev := newDevice(cfg.InMemory)
	if err := dev.Create(path); err != nil {
		return nil, errors.Wrap(err, "env: create device")
	}
	if err := dev.Truncate(int64(cfg.PageSize)); err != nil {
		return nil, errors.Wrap(err, "env: truncate header page")
	}

	hdr := page.NewFileHeader(uint32(cfg.PageSize), cfg.MaxDBs)
	if err := writeHeader(dev, cfg.PageSize, hdr); err != nil {
		return nil, err
	}

	e, err := wire(dev, path, cfg, log, 0)
	if err != nil {
		return nil, err
	}

	root, err := e.bt.CreateRoot()
	if err != nil {
		return nil, errors.Wrap(err, "env: create root")
	}
	hdr.Slots[0] = page.DirectorySlot{
		Name:     dbSlot,
		KeySize:  uint16(cfg.InlineKeySize),
		RootPage: root,
	}
	if err := writeHeader(dev, cfg.PageSize, hdr); err != nil {
		return nil, err
	}

	return e, nil
}

// Open reopens an existing environment, replaying the journal before
// serving any call (spec §4.7 "Recovery", §8 scenario 5).
func Open(path string, cfg Config, log *zap.SugaredLogger) (*Environment, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	dev := newDevice(cfg.InMemory)
	if err := dev.Open(path); err != nil {
		return nil, errors.Wrap(err, "env: open device")
	}

	raw, err := dev.Read(0, cfg.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "env: read header page")
	}
	hdr, err := page.DecodeFileHeader(raw)
	if err != nil {
		return nil, err
	}
	cfg.PageSize = int(hdr.PageSize)
	cfg.MaxDBs = hdr.MaxDBs

	e, err := wire(dev, path, cfg, log, hdr.Slots[0].RootPage)
	if err != nil {
		return nil, err
	}

	if err := e.recover(); err != nil {
		return nil, errors.Wrap(err, "env: recovery")
	}
	return e, nil
}

func newDevice(inMemory bool) device.Device {
	if inMemory {
		return device.NewMemoryDevice()
	}
	return device.NewFileDevice()
}

func writeHeader(dev device.Device, pageSize int, hdr *page.FileHeader) error {
	return dev.Write(0, hdr.Encode(pageSize))
}

// wire constructs every component with root as the btree's starting page
// (0 when Create is about to allocate a fresh one).
func wire(dev device.Device, path string, cfg Config, log *zap.SugaredLogger, root page.Address) (*Environment, error) {
	c := cache.New(dev, cfg.PageSize, cfg.CacheCapacity, log)
	fl := freelist.New(c, cfg.PageSize, freelist.ModeRandomWrite)
	// The freelist persists no bitmap page of its own yet (see DESIGN.md);
	// track the whole post-header address range as one in-memory chunk map.
	fl.AddPage(0, uint64(cfg.PageSize), cfg.FreelistChunks)
	c.SetAllocator(fl)

	bm := blob.New(dev, c, fl, cfg.PageSize, cfg.InMemory)
	ek := extkey.New(cfg.ExtKeyCache)

	btCfg := btree.Config{InlineKeySize: cfg.InlineKeySize, Comparator: cfg.Comparator, RecordNumber: cfg.RecordNumber}
	bt := btree.New(c, bm, ek, root, btCfg, log)

	jrnl, err := journal.Open(journalDir(path, cfg.InMemory), log)
	if err != nil {
		return nil, errors.Wrap(err, "env: open journal")
	}
	txns := txn.NewManager(jrnl, c, log)

	e := &Environment{
		cfg: cfg, dev: dev, path: path, log: log,
		cache: c, fl: fl, blobs: bm, extkeys: ek, bt: bt, jrnl: jrnl, txns: txns,
	}
	wireFreePage(e)
	return e, nil
}

func wireFreePage(e *Environment) {
	e.bt.SetFreePageFunc(func(addr page.Address) error {
		return e.fl.AddArea(uint64(addr), uint64(e.cfg.PageSize))
	})
}

// journalDir keeps journal files alongside the database file; in-memory
// environments get a scratch temp-style directory under the caller-supplied
// path instead (callers typically pass t.TempDir() for in-memory tests).
func journalDir(path string, inMemory bool) string {
	if inMemory {
		return path
	}
	return filepath.Dir(path)
}
