// Package cache implements the page cache: it maps a page.Address to a
// resident page.Page, bounds resident pages to a configured capacity, and
// evicts with an LRU-ish policy that honors pinning (spec §4.2).
package cache

import (
	"go.uber.org/zap"

	"github.com/pkg/errors"

	"github.com/relaydb/pagestore/device"
	"github.com/relaydb/pagestore/page"
)

// FetchFlag controls Fetch behavior.
type FetchFlag uint32

const (
	// FetchOnlyFromCache returns nil rather than reading from disk if the
	// page isn't resident — used by the blob manager's direct-I/O path
	// (spec §4.2).
	FetchOnlyFromCache FetchFlag = 1 << iota
)

// Allocator supplies addresses for new pages, typically backed by the
// freelist. AllocPage returns 0 when it has nothing to offer, in which case
// the cache falls back to extending the file via the device (spec §4.3
// "Allocation failure returns 0; caller must fall back to extending the
// file").
type Allocator interface {
	AllocPage() (page.Address, error)
}

// Cache is the bounded page cache shared by every component above Device.
type Cache struct {
	dev       device.Device
	pageSize  int
	capacity  int
	allocator Allocator
	log       *zap.SugaredLogger

	pages map[page.Address]*page.Page
	ageCt uint64
}

// New constructs a Cache with the given capacity (in pages).
func New(dev device.Device, pageSize, capacity int, log *zap.SugaredLogger) *Cache {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Cache{
		dev:      dev,
		pageSize: pageSize,
		capacity: capacity,
		log:      log,
		pages:    make(map[page.Address]*page.Page),
	}
}

// SetAllocator wires the freelist (or any other address source) as the
// allocator consulted by Alloc.
func (c *Cache) SetAllocator(a Allocator) { c.allocator = a }

func (c *Cache) touch(p *page.Page) {
	c.ageCt++
	p.Touch(c.ageCt)
}

// Fetch loads the page at addr, from cache if resident, else from the
// device, pinning it caller-side is the caller's responsibility (spec §4.2
// leaves pin/unpin explicit so operations can hold a page across several
// calls).
func (c *Cache) Fetch(addr page.Address, flags FetchFlag) (*page.Page, error) {
	if p, ok := c.pages[addr]; ok {
		c.touch(p)
		return p, nil
	}

	if flags&FetchOnlyFromCache != 0 {
		return nil, nil
	}

	raw, err := c.dev.Read(int64(addr), c.pageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: fetch page %d", addr)
	}
	p := page.Load(addr, raw)
	if err := c.admit(p); err != nil {
		return nil, err
	}
	c.touch(p)
	return p, nil
}

// Alloc obtains a fresh page of the given type, preferring the configured
// Allocator (the freelist) and falling back to extending the backing file.
func (c *Cache) Alloc(typ uint16, noHeader bool) (*page.Page, error) {
	addr, err := c.nextAddress()
	if err != nil {
		return nil, err
	}

	var p *page.Page
	if noHeader {
		p = page.NewNoHeader(addr, c.pageSize)
	} else {
		p = page.New(addr, c.pageSize, typ)
	}
	p.MarkDirty()
	if err := c.admit(p); err != nil {
		return nil, err
	}
	c.touch(p)
	return p, nil
}

func (c *Cache) nextAddress() (page.Address, error) {
	if c.allocator != nil {
		addr, err := c.allocator.AllocPage()
		if err != nil {
			return 0, err
		}
		if addr != 0 {
			return addr, nil
		}
	}
	end, err := c.dev.SeekEnd()
	if err != nil {
		return 0, err
	}
	if err := c.dev.Truncate(end + int64(c.pageSize)); err != nil {
		return 0, err
	}
	return page.Address(end), nil
}

// admit inserts p into the cache, evicting if at capacity.
func (c *Cache) admit(p *page.Page) error {
	if len(c.pages) >= c.capacity {
		if err := c.evictOne(); err != nil {
			return err
		}
	}
	c.pages[p.Self()] = p
	return nil
}

// evictOne implements spec §4.2's eviction policy: evict the oldest
// unpinned non-dirty page; if none exists, write back the oldest unpinned
// dirty page first, then evict it.
func (c *Cache) evictOne() error {
	var bestClean, bestDirty *page.Page

	for _, p := range c.pages {
		if p.Refcount() > 0 {
			continue
		}
		if p.IsDirty() {
			if bestDirty == nil || p.Age() < bestDirty.Age() {
				bestDirty = p
			}
		} else {
			if bestClean == nil || p.Age() < bestClean.Age() {
				bestClean = p
			}
		}
	}

	if bestClean != nil {
		delete(c.pages, bestClean.Self())
		c.log.Debugw("evicted clean page", "addr", bestClean.Self())
		return nil
	}
	if bestDirty != nil {
		if err := c.flushPage(bestDirty); err != nil {
			return err
		}
		delete(c.pages, bestDirty.Self())
		c.log.Debugw("evicted dirty page after writeback", "addr", bestDirty.Self())
		return nil
	}

	return errors.New("cache: capacity exhausted, all resident pages are pinned")
}

// MarkDirty flags p as modified; it will be written back on flush or
// eviction.
func (c *Cache) MarkDirty(p *page.Page) { p.MarkDirty() }

func (c *Cache) Pin(p *page.Page)   { p.Pin() }
func (c *Cache) Unpin(p *page.Page) { p.Unpin() }

// Flush writes one dirty page back to the device.
func (c *Cache) Flush(p *page.Page) error {
	if !p.IsDirty() {
		return nil
	}
	return c.flushPage(p)
}

func (c *Cache) flushPage(p *page.Page) error {
	if err := c.dev.Write(int64(p.Self()), p.Data()); err != nil {
		return errors.Wrapf(err, "cache: flush page %d", p.Self())
	}
	p.ClearDirty()
	return nil
}

// FlushAll writes back every dirty resident page, used at checkpoint/close.
func (c *Cache) FlushAll() error {
	for _, p := range c.pages {
		if err := c.Flush(p); err != nil {
			return err
		}
	}
	return c.dev.Flush()
}

// RemoveCursor drops cursor id from every resident page's cursor list
// (used by Cursor.Close; spec §4.6).
func (c *Cache) RemoveCursor(id uint64) {
	for _, p := range c.pages {
		p.RemoveCursor(id)
	}
}

// Invalidate drops a page from the cache without writing it back — used by
// Transaction.abort to discard pages dirtied by the aborted transaction so
// they are re-read from disk on next access (spec §4.8).
func (c *Cache) Invalidate(addr page.Address) {
	delete(c.pages, addr)
}

// Len reports the number of resident pages, mainly for tests and stats.
func (c *Cache) Len() int { return len(c.pages) }
