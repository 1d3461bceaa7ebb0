package device

import "github.com/relaydb/pagestore/common"

// MemoryDevice is the in-memory Device implementation: it grows a buffer
// instead of touching the filesystem. Used for HAM_IN_MEMORY_DB-style
// environments that never persist (spec §4.1, §4.4 in-memory blob branch).
type MemoryDevice struct {
	buf []byte
}

func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{}
}

func (d *MemoryDevice) IsInMemory() bool { return true }

func (d *MemoryDevice) Create(path string) error {
	d.buf = d.buf[:0]
	return nil
}

func (d *MemoryDevice) Open(path string) error {
	// An in-memory device has no persisted file to reopen; callers that
	// route here are building a fresh environment.
	return nil
}

func (d *MemoryDevice) Close() error {
	d.buf = nil
	return nil
}

func (d *MemoryDevice) Read(offset int64, length int) ([]byte, error) {
	end := offset + int64(length)
	if offset < 0 || end > int64(len(d.buf)) {
		return nil, common.ErrIO
	}
	out := make([]byte, length)
	copy(out, d.buf[offset:end])
	return out, nil
}

func (d *MemoryDevice) Write(offset int64, data []byte) error {
	end := offset + int64(len(data))
	if end > int64(len(d.buf)) {
		grown := make([]byte, end)
		copy(grown, d.buf)
		d.buf = grown
	}
	copy(d.buf[offset:end], data)
	return nil
}

func (d *MemoryDevice) Truncate(newLen int64) error {
	if newLen <= int64(len(d.buf)) {
		d.buf = d.buf[:newLen]
		return nil
	}
	grown := make([]byte, newLen)
	copy(grown, d.buf)
	d.buf = grown
	return nil
}

func (d *MemoryDevice) SeekEnd() (int64, error) {
	return int64(len(d.buf)), nil
}

func (d *MemoryDevice) Flush() error { return nil }
