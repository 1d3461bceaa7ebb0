// Package device implements the lowest layer of the storage engine: raw
// read/write/truncate against either a backing file or an in-memory buffer.
// Every component above Device (page.Header parsing aside) is oblivious to
// which implementation is in use, except blob.Manager, which bypasses the
// page cache for payloads that exceed a third of a page (spec §4.1, §4.4).
package device

import "io"

// Device is the raw I/O surface the rest of the engine is built on.
type Device interface {
	// Open opens an existing backing store at path.
	Open(path string) error
	// Create creates a new backing store at path, truncating any existing one.
	Create(path string) error
	// Close releases any resources (file handles, locks) held by the device.
	Close() error

	// Read returns the len bytes starting at offset.
	Read(offset int64, len int) ([]byte, error)
	// Write writes data at offset, extending the backing store if needed.
	Write(offset int64, data []byte) error

	// Truncate grows or shrinks the backing store to newLen bytes.
	Truncate(newLen int64) error
	// SeekEnd returns the current size of the backing store.
	SeekEnd() (int64, error)
	// Flush persists buffered writes (fsync for the file device, a no-op for memory).
	Flush() error

	// IsInMemory reports whether this device is the in-memory implementation.
	// Nothing in the engine calls it: blob.Manager takes its in-memory mode as
	// a constructor argument instead (spec §4.4).
	IsInMemory() bool
}

var _ io.Closer = Device(nil)
