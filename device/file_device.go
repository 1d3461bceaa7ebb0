package device

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/relaydb/pagestore/common"
)

// FileDevice is the on-disk Device implementation. It performs positional
// I/O directly against an *os.File, the way the teacher's Pager talks to
// its backing file, plus an advisory exclusive lock so a second process
// opening the same file fails loudly instead of corrupting it — the engine
// is explicitly single-process (spec §5), so this is a guard rail, not a
// concurrency feature.
type FileDevice struct {
	file   *os.File
	locked bool
}

// NewFileDevice constructs an unopened FileDevice.
func NewFileDevice() *FileDevice {
	return &FileDevice{}
}

func (d *FileDevice) IsInMemory() bool { return false }

func (d *FileDevice) Create(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(common.ErrIO, err.Error())
	}
	if err := d.flock(f); err != nil {
		f.Close()
		return err
	}
	d.file = f
	return nil
}

func (d *FileDevice) Open(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(common.ErrIO, "open %s: %v", path, err)
		}
		return errors.Wrap(common.ErrIO, err.Error())
	}
	if err := d.flock(f); err != nil {
		f.Close()
		return err
	}
	d.file = f
	return nil
}

func (d *FileDevice) flock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.Wrap(common.ErrWouldBlock, "backing file is locked by another process")
	}
	d.locked = true
	return nil
}

func (d *FileDevice) Close() error {
	if d.file == nil {
		return nil
	}
	if d.locked {
		_ = unix.Flock(int(d.file.Fd()), unix.LOCK_UN)
	}
	err := d.file.Close()
	d.file = nil
	if err != nil {
		return errors.Wrap(common.ErrIO, err.Error())
	}
	return nil
}

func (d *FileDevice) Read(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := d.file.ReadAt(buf, offset)
	if err != nil {
		return nil, errors.Wrapf(common.ErrIO, "short read at %d: %v", offset, err)
	}
	if n != length {
		return nil, errors.Wrapf(common.ErrIO, "short read at %d: got %d want %d", offset, n, length)
	}
	return buf, nil
}

func (d *FileDevice) Write(offset int64, data []byte) error {
	n, err := d.file.WriteAt(data, offset)
	if err != nil {
		return errors.Wrapf(common.ErrIO, "short write at %d: %v", offset, err)
	}
	if n != len(data) {
		return errors.Wrapf(common.ErrIO, "short write at %d: wrote %d want %d", offset, n, len(data))
	}
	return nil
}

func (d *FileDevice) Truncate(newLen int64) error {
	if err := d.file.Truncate(newLen); err != nil {
		return errors.Wrap(common.ErrIO, err.Error())
	}
	return nil
}

func (d *FileDevice) SeekEnd() (int64, error) {
	off, err := d.file.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, errors.Wrap(common.ErrIO, err.Error())
	}
	return off, nil
}

func (d *FileDevice) Flush() error {
	if err := d.file.Sync(); err != nil {
		return errors.Wrap(common.ErrIO, err.Error())
	}
	return nil
}
