package page

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/relaydb/pagestore/common"
)

// Magic is the 4-byte file identifier stored at offset 0 of page 0 (spec §6).
var Magic = [4]byte{'h', 'a', 'm', 0}

// File header page 0 layout (spec §3 "File header page", §6):
//
//	0..3   magic "ham\0"
//	4..7   version {major,minor,rev,file}
//	8..11  reserved
//	12..15 page size (u32)
//	16..17 max database count (u16)
//	18     journal compression algorithm (high nibble) + reserved low nibble
//	19     reserved
//	20..27 page-manager state blob id (u64)
//	28..   database directory slots, 32 bytes each
const (
	fhOffsetMagic      = 0
	fhOffsetVersion    = 4
	fhOffsetPageSize   = 12
	fhOffsetMaxDBs     = 16
	fhOffsetCompressed = 18
	fhOffsetPMState    = 20
	fhOffsetSlots      = 28

	// DirectorySlotSize is the on-disk size of one database directory entry
	// {dbname:u16, maxkeys:u16, keysize:u16, reserved:u16, rootpage:u64,
	//  flags:u32, recno:u64, reserved:u32} (spec §6).
	DirectorySlotSize = 32
)

// DirectorySlot describes one open-able database within the environment.
type DirectorySlot struct {
	Name     uint16
	MaxKeys  uint16
	KeySize  uint16
	RootPage Address
	Flags    uint32
	Recno    uint64
}

// FileHeader is the parsed contents of page 0.
type FileHeader struct {
	Version     [4]byte
	PageSize    uint32
	MaxDBs      uint16
	PMStateBlob uint64
	Slots       []DirectorySlot
}

// NewFileHeader builds a fresh header for a newly created environment.
func NewFileHeader(pageSize uint32, maxDBs uint16) *FileHeader {
	return &FileHeader{
		Version:  [4]byte{1, 0, 0, 0},
		PageSize: pageSize,
		MaxDBs:   maxDBs,
		Slots:    make([]DirectorySlot, maxDBs),
	}
}

// Encode serializes the header into a page-sized buffer.
func (h *FileHeader) Encode(pageSize int) []byte {
	buf := make([]byte, pageSize)
	copy(buf[fhOffsetMagic:], Magic[:])
	copy(buf[fhOffsetVersion:], h.Version[:])
	binary.LittleEndian.PutUint32(buf[fhOffsetPageSize:], h.PageSize)
	binary.LittleEndian.PutUint16(buf[fhOffsetMaxDBs:], h.MaxDBs)
	binary.LittleEndian.PutUint64(buf[fhOffsetPMState:], h.PMStateBlob)

	for i, slot := range h.Slots {
		off := fhOffsetSlots + i*DirectorySlotSize
		if off+DirectorySlotSize > len(buf) {
			break
		}
		binary.LittleEndian.PutUint16(buf[off:], slot.Name)
		binary.LittleEndian.PutUint16(buf[off+2:], slot.MaxKeys)
		binary.LittleEndian.PutUint16(buf[off+4:], slot.KeySize)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(slot.RootPage))
		binary.LittleEndian.PutUint32(buf[off+16:], slot.Flags)
		binary.LittleEndian.PutUint64(buf[off+20:], slot.Recno)
	}
	return buf
}

// DecodeFileHeader parses page 0, validating the magic and version.
func DecodeFileHeader(buf []byte) (*FileHeader, error) {
	if len(buf) < fhOffsetSlots {
		return nil, errors.Wrap(common.ErrInvalidFileHeader, "page 0 too small")
	}
	var magic [4]byte
	copy(magic[:], buf[fhOffsetMagic:fhOffsetMagic+4])
	if magic != Magic {
		return nil, errors.Wrap(common.ErrInvalidFileHeader, "bad magic")
	}

	h := &FileHeader{}
	copy(h.Version[:], buf[fhOffsetVersion:fhOffsetVersion+4])
	if h.Version[0] == 0 {
		return nil, errors.Wrap(common.ErrInvalidFileVersion, "zero major version")
	}
	h.PageSize = binary.LittleEndian.Uint32(buf[fhOffsetPageSize:])
	h.MaxDBs = binary.LittleEndian.Uint16(buf[fhOffsetMaxDBs:])
	h.PMStateBlob = binary.LittleEndian.Uint64(buf[fhOffsetPMState:])

	h.Slots = make([]DirectorySlot, h.MaxDBs)
	for i := range h.Slots {
		off := fhOffsetSlots + i*DirectorySlotSize
		if off+DirectorySlotSize > len(buf) {
			break
		}
		h.Slots[i] = DirectorySlot{
			Name:     binary.LittleEndian.Uint16(buf[off:]),
			MaxKeys:  binary.LittleEndian.Uint16(buf[off+2:]),
			KeySize:  binary.LittleEndian.Uint16(buf[off+4:]),
			RootPage: Address(binary.LittleEndian.Uint64(buf[off+8:])),
			Flags:    binary.LittleEndian.Uint32(buf[off+16:]),
			Recno:    binary.LittleEndian.Uint64(buf[off+20:]),
		}
	}
	return h, nil
}
