// Package journal implements the write-ahead log the environment replays
// after a crash: two rotating append-only files, each entry a fixed-size
// header plus a type-specific payload plus a trailer, with an lsn shared
// across both files (spec §4.7 "Journal").
package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/relaydb/pagestore/common"
)

// Entry types (spec §4.7 "Entry types").
const (
	EntryTxnBegin  uint8 = 1
	EntryTxnAbort  uint8 = 2
	EntryTxnCommit uint8 = 3
	EntryInsert    uint8 = 4
	EntryErase     uint8 = 5
	EntryChangeset uint8 = 6
)

const (
	fileHeaderSize  = 24
	entryHeaderSize = 32
	checksumSize    = 8
	trailerSize     = 8

	// DefaultThreshold is the number of transactions an active file absorbs
	// before the journal attempts to rotate to its sibling (spec §4.7
	// "Rotation").
	DefaultThreshold = 16

	// DefaultFlushBytes is the per-file append-buffer size that forces a
	// flush even without a commit (spec §4.7 "Buffering").
	DefaultFlushBytes = 1 << 20
)

var fileMagic = [4]byte{'h', 'j', 'o', '2'}
var trailerMagic = [4]byte{'h', 't', 'r', '1'}

type fileHeader struct {
	Magic     [4]byte
	Reserved  uint32
	Lsn       uint64
	Reserved2 uint64
}

func (h fileHeader) encode() []byte {
	buf := make([]byte, fileHeaderSize)
	copy(buf[0:], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:], h.Lsn)
	binary.LittleEndian.PutUint64(buf[16:], h.Reserved2)
	return buf
}

func decodeFileHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	if len(buf) < fileHeaderSize {
		return h, errors.Wrap(common.ErrJournalInvalidHeader, "short header")
	}
	copy(h.Magic[:], buf[0:4])
	if h.Magic != fileMagic {
		return h, errors.Wrap(common.ErrJournalInvalidHeader, "bad magic")
	}
	h.Reserved = binary.LittleEndian.Uint32(buf[4:])
	h.Lsn = binary.LittleEndian.Uint64(buf[8:])
	h.Reserved2 = binary.LittleEndian.Uint64(buf[16:])
	return h, nil
}

// entryHeader is the fixed-size PJournalEntry prefix (spec §4.7).
type entryHeader struct {
	Lsn          uint64
	FollowupSize uint32
	TxnID        uint64
	Type         uint8
	Dbname       uint16
	Reserved     [9]byte
}

func (e entryHeader) encode() []byte {
	buf := make([]byte, entryHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:], e.Lsn)
	binary.LittleEndian.PutUint32(buf[8:], e.FollowupSize)
	binary.LittleEndian.PutUint64(buf[12:], e.TxnID)
	buf[20] = e.Type
	binary.LittleEndian.PutUint16(buf[21:], e.Dbname)
	copy(buf[23:], e.Reserved[:])
	return buf
}

func decodeEntryHeader(buf []byte) entryHeader {
	var e entryHeader
	e.Lsn = binary.LittleEndian.Uint64(buf[0:])
	e.FollowupSize = binary.LittleEndian.Uint32(buf[8:])
	e.TxnID = binary.LittleEndian.Uint64(buf[12:])
	e.Type = buf[20]
	e.Dbname = binary.LittleEndian.Uint16(buf[21:])
	copy(e.Reserved[:], buf[23:])
	return e
}

type trailer struct {
	Magic    [4]byte
	Type     uint8
	FullSize [3]byte // 24-bit big-endian, bounds a single entry to 16 MiB
}

func encodeTrailer(typ uint8, fullSize uint32) []byte {
	buf := make([]byte, trailerSize)
	copy(buf[0:], trailerMagic[:])
	buf[4] = typ
	buf[5] = byte(fullSize >> 16)
	buf[6] = byte(fullSize >> 8)
	buf[7] = byte(fullSize)
	return buf
}

func decodeTrailer(buf []byte) (trailer, error) {
	var tr trailer
	copy(tr.Magic[:], buf[0:4])
	if tr.Magic != trailerMagic {
		return tr, errors.Wrap(common.ErrJournalInvalidHeader, "bad trailer magic")
	}
	tr.Type = buf[4]
	copy(tr.FullSize[:], buf[5:8])
	return tr, nil
}

func (tr trailer) fullSize() uint32 {
	return uint32(tr.FullSize[0])<<16 | uint32(tr.FullSize[1])<<8 | uint32(tr.FullSize[2])
}

// align8 rounds n up to the next multiple of 8, matching the wire layout's
// "payload aligned up to 8 bytes" rule (spec §4.7 "Layout").
func align8(n int) int {
	return (n + 7) &^ 7
}

// Entry is one decoded record as seen by a Recovery walk.
type Entry struct {
	Lsn       uint64
	TxnID     uint64
	Type      uint8
	Dbname    uint16
	Payload   []byte
	FileIndex int
}

// perFile tracks one of the two rotating journal files.
type perFile struct {
	f        *os.File
	path     string
	header    fileHeader
	buf       []byte
	openTxns  int
	totalTxns int
}

// Journal owns the two rotating journal files and the shared lsn counter.
type Journal struct {
	mu        sync.Mutex
	dir       string
	files     [2]*perFile
	active    int
	lsn       uint64
	threshold int
	flushAt   int
	log       *zap.SugaredLogger
	txnFile   map[uint64]int // open txn id -> file index it was begun in
}

// Open opens (or creates) the two rotating journal files under dir.
func Open(dir string, log *zap.SugaredLogger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	j := &Journal{
		dir:       dir,
		threshold: DefaultThreshold,
		flushAt:   DefaultFlushBytes,
		log:       log,
		txnFile:   make(map[uint64]int),
	}
	for i := 0; i < 2; i++ {
		pf, err := openOrCreateFile(filepath.Join(dir, journalName(i)))
		if err != nil {
			j.Close()
			return nil, errors.Wrapf(err, "journal: open %s", journalName(i))
		}
		j.files[i] = pf
		if pf.header.Lsn > j.lsn {
			j.lsn = pf.header.Lsn
		}
	}
	j.active = 0
	if j.files[1].header.Lsn > j.files[0].header.Lsn {
		j.active = 1
	}
	return j, nil
}

func journalName(i int) string {
	if i == 0 {
		return ".jrn0"
	}
	return ".jrn1"
}

func openOrCreateFile(path string) (*perFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	pf := &perFile{f: f, path: path}
	if info.Size() < fileHeaderSize {
		pf.header = fileHeader{Magic: fileMagic}
		if _, err := f.WriteAt(pf.header.encode(), 0); err != nil {
			f.Close()
			return nil, err
		}
		return pf, nil
	}

	hdrBuf := make([]byte, fileHeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, err
	}
	h, err := decodeFileHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	pf.header = h
	return pf, nil
}

// Close flushes and closes both journal files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var first error
	for _, pf := range j.files {
		if pf == nil {
			continue
		}
		if err := j.flushLocked(pf); err != nil && first == nil {
			first = err
		}
		if err := pf.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (j *Journal) nextLsn() (uint64, error) {
	if j.lsn >= common.JournalLsnOverflowMark {
		return 0, errors.Wrap(common.ErrLimitsReached, "journal: lsn approaching overflow")
	}
	j.lsn++
	return j.lsn, nil
}

// Begin records a TXN_BEGIN entry and returns the journal file index this
// transaction is bound to; commit/abort must target the same file (spec
// §4.7 "Each transaction carries a journal file index").
func (j *Journal) Begin(txnID uint64, dbname uint16) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.rotateIfNeededLocked()
	idx := j.active
	pf := j.files[idx]

	if _, err := j.appendLocked(pf, EntryTxnBegin, txnID, dbname, nil); err != nil {
		return 0, err
	}
	pf.openTxns++
	pf.totalTxns++
	j.txnFile[txnID] = idx
	return idx, nil
}

// rotateIfNeededLocked switches the active file once it has absorbed
// threshold transactions, but only onto a sibling with no open transactions
// (spec §4.7 "Rotation").
func (j *Journal) rotateIfNeededLocked() {
	active := j.files[j.active]
	if active.totalTxns < j.threshold {
		return
	}
	sibling := 1 - j.active
	if j.files[sibling].openTxns == 0 {
		j.active = sibling
		j.files[sibling].totalTxns = 0
	}
}

// Commit records a TXN_COMMIT entry, flushes, and syncs the owning file
// (spec §4.7 "after commit the underlying file is explicitly synced").
func (j *Journal) Commit(txnID uint64, fileIndex int) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	pf := j.files[fileIndex]
	lsn, err := j.appendLocked(pf, EntryTxnCommit, txnID, 0, nil)
	if err != nil {
		return 0, err
	}
	if err := j.flushLocked(pf); err != nil {
		return 0, err
	}
	if err := pf.f.Sync(); err != nil {
		return 0, errors.Wrap(err, "journal: fsync on commit")
	}
	pf.openTxns--
	delete(j.txnFile, txnID)
	return lsn, nil
}

// Abort records a TXN_ABORT entry; unlike commit it does not force an fsync.
func (j *Journal) Abort(txnID uint64, fileIndex int) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	pf := j.files[fileIndex]
	lsn, err := j.appendLocked(pf, EntryTxnAbort, txnID, 0, nil)
	if err != nil {
		return 0, err
	}
	pf.openTxns--
	delete(j.txnFile, txnID)
	return lsn, nil
}

// InsertPayload builds an INSERT entry payload: key_size, record_size,
// partial_size, partial_offset, insert_flags, key_bytes, record_bytes
// (spec §4.7).
func InsertPayload(key, record []byte, partialSize, partialOffset, insertFlags uint32) []byte {
	buf := make([]byte, 20+len(key)+len(record))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(record)))
	binary.LittleEndian.PutUint32(buf[8:], partialSize)
	binary.LittleEndian.PutUint32(buf[12:], partialOffset)
	binary.LittleEndian.PutUint32(buf[16:], insertFlags)
	copy(buf[20:], key)
	copy(buf[20+len(key):], record)
	return buf
}

// DecodeInsertPayload reverses InsertPayload.
func DecodeInsertPayload(buf []byte) (key, record []byte, partialSize, partialOffset, insertFlags uint32, err error) {
	if len(buf) < 20 {
		return nil, nil, 0, 0, 0, errors.Wrap(common.ErrJournalInvalidHeader, "insert payload too short")
	}
	keySize := binary.LittleEndian.Uint32(buf[0:])
	recSize := binary.LittleEndian.Uint32(buf[4:])
	partialSize = binary.LittleEndian.Uint32(buf[8:])
	partialOffset = binary.LittleEndian.Uint32(buf[12:])
	insertFlags = binary.LittleEndian.Uint32(buf[16:])
	if 20+int(keySize)+int(recSize) > len(buf) {
		return nil, nil, 0, 0, 0, errors.Wrap(common.ErrJournalInvalidHeader, "insert payload truncated")
	}
	key = buf[20 : 20+keySize]
	record = buf[20+keySize : 20+keySize+recSize]
	return key, record, partialSize, partialOffset, insertFlags, nil
}

// ErasePayload builds an ERASE entry payload: key_size, erase_flags,
// duplicate_index, key_bytes (spec §4.7).
func ErasePayload(key []byte, eraseFlags uint32, dupeIndex int32) []byte {
	buf := make([]byte, 12+len(key))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[4:], eraseFlags)
	binary.LittleEndian.PutUint32(buf[8:], uint32(dupeIndex))
	copy(buf[12:], key)
	return buf
}

// DecodeErasePayload reverses ErasePayload.
func DecodeErasePayload(buf []byte) (key []byte, eraseFlags uint32, dupeIndex int32, err error) {
	if len(buf) < 12 {
		return nil, 0, 0, errors.Wrap(common.ErrJournalInvalidHeader, "erase payload too short")
	}
	keySize := binary.LittleEndian.Uint32(buf[0:])
	eraseFlags = binary.LittleEndian.Uint32(buf[4:])
	dupeIndex = int32(binary.LittleEndian.Uint32(buf[8:]))
	if 12+int(keySize) > len(buf) {
		return nil, 0, 0, errors.Wrap(common.ErrJournalInvalidHeader, "erase payload truncated")
	}
	key = buf[12 : 12+keySize]
	return key, eraseFlags, dupeIndex, nil
}

// LogInsert appends an INSERT entry to the file txnID was begun on.
func (j *Journal) LogInsert(txnID uint64, fileIndex int, key, record []byte, partialSize, partialOffset, insertFlags uint32) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	pf := j.files[fileIndex]
	return j.appendLocked(pf, EntryInsert, txnID, 0, InsertPayload(key, record, partialSize, partialOffset, insertFlags))
}

// LogErase appends an ERASE entry to the file txnID was begun on.
func (j *Journal) LogErase(txnID uint64, fileIndex int, key []byte, eraseFlags uint32, dupeIndex int32) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	pf := j.files[fileIndex]
	return j.appendLocked(pf, EntryErase, txnID, 0, ErasePayload(key, eraseFlags, dupeIndex))
}

// LogChangeset appends a bundled physical page delta (spec §4.7 "CHANGESET").
func (j *Journal) LogChangeset(txnID uint64, fileIndex int, pageDelta []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	pf := j.files[fileIndex]
	return j.appendLocked(pf, EntryChangeset, txnID, 0, pageDelta)
}

// appendLocked writes one full wire entry (header, payload, checksum,
// trailer) into pf's in-memory buffer and flushes it if the flush threshold
// or a commit is reached.
func (j *Journal) appendLocked(pf *perFile, typ uint8, txnID uint64, dbname uint16, payload []byte) (uint64, error) {
	lsn, err := j.nextLsn()
	if err != nil {
		return 0, err
	}

	paddedLen := align8(len(payload))
	eh := entryHeader{Lsn: lsn, FollowupSize: uint32(len(payload)), TxnID: txnID, Type: typ, Dbname: dbname}
	hdrBuf := eh.encode()
	payloadBuf := make([]byte, paddedLen)
	copy(payloadBuf, payload)

	sum := xxh3.Hash128(append(append([]byte{}, hdrBuf...), payloadBuf...))
	sumBuf := make([]byte, checksumSize)
	binary.LittleEndian.PutUint64(sumBuf, sum.Lo)

	fullSize := uint32(entryHeaderSize + paddedLen + checksumSize + trailerSize)
	trailerBuf := encodeTrailer(typ, fullSize)

	record := make([]byte, 0, fullSize)
	record = append(record, hdrBuf...)
	record = append(record, payloadBuf...)
	record = append(record, sumBuf...)
	record = append(record, trailerBuf...)

	pf.buf = append(pf.buf, record...)
	if len(pf.buf) >= j.flushAt || typ == EntryTxnCommit {
		if err := j.flushLocked(pf); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

func (j *Journal) flushLocked(pf *perFile) error {
	if len(pf.buf) == 0 {
		return nil
	}
	info, err := pf.f.Stat()
	if err != nil {
		return errors.Wrap(err, "journal: stat")
	}
	if _, err := pf.f.WriteAt(pf.buf, info.Size()); err != nil {
		return errors.Wrap(err, "journal: flush")
	}
	pf.header.Lsn = j.lsn
	if _, err := pf.f.WriteAt(pf.header.encode(), 0); err != nil {
		return errors.Wrap(err, "journal: update header lsn")
	}
	pf.buf = pf.buf[:0]
	return nil
}

// Truncate resets both files to header-only size, used after recovery has
// fully replayed them (spec §4.7 "On completion, truncate both files to
// header size").
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, pf := range j.files {
		if err := pf.f.Truncate(fileHeaderSize); err != nil {
			return errors.Wrap(err, "journal: truncate")
		}
		pf.buf = pf.buf[:0]
		pf.openTxns = 0
		pf.totalTxns = 0
	}
	j.txnFile = make(map[uint64]int)
	return nil
}
