package journal

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/relaydb/pagestore/common"
)

// Applier replays a committed journal entry against the live database with
// journaling suppressed (spec §4.7 "Recovery" step 3).
type Applier interface {
	ApplyInsert(key, record []byte, insertFlags uint32) error
	ApplyErase(key []byte) error
}

// Recover streams both journal files in lsn order, reconstructs the set of
// committed transactions, and replays their operations (spec §4.7
// "Recovery"). checkpointLsn is the last lsn known to be durably reflected
// in the main database (the page-manager state blob); entries at or below
// it are skipped as already applied.
func Recover(dir string, a Applier, checkpointLsn uint64) (highestLsn uint64, err error) {
	j, err := Open(dir, nil)
	if err != nil {
		return 0, err
	}
	defer j.Close()

	var all []Entry
	for i := 0; i < 2; i++ {
		entries, err := readAllEntries(j.files[i], i)
		if err != nil {
			return 0, errors.Wrapf(err, "journal: recovery scan of %s", journalName(i))
		}
		all = append(all, entries...)
	}
	sort.Slice(all, func(a, b int) bool { return all[a].Lsn < all[b].Lsn })

	// Step 2: classify transactions.
	pending := make(map[uint64][]Entry)
	committed := make(map[uint64]bool)
	for _, e := range all {
		if e.Lsn > highestLsn {
			highestLsn = e.Lsn
		}
		switch e.Type {
		case EntryTxnBegin:
			pending[e.TxnID] = nil
		case EntryTxnAbort:
			delete(pending, e.TxnID)
		case EntryTxnCommit:
			committed[e.TxnID] = true
		case EntryInsert, EntryErase, EntryChangeset:
			if _, ok := pending[e.TxnID]; ok {
				pending[e.TxnID] = append(pending[e.TxnID], e)
			}
		}
	}

	// Step 3: replay every committed transaction's operations, in lsn
	// order, skipping anything already durable per the checkpoint.
	for _, e := range all {
		if e.Type != EntryInsert && e.Type != EntryErase {
			continue
		}
		if !committed[e.TxnID] {
			continue
		}
		if e.Lsn <= checkpointLsn {
			continue
		}
		if err := replay(a, e); err != nil {
			return highestLsn, errors.Wrapf(err, "journal: replay lsn %d", e.Lsn)
		}
	}

	return highestLsn, nil
}

func replay(a Applier, e Entry) error {
	switch e.Type {
	case EntryInsert:
		key, record, _, _, insertFlags, err := DecodeInsertPayload(e.Payload)
		if err != nil {
			return err
		}
		return a.ApplyInsert(key, record, insertFlags)
	case EntryErase:
		key, _, _, err := DecodeErasePayload(e.Payload)
		if err != nil {
			return err
		}
		return a.ApplyErase(key)
	default:
		return nil
	}
}

// readAllEntries streams every well-formed wire entry out of one journal
// file's body, validating each trailer and checksum; a short or corrupt
// trailing entry (a torn write from a crash mid-append) stops the scan
// without failing it, matching an append-only log's usual recovery
// tolerance.
func readAllEntries(pf *perFile, fileIndex int) ([]Entry, error) {
	body, err := io.ReadAll(io.NewSectionReader(pf.f, fileHeaderSize, 1<<40))
	if err != nil {
		return nil, err
	}

	var entries []Entry
	off := 0
	for off+entryHeaderSize <= len(body) {
		eh := decodeEntryHeader(body[off : off+entryHeaderSize])
		paddedLen := align8(int(eh.FollowupSize))
		need := entryHeaderSize + paddedLen + checksumSize + trailerSize
		if off+need > len(body) {
			break
		}

		payload := body[off+entryHeaderSize : off+entryHeaderSize+int(eh.FollowupSize)]
		checksumOff := off + entryHeaderSize + paddedLen
		trailerOff := checksumOff + checksumSize

		tr, err := decodeTrailer(body[trailerOff : trailerOff+trailerSize])
		if err != nil {
			break
		}
		if tr.fullSize() != uint32(need) || tr.Type != eh.Type {
			break
		}

		want := xxh3.Hash128(body[off : off+entryHeaderSize+paddedLen])
		got := binary.LittleEndian.Uint64(body[checksumOff : checksumOff+checksumSize])
		if got != want.Lo {
			return entries, errors.Wrap(common.ErrIntegrityViolated, "journal: checksum mismatch")
		}

		entries = append(entries, Entry{
			Lsn:       eh.Lsn,
			TxnID:     eh.TxnID,
			Type:      eh.Type,
			Dbname:    eh.Dbname,
			Payload:   append([]byte{}, payload...),
			FileIndex: fileIndex,
		})
		off += need
	}
	return entries, nil
}
