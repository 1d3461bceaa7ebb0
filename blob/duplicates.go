package blob

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// DuplicatePosition selects where a new duplicate record is inserted into an
// existing table (spec §4.4 "Duplicate tables").
type DuplicatePosition int

const (
	InsertBefore DuplicatePosition = iota
	InsertAfter
	InsertFirst
	InsertLast
	// InsertAt inserts at a specific 0-based index; use InsertAtIndex to
	// build the request.
	InsertAt
)

const (
	dupeEntrySize  = 1 + 1 + 8 // padding, flags, rid
	dupeTableCount = 0
	dupeTableCap   = 4
	dupeEntriesOff = 8
)

// DupeFlagTiny/Small/Empty mirror the int_key_t inlining rules so a
// duplicate entry's record can itself be stored inline (spec §3 "Internal
// key").
const (
	DupeFlagTiny  uint8 = 1 << 0
	DupeFlagSmall uint8 = 1 << 1
	DupeFlagEmpty uint8 = 1 << 2
)

// DupeEntry is one record slot inside a duplicate table.
type DupeEntry struct {
	Flags uint8
	RID   uint64 // blob id, or inline bytes packed into the low bytes when TINY/SMALL
}

// Table is the decoded payload of a duplicate-table blob: count, capacity,
// and a packed entry array (spec §3 "Duplicate table").
type Table struct {
	Entries []DupeEntry
}

func encodeTable(t *Table) []byte {
	capacity := len(t.Entries)
	if capacity == 0 {
		capacity = dupeTableCap
	}
	buf := make([]byte, dupeEntriesOff+capacity*dupeEntrySize)
	binary.LittleEndian.PutUint32(buf[dupeTableCount:], uint32(len(t.Entries)))
	binary.LittleEndian.PutUint32(buf[dupeTableCap:], uint32(capacity))
	for i, e := range t.Entries {
		off := dupeEntriesOff + i*dupeEntrySize
		buf[off+1] = e.Flags
		binary.LittleEndian.PutUint64(buf[off+2:], e.RID)
	}
	return buf
}

func decodeTable(buf []byte) (*Table, error) {
	if len(buf) < dupeEntriesOff {
		return nil, errors.New("blob: duplicate table truncated")
	}
	count := binary.LittleEndian.Uint32(buf[dupeTableCount:])
	t := &Table{Entries: make([]DupeEntry, count)}
	for i := range t.Entries {
		off := dupeEntriesOff + i*dupeEntrySize
		if off+dupeEntrySize > len(buf) {
			return nil, errors.New("blob: duplicate table entry out of range")
		}
		t.Entries[i] = DupeEntry{
			Flags: buf[off+1],
			RID:   binary.LittleEndian.Uint64(buf[off+2:]),
		}
	}
	return t, nil
}

// CreateDuplicateTable allocates a new duplicate-table blob seeded with the
// given entries (max two, mirroring blob_duplicate_insert's "first entry at
// the first position" contract) and returns its blob id.
func (m *Manager) CreateDuplicateTable(entries ...DupeEntry) (uint64, error) {
	t := &Table{Entries: entries}
	return m.Allocate(encodeTable(t))
}

// DuplicateCount returns the number of entries in the table at tableID.
func (m *Manager) DuplicateCount(tableID uint64) (int, error) {
	raw, err := m.Read(tableID)
	if err != nil {
		return 0, err
	}
	t, err := decodeTable(raw)
	if err != nil {
		return 0, err
	}
	return len(t.Entries), nil
}

// DuplicateAt returns the entry at the given 0-based position.
func (m *Manager) DuplicateAt(tableID uint64, position int) (DupeEntry, error) {
	raw, err := m.Read(tableID)
	if err != nil {
		return DupeEntry{}, err
	}
	t, err := decodeTable(raw)
	if err != nil {
		return DupeEntry{}, err
	}
	if position < 0 || position >= len(t.Entries) {
		return DupeEntry{}, errors.Errorf("blob: duplicate position %d out of range (count=%d)", position, len(t.Entries))
	}
	return t.Entries[position], nil
}

// InsertDuplicate inserts entry into the table at tableID according to pos,
// rewriting the blob in place (growing its allocation via Overwrite, which
// doubles capacity only in the sense that a larger encoding is requested —
// spec §4.4 "doubling its capacity when full"). Returns the table's
// (possibly new) blob id, since Overwrite may relocate it.
func (m *Manager) InsertDuplicate(tableID uint64, entry DupeEntry, pos DuplicatePosition, index int) (uint64, error) {
	raw, err := m.Read(tableID)
	if err != nil {
		return 0, err
	}
	t, err := decodeTable(raw)
	if err != nil {
		return 0, err
	}

	at := len(t.Entries)
	switch pos {
	case InsertFirst:
		at = 0
	case InsertLast:
		at = len(t.Entries)
	case InsertBefore:
		at = index
	case InsertAfter:
		at = index + 1
	case InsertAt:
		at = index
	}
	if at < 0 || at > len(t.Entries) {
		return 0, errors.Errorf("blob: duplicate insert position %d out of range", at)
	}

	t.Entries = append(t.Entries, DupeEntry{})
	copy(t.Entries[at+1:], t.Entries[at:])
	t.Entries[at] = entry

	return m.Overwrite(tableID, encodeTable(t))
}

// ReplaceDuplicate overwrites the entry at position with entry, freeing its
// old backing blob if one was allocated (spec §4.4 "overwrite... replaces
// the record of the current slot (or of the current dupe)").
func (m *Manager) ReplaceDuplicate(tableID uint64, position int, entry DupeEntry) (uint64, error) {
	raw, err := m.Read(tableID)
	if err != nil {
		return 0, err
	}
	t, err := decodeTable(raw)
	if err != nil {
		return 0, err
	}
	if position < 0 || position >= len(t.Entries) {
		return 0, errors.Errorf("blob: duplicate position %d out of range", position)
	}

	old := t.Entries[position]
	if old.Flags&(DupeFlagTiny|DupeFlagSmall|DupeFlagEmpty) == 0 && old.RID != entry.RID {
		if err := m.Free(old.RID); err != nil {
			return 0, err
		}
	}

	t.Entries[position] = entry
	return m.Overwrite(tableID, encodeTable(t))
}

// RemoveDuplicate removes the entry at position, freeing its backing blob if
// it isn't inlined. Returns the table's (possibly new) blob id, and whether
// the table is now empty (the caller should then convert the slot back to a
// plain record or erase it).
func (m *Manager) RemoveDuplicate(tableID uint64, position int) (newTableID uint64, empty bool, err error) {
	raw, err := m.Read(tableID)
	if err != nil {
		return 0, false, err
	}
	t, err := decodeTable(raw)
	if err != nil {
		return 0, false, err
	}
	if position < 0 || position >= len(t.Entries) {
		return 0, false, errors.Errorf("blob: duplicate position %d out of range", position)
	}

	removed := t.Entries[position]
	if removed.Flags&(DupeFlagTiny|DupeFlagSmall|DupeFlagEmpty) == 0 {
		if err := m.Free(removed.RID); err != nil {
			return 0, false, err
		}
	}

	t.Entries = append(t.Entries[:position], t.Entries[position+1:]...)
	if len(t.Entries) == 0 {
		if err := m.Free(tableID); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	}

	newID, err := m.Overwrite(tableID, encodeTable(t))
	return newID, false, err
}
