package common

import "errors"

// Sentinel errors for the engine's error taxonomy. Callers compare with
// errors.Is; wrapped context (page address, lsn, operation name) is attached
// with github.com/pkg/errors at the call site rather than folded into the
// sentinel itself.
var (
	// Invalid-input: returned before any state change.
	ErrInvalidKeySize  = errors.New("invalid key size")
	ErrInvalidPageSize = errors.New("invalid page size")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrCursorIsNil     = errors.New("cursor is nil")
	ErrReadOnly        = errors.New("database opened read-only")
	ErrKeyEmpty        = errors.New("key cannot be empty")

	// Not-found.
	ErrKeyNotFound    = errors.New("key not found")
	ErrBlobNotFound   = errors.New("blob not found")
	ErrDatabaseNotFound = errors.New("database not found")

	// Conflict.
	ErrDuplicateKey = errors.New("duplicate key")

	// Resource.
	ErrOutOfMemory   = errors.New("out of memory")
	ErrDiskFull      = errors.New("disk full")
	ErrLimitsReached = errors.New("limits reached")
	ErrWouldBlock    = errors.New("would block")

	// Corruption.
	ErrInvalidFileHeader  = errors.New("invalid file header")
	ErrInvalidFileVersion = errors.New("invalid file version")
	ErrIntegrityViolated  = errors.New("integrity violated")

	// I/O.
	ErrIO = errors.New("i/o error")

	// Journal / recovery.
	ErrNeedsRecovery      = errors.New("environment needs recovery")
	ErrJournalInvalidHeader = errors.New("invalid journal file header")

	ErrClosed = errors.New("storage engine closed")
)
