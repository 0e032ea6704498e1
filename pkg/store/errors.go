package store

import "errors"

// Errors delivered through I/O callbacks. Copy results carry only an error
// flag; these values reach disk backends and logs.
var (
	// ErrDiskFull indicates the disk backend could not allocate space for
	// the object. The swap-out fails and the entry is released.
	ErrDiskFull = errors.New("store: disk full")

	// ErrReaderGone is the close status of a swap-in whose client left.
	ErrReaderGone = errors.New("store: reader gone")

	// ErrWriterGone is the close status of a swap-out whose entry was
	// aborted, and the read error seen by readers of an abandoned entry.
	ErrWriterGone = errors.New("store: writer gone")

	// ErrNotFound indicates the disk has no object for a key.
	ErrNotFound = errors.New("store: not found")

	// ErrCorruptMeta indicates swap metadata failed validation.
	ErrCorruptMeta = errors.New("store: corrupt swap metadata")

	// errShortMeta indicates more bytes are needed to decode swap metadata.
	errShortMeta = errors.New("store: short swap metadata")
)
