package shm

import "errors"

// Sentinel errors returned by segment operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, shm.ErrIncompatible) {
//	    _ = shm.Remove(path)
//	    // recreate the segment
//	}
var (
	// ErrCorrupt indicates the segment file is damaged (bad magic, CRC
	// mismatch, truncated file).
	//
	// Recovery: remove and recreate the segment.
	ErrCorrupt = errors.New("shm: corrupt")

	// ErrIncompatible indicates the segment was created with a different
	// version, kind, record size or capacity than the caller expects.
	//
	// Recovery: remove and recreate the segment with matching options.
	ErrIncompatible = errors.New("shm: incompatible")

	// ErrInvalidInput indicates invalid options were provided.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("shm: invalid input")

	// ErrClosed indicates the [Segment] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("shm: closed")
)

// ErrWouldBlock is returned by [LockSet] when another process holds a
// conflicting lock and the wait expired.
var ErrWouldBlock = errors.New("shm: lock would block")
