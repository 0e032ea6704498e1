package store

import "github.com/calvinalkan/smpcache/pkg/ipc"

// Disk is a cache directory shared by all workers. Every entry with a disk
// location holds a lock on the location's anchor: shared once the object
// is complete, exclusive while this worker writes it.
//
// Disk methods are called from the owning [Store]'s event loop only.
type Disk interface {
	// Index returns the directory number stored in entries.
	Index() int

	// CanStore reports whether an object of size bytes (-1 if unknown) fits.
	CanStore(size int64) bool

	// Lookup finds the complete object stored under key and read-locks it.
	Lookup(key Key) (Location, bool)

	// AnchorCollapsed finds the object stored under key even while another
	// worker still writes it, and read-locks it.
	AnchorCollapsed(key Key) (Location, bool)

	// Create starts writing e and exclusively locks a new location.
	Create(e *Entry, cb IOCallbacks) (IOState, ipc.AnchorID, error)

	// Open starts reading e at its current location.
	Open(e *Entry) (IOState, error)

	// MarkForUnlink asks for e's location to be freed once unlocked.
	MarkForUnlink(e *Entry)

	// Unlink frees e's location and drops e's lock on it.
	Unlink(e *Entry)

	// Disconnect drops e's lock on its location.
	Disconnect(e *Entry)

	// Rebuilding reports whether the index is still being rebuilt.
	Rebuilding() bool
}

// Location is where a disk object lives, with its shared metadata.
type Location struct {
	Filen    ipc.AnchorID
	Basics   ipc.Basics
	Complete bool
}

// IOState is an open disk object. Writers append with Write; readers issue
// positioned reads. Completions run on the event loop.
type IOState interface {
	// Write queues b at the current write offset. Errors surface through
	// IOCallbacks.Closed.
	Write(b []byte)

	// Read reads up to len(b) bytes at off and calls done with the count.
	// A short count, including zero, means the bytes are not on disk yet.
	Read(b []byte, off int64, done func(n int, err error))

	// Progress returns the number of readable bytes and whether the writer
	// finished. It returns [ErrWriterGone] once the writer abandoned the
	// object.
	Progress() (size int64, complete bool, err error)

	// Offset returns the number of bytes accepted by Write.
	Offset() int64

	// Close ends the I/O. Closing a writer with CloseWriterDone makes the
	// object complete once every queued write landed.
	Close(how CloseHow)
}

// IOCallbacks receive writer events.
type IOCallbacks struct {
	// Wrote is called when more bytes became visible to readers.
	Wrote func()

	// Closed is called once with the final writer status.
	Closed func(err error)
}
