package slotdir

import "errors"

// Sentinel errors returned by slotdir operations. Check them with
// [errors.Is]. Disk-full and not-found conditions use the store package
// errors so callers of [store.Disk] need not know the backend.
var (
	// ErrInvalidOptions indicates unusable [Options].
	//
	// This is a programming error.
	ErrInvalidOptions = errors.New("slotdir: invalid options")

	// ErrBusy indicates the anchor for a key is locked by another writer
	// or by readers.
	//
	// Recovery: the caller gives up storing this object.
	ErrBusy = errors.New("slotdir: busy")

	// ErrCorruptSlot indicates a slot header that does not fit the chain it
	// was found in. Rebuild skips such chains.
	ErrCorruptSlot = errors.New("slotdir: corrupt slot")
)
