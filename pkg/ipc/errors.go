package ipc

import "errors"

// Sentinel errors returned by queue operations. Lock and map operations
// never return errors: contention is reported as false.
var (
	// ErrQueueFull indicates the destination queue has no free item slot.
	// The item was dropped and the reader's overflow flag raised.
	//
	// Recovery: none needed, the reader resynchronizes on its own.
	ErrQueueFull = errors.New("ipc: queue full")

	// ErrItemTooLarge indicates an item larger than the queue item size.
	//
	// This is a programming error.
	ErrItemTooLarge = errors.New("ipc: item too large")
)
