package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// The accessors below are the only place where this module turns bytes of a
// shared mapping into atomic words. Every caller passes a slice that starts at
// the field to access; the slice must come from a [Segment] record or counter
// so that alignment follows from the segment layout (header and record sizes
// are multiples of 8, mappings are page aligned).
//
// Go's sync/atomic operations are sequentially consistent, which is stronger
// than the acquire/release ordering the cross-process protocols need.

// checkAligned panics when b cannot hold an aligned word of the given size.
// A misaligned field is a layout bug, never a runtime condition.
func checkAligned(b []byte, size uintptr) unsafe.Pointer {
	if uintptr(len(b)) < size {
		panic(fmt.Sprintf("shm: atomic access to %d bytes needs %d", len(b), size))
	}

	p := unsafe.Pointer(&b[0])
	if uintptr(p)%size != 0 {
		panic(fmt.Sprintf("shm: misaligned %d-byte atomic at %p", size, p))
	}

	return p
}

// LoadUint32 atomically loads a uint32 stored at b[0:4].
func LoadUint32(b []byte) uint32 {
	return atomic.LoadUint32((*uint32)(checkAligned(b, 4)))
}

// StoreUint32 atomically stores v at b[0:4].
func StoreUint32(b []byte, v uint32) {
	atomic.StoreUint32((*uint32)(checkAligned(b, 4)), v)
}

// AddUint32 atomically adds delta to the uint32 at b[0:4] and returns the new value.
// Use ^uint32(0) to decrement.
func AddUint32(b []byte, delta uint32) uint32 {
	return atomic.AddUint32((*uint32)(checkAligned(b, 4)), delta)
}

// CompareAndSwapUint32 executes the compare-and-swap operation on b[0:4].
func CompareAndSwapUint32(b []byte, old, v uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(checkAligned(b, 4)), old, v)
}

// SwapUint32 atomically stores v at b[0:4] and returns the previous value.
func SwapUint32(b []byte, v uint32) uint32 {
	return atomic.SwapUint32((*uint32)(checkAligned(b, 4)), v)
}

// LoadInt32 atomically loads an int32 stored at b[0:4].
func LoadInt32(b []byte) int32 {
	return atomic.LoadInt32((*int32)(checkAligned(b, 4)))
}

// StoreInt32 atomically stores v at b[0:4].
func StoreInt32(b []byte, v int32) {
	atomic.StoreInt32((*int32)(checkAligned(b, 4)), v)
}

// CompareAndSwapInt32 executes the compare-and-swap operation on b[0:4].
func CompareAndSwapInt32(b []byte, old, v int32) bool {
	return atomic.CompareAndSwapInt32((*int32)(checkAligned(b, 4)), old, v)
}

// LoadUint64 atomically loads a uint64 stored at b[0:8].
func LoadUint64(b []byte) uint64 {
	return atomic.LoadUint64((*uint64)(checkAligned(b, 8)))
}

// StoreUint64 atomically stores v at b[0:8].
func StoreUint64(b []byte, v uint64) {
	atomic.StoreUint64((*uint64)(checkAligned(b, 8)), v)
}

// AddUint64 atomically adds delta to the uint64 at b[0:8] and returns the new value.
func AddUint64(b []byte, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(checkAligned(b, 8)), delta)
}

// CompareAndSwapUint64 executes the compare-and-swap operation on b[0:8].
func CompareAndSwapUint64(b []byte, old, v uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(checkAligned(b, 8)), old, v)
}

// LoadInt64 atomically loads an int64 stored at b[0:8].
func LoadInt64(b []byte) int64 {
	return atomic.LoadInt64((*int64)(checkAligned(b, 8)))
}

// StoreInt64 atomically stores v at b[0:8].
func StoreInt64(b []byte, v int64) {
	atomic.StoreInt64((*int64)(checkAligned(b, 8)), v)
}

// AddInt64 atomically adds delta to the int64 at b[0:8] and returns the new value.
func AddInt64(b []byte, delta int64) int64 {
	return atomic.AddInt64((*int64)(checkAligned(b, 8)), delta)
}
