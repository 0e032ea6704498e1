package ipc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/calvinalkan/smpcache/pkg/shm"
)

// Key is a 128-bit cache key. The zero key marks an empty anchor.
type Key [16]byte

// IsZero reports whether k is the empty key.
func (k Key) IsZero() bool { return k == Key{} }

// Halves returns the key as two little-endian 64-bit words.
func (k Key) Halves() (uint64, uint64) {
	return binary.LittleEndian.Uint64(k[0:8]), binary.LittleEndian.Uint64(k[8:16])
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// AnchorID indexes an anchor in a [StoreMap] (the entry's file number).
type AnchorID int32

// SliceID indexes a slice in a [StoreMap]. [NoSlice] terminates a chain.
type SliceID int32

// NoSlice marks the end of a chain or an unset chain head.
const NoSlice SliceID = -1

// Anchor record layout (96 bytes, all fields little-endian).
const (
	anchorOffLock         = 0x00 // ReadWriteLock (16 bytes)
	anchorOffKey          = 0x10 // [16]byte as two uint64
	anchorOffTimestamp    = 0x20 // int64
	anchorOffLastRef      = 0x28 // int64
	anchorOffExpires      = 0x30 // int64
	anchorOffLastMod      = 0x38 // int64
	anchorOffSwapFileSize = 0x40 // uint64
	anchorOffRefCount     = 0x48 // uint32
	anchorOffFlags        = 0x4C // uint32
	anchorOffStart        = 0x50 // int32 SliceID
	anchorOffSplicePoint  = 0x54 // int32 SliceID
	anchorOffWaiting      = 0x58 // uint32 (bool) waitingToBeFreed

	// AnchorSize is the size of one anchor record.
	AnchorSize = 0x60
)

// Basics is the entry metadata copied into an anchor so that other
// processes can build their own entry for the same key.
type Basics struct {
	Timestamp    int64
	LastRef      int64
	Expires      int64
	LastMod      int64
	SwapFileSize uint64
	RefCount     uint32
	Flags        uint32
}

// Anchor is a view of one anchor record in shared memory.
//
// Fields other than the lock are only mutated by the holder of the
// exclusive lock; readers load them atomically.
type Anchor struct {
	b []byte
}

func newAnchor(b []byte) Anchor {
	if len(b) < AnchorSize {
		panic(fmt.Sprintf("ipc: anchor record of %d bytes, need %d", len(b), AnchorSize))
	}

	return Anchor{b: b}
}

// Lock returns the anchor's lock.
func (a Anchor) Lock() ReadWriteLock { return NewReadWriteLock(a.b[anchorOffLock:]) }

// Key returns the stored key.
func (a Anchor) Key() Key {
	var k Key

	binary.LittleEndian.PutUint64(k[0:8], shm.LoadUint64(a.b[anchorOffKey:]))
	binary.LittleEndian.PutUint64(k[8:16], shm.LoadUint64(a.b[anchorOffKey+8:]))

	return k
}

func (a Anchor) setKey(k Key) {
	lo, hi := k.Halves()
	shm.StoreUint64(a.b[anchorOffKey:], lo)
	shm.StoreUint64(a.b[anchorOffKey+8:], hi)
}

// SameKey reports whether the anchor stores k.
func (a Anchor) SameKey(k Key) bool { return a.Key() == k }

// Empty reports whether the anchor has no key.
func (a Anchor) Empty() bool {
	return shm.LoadUint64(a.b[anchorOffKey:]) == 0 && shm.LoadUint64(a.b[anchorOffKey+8:]) == 0
}

// Reading reports whether at least one reader holds the lock.
func (a Anchor) Reading() bool { return a.Lock().Readers() > 0 }

// Writing reports whether a writer holds (or is attempting) the lock.
func (a Anchor) Writing() bool { return a.Lock().Writers() > 0 }

// Complete reports whether the anchor has a finished entry.
func (a Anchor) Complete() bool { return !a.Empty() && !a.Writing() }

// Basics returns the stored metadata.
func (a Anchor) Basics() Basics {
	return Basics{
		Timestamp:    shm.LoadInt64(a.b[anchorOffTimestamp:]),
		LastRef:      shm.LoadInt64(a.b[anchorOffLastRef:]),
		Expires:      shm.LoadInt64(a.b[anchorOffExpires:]),
		LastMod:      shm.LoadInt64(a.b[anchorOffLastMod:]),
		SwapFileSize: shm.LoadUint64(a.b[anchorOffSwapFileSize:]),
		RefCount:     shm.LoadUint32(a.b[anchorOffRefCount:]),
		Flags:        shm.LoadUint32(a.b[anchorOffFlags:]),
	}
}

func (a Anchor) setBasics(v Basics) {
	shm.StoreInt64(a.b[anchorOffTimestamp:], v.Timestamp)
	shm.StoreInt64(a.b[anchorOffLastRef:], v.LastRef)
	shm.StoreInt64(a.b[anchorOffExpires:], v.Expires)
	shm.StoreInt64(a.b[anchorOffLastMod:], v.LastMod)
	shm.StoreUint64(a.b[anchorOffSwapFileSize:], v.SwapFileSize)
	shm.StoreUint32(a.b[anchorOffRefCount:], v.RefCount)
	shm.StoreUint32(a.b[anchorOffFlags:], v.Flags)
}

// Set stores key and metadata. The caller must hold the exclusive lock.
// The zero key marks an empty anchor and is rejected.
func (a Anchor) Set(k Key, v Basics) {
	a.mustWrite("Set")

	if k.IsZero() {
		panic("ipc: Anchor.Set with the zero key")
	}

	a.setBasics(v)
	a.setKey(k)
}

// SwapFileSize returns the stored object size. Appending readers poll it to
// learn when the writer finished.
func (a Anchor) SwapFileSize() uint64 { return shm.LoadUint64(a.b[anchorOffSwapFileSize:]) }

// SetSwapFileSize stores the final object size. The caller must hold the
// exclusive lock.
func (a Anchor) SetSwapFileSize(size uint64) {
	a.mustWrite("SetSwapFileSize")
	shm.StoreUint64(a.b[anchorOffSwapFileSize:], size)
}

// Start returns the chain head.
func (a Anchor) Start() SliceID { return SliceID(shm.LoadInt32(a.b[anchorOffStart:])) }

func (a Anchor) setStart(id SliceID) { shm.StoreInt32(a.b[anchorOffStart:], int32(id)) }

// SplicePoint returns the slice where an in-place update spliced a new
// chain suffix, or [NoSlice].
func (a Anchor) SplicePoint() SliceID {
	return SliceID(shm.LoadInt32(a.b[anchorOffSplicePoint:]))
}

// SetSplicePoint records a splice point. The caller must hold the exclusive lock.
func (a Anchor) SetSplicePoint(id SliceID) {
	a.mustWrite("SetSplicePoint")
	shm.StoreInt32(a.b[anchorOffSplicePoint:], int32(id))
}

// WaitingToBeFreed reports whether the anchor is marked for lazy freeing.
func (a Anchor) WaitingToBeFreed() bool { return shm.LoadUint32(a.b[anchorOffWaiting:]) != 0 }

func (a Anchor) setWaitingToBeFreed(v bool) {
	var u uint32
	if v {
		u = 1
	}

	shm.StoreUint32(a.b[anchorOffWaiting:], u)
}

// rewind clears everything except the lock.
func (a Anchor) rewind() {
	a.setStart(NoSlice)
	shm.StoreInt32(a.b[anchorOffSplicePoint:], int32(NoSlice))
	a.setKey(Key{})
	a.setBasics(Basics{})
	a.setWaitingToBeFreed(false)
}

func (a Anchor) mustWrite(op string) {
	if !a.Writing() {
		panic("ipc: Anchor." + op + " without exclusive lock")
	}
}

// Slice record layout.
const (
	sliceOffSize = 0x0 // uint32
	sliceOffNext = 0x4 // int32 SliceID

	// SliceSize is the size of one slice record.
	SliceSize = 0x8
)

// Slice is a view of one chain node: the byte count stored in the slice and
// the next slice of the same entry.
type Slice struct {
	b []byte
}

// Size returns the number of payload bytes in the slice.
func (s Slice) Size() uint32 { return shm.LoadUint32(s.b[sliceOffSize:]) }

// SetSize stores the payload size. Writers set it before linking the slice.
func (s Slice) SetSize(n uint32) { shm.StoreUint32(s.b[sliceOffSize:], n) }

// Next returns the following slice or [NoSlice].
func (s Slice) Next() SliceID { return SliceID(shm.LoadInt32(s.b[sliceOffNext:])) }

// SetNext links id after this slice. A linked slice is never relinked: it
// panics if next is already set.
func (s Slice) SetNext(id SliceID) {
	if !shm.CompareAndSwapInt32(s.b[sliceOffNext:], int32(NoSlice), int32(id)) {
		panic(fmt.Sprintf("ipc: slice already linked to %d", s.Next()))
	}
}

func (s Slice) clear() {
	shm.StoreUint32(s.b[sliceOffSize:], 0)
	shm.StoreInt32(s.b[sliceOffNext:], int32(NoSlice))
}
