package shm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// is64Bit is true if the architecture has 64-bit pointers.
// Required for atomic 64-bit operations across processes.
var is64Bit = unsafe.Sizeof(uintptr(0)) >= 8

// SHM1 segment format constants.
const (
	// Segment format version.
	shm1Version = 1

	// Fixed header size in bytes. Records start right after the header.
	shm1HeaderSize = 256

	// Records are 8-byte aligned so every field can be accessed atomically.
	recordAlign = 8
)

var shm1Magic = [4]byte{'S', 'H', 'M', '1'}

// Safe integer conversion constants.
const (
	maxInt    = int(^uint(0) >> 1)
	maxUint32 = ^uint32(0)
)

// Header field offsets (bytes from file start).
const (
	offMagic        = 0x000 // [4]byte
	offVersion      = 0x004 // uint32
	offHeaderSize   = 0x008 // uint32
	offRecordSize   = 0x00C // uint32
	offCapacity     = 0x010 // uint64
	offKind         = 0x018 // uint32 (caller-defined tag)
	offHeaderCRC32C = 0x01C // uint32
	offInstanceID   = 0x020 // [16]byte
	offCreatedAt    = 0x030 // int64 unix nanos
	offCRCEnd       = 0x080 // CRC covers [0x000, 0x080)
	offCounters     = 0x080 // [CounterCount]uint64 (mutable, not covered by CRC)
	offReservedTail = 0x0C0 // reserved bytes through 0x0FF
)

// shm1Header represents the immutable part of the 256-byte SHM1 header.
type shm1Header struct {
	Magic        [4]byte
	Version      uint32
	HeaderSize   uint32
	RecordSize   uint32
	Capacity     uint64
	Kind         uint32
	HeaderCRC32C uint32
	InstanceID   uuid.UUID
	CreatedAt    int64
}

// encodeHeader serializes the header to a 256-byte slice.
// The CRC is computed and stored in the output; counters start at zero.
func encodeHeader(header *shm1Header) []byte {
	buf := make([]byte, shm1HeaderSize)

	copy(buf[offMagic:], header.Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], header.Version)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], header.HeaderSize)
	binary.LittleEndian.PutUint32(buf[offRecordSize:], header.RecordSize)
	binary.LittleEndian.PutUint64(buf[offCapacity:], header.Capacity)
	binary.LittleEndian.PutUint32(buf[offKind:], header.Kind)
	copy(buf[offInstanceID:], header.InstanceID[:])
	binary.LittleEndian.PutUint64(buf[offCreatedAt:], uint64(header.CreatedAt))

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC32C:], crc)

	return buf
}

// decodeHeader parses the immutable header fields. It does not validate them.
func decodeHeader(buf []byte) shm1Header {
	var h shm1Header

	copy(h.Magic[:], buf[offMagic:offMagic+4])
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	h.HeaderSize = binary.LittleEndian.Uint32(buf[offHeaderSize:])
	h.RecordSize = binary.LittleEndian.Uint32(buf[offRecordSize:])
	h.Capacity = binary.LittleEndian.Uint64(buf[offCapacity:])
	h.Kind = binary.LittleEndian.Uint32(buf[offKind:])
	h.HeaderCRC32C = binary.LittleEndian.Uint32(buf[offHeaderCRC32C:])
	copy(h.InstanceID[:], buf[offInstanceID:offInstanceID+16])
	h.CreatedAt = int64(binary.LittleEndian.Uint64(buf[offCreatedAt:]))

	return h
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// computeHeaderCRC calculates the CRC32-C checksum of the immutable header
// prefix with the crc field treated as zero.
func computeHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, offCRCEnd)
	copy(tmp, buf[:offCRCEnd])

	for i := offHeaderCRC32C; i < offHeaderCRC32C+4; i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, castagnoli)
}

// validateHeaderCRC checks if the stored CRC matches the computed CRC.
func validateHeaderCRC(buf []byte) bool {
	return binary.LittleEndian.Uint32(buf[offHeaderCRC32C:]) == computeHeaderCRC(buf)
}

// align8 rounds x up to the next multiple of 8.
func align8(x uint64) uint64 {
	return (x + recordAlign - 1) &^ (recordAlign - 1)
}

// segmentSize returns the total file size for a segment layout.
// Returns ErrInvalidInput if the size cannot be represented safely.
func segmentSize(recordSize, capacity uint64) (int, error) {
	if capacity > 0 && recordSize > (maxSegmentBytes-shm1HeaderSize)/capacity {
		return 0, fmt.Errorf("segment of %d x %d bytes exceeds max size %d: %w", capacity, recordSize, maxSegmentBytes, ErrInvalidInput)
	}

	size := uint64(shm1HeaderSize) + recordSize*capacity

	return uint64ToIntChecked(size)
}

// intToUint32Checked converts a non-negative int to uint32.
// Returns ErrInvalidInput if the value is negative or exceeds uint32 max.
func intToUint32Checked(v int) (uint32, error) {
	if v < 0 {
		return 0, fmt.Errorf("int %d is negative, cannot convert to uint32: %w", v, ErrInvalidInput)
	}

	u64 := uint64(v)

	if u64 > uint64(maxUint32) {
		return 0, fmt.Errorf("int %d exceeds uint32 max: %w", v, ErrInvalidInput)
	}

	return uint32(u64), nil
}

// uint64ToIntChecked converts uint64 to int.
// Returns ErrInvalidInput if the value exceeds maxInt.
func uint64ToIntChecked(v uint64) (int, error) {
	if v > uint64(maxInt) {
		return 0, fmt.Errorf("uint64 %d exceeds int max: %w", v, ErrInvalidInput)
	}

	return int(v), nil
}

// pageSize is the system page size, used for aligning msync ranges.
var pageSize = unix.Getpagesize()

// msyncRange performs a synchronous msync on the given byte range.
// The range is automatically page-aligned.
//
// Returns ErrInvalidInput if length <= 0, offset < 0 or offset >= len(data).
func msyncRange(data []byte, offset, length int) error {
	if length <= 0 {
		return fmt.Errorf("msyncRange: length %d <= 0: %w", length, ErrInvalidInput)
	}

	if offset < 0 {
		return fmt.Errorf("msyncRange: offset %d < 0: %w", offset, ErrInvalidInput)
	}

	if offset >= len(data) {
		return fmt.Errorf("msyncRange: offset %d >= data length %d: %w", offset, len(data), ErrInvalidInput)
	}

	if offset+length > len(data) {
		length = len(data) - offset
	}

	// Page-align: round offset down, round end up.
	alignedStart := (offset / pageSize) * pageSize
	alignedEnd := min(((offset+length+pageSize-1)/pageSize)*pageSize, len(data))

	err := unix.Msync(data[alignedStart:alignedEnd], unix.MS_SYNC)
	if err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}
