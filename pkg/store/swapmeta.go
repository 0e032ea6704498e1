package store

import (
	"encoding/binary"
	"fmt"
)

// Swap metadata precedes the object bytes in every disk copy:
//
//	magic(4) | len(u32) | key(16) | timestamp(i64) | lastref(i64) |
//	expires(i64) | lastmod(i64) | refcount(u32) | flags(u32) |
//	status(i32) | content length(i64) | date(i64) | header size(u32) |
//	method(u8) | url length(u16) | url
//
// All integers are little-endian. len covers the whole metadata block.
const (
	swapMetaFixed = 4 + 4 + 16 + 8*4 + 4 + 4 + 4 + 8 + 8 + 4 + 1 + 2
	maxURLSize    = 1 << 12
)

var swapMetaMagic = [4]byte{'S', 'W', 'M', '1'}

// SwapMeta is the decoded swap metadata of a disk copy.
type SwapMeta struct {
	Key           Key
	Timestamp     int64
	LastRef       int64
	Expires       int64
	LastMod       int64
	RefCount      uint32
	Flags         Flags
	Status        int
	ContentLength int64
	Date          int64
	HeaderSize    uint32
	Method        Method
	URL           string
}

// Size returns the encoded size.
func (m *SwapMeta) Size() int { return swapMetaFixed + len(m.URL) }

// AppendBinary appends the encoded metadata to b.
func (m *SwapMeta) AppendBinary(b []byte) ([]byte, error) {
	if len(m.URL) > maxURLSize {
		return b, fmt.Errorf("url of %d bytes: %w", len(m.URL), ErrCorruptMeta)
	}

	le := binary.LittleEndian

	b = append(b, swapMetaMagic[:]...)
	b = le.AppendUint32(b, uint32(m.Size())) //nolint:gosec // bounded by maxURLSize
	b = append(b, m.Key[:]...)
	b = le.AppendUint64(b, uint64(m.Timestamp)) //nolint:gosec
	b = le.AppendUint64(b, uint64(m.LastRef))   //nolint:gosec
	b = le.AppendUint64(b, uint64(m.Expires))   //nolint:gosec
	b = le.AppendUint64(b, uint64(m.LastMod))   //nolint:gosec
	b = le.AppendUint32(b, m.RefCount)
	b = le.AppendUint32(b, uint32(m.Flags))
	b = le.AppendUint32(b, uint32(int32(m.Status)))   //nolint:gosec
	b = le.AppendUint64(b, uint64(m.ContentLength))   //nolint:gosec
	b = le.AppendUint64(b, uint64(m.Date))            //nolint:gosec
	b = le.AppendUint32(b, m.HeaderSize)
	b = append(b, byte(m.Method))
	b = le.AppendUint16(b, uint16(len(m.URL))) //nolint:gosec
	b = append(b, m.URL...)

	return b, nil
}

// DecodeSwapMeta decodes the metadata at the start of b and returns it with
// its encoded size. A prefix too short to hold the whole block returns
// errShortMeta; anything malformed returns [ErrCorruptMeta].
func DecodeSwapMeta(b []byte) (SwapMeta, int, error) {
	if len(b) < 8 {
		return SwapMeta{}, 0, errShortMeta
	}

	if [4]byte(b[0:4]) != swapMetaMagic {
		return SwapMeta{}, 0, fmt.Errorf("bad magic %x: %w", b[0:4], ErrCorruptMeta)
	}

	le := binary.LittleEndian

	size := int(le.Uint32(b[4:8]))
	if size < swapMetaFixed || size > swapMetaFixed+maxURLSize {
		return SwapMeta{}, 0, fmt.Errorf("metadata size %d: %w", size, ErrCorruptMeta)
	}

	if len(b) < size {
		return SwapMeta{}, 0, errShortMeta
	}

	var m SwapMeta

	off := 8
	copy(m.Key[:], b[off:off+16])
	off += 16

	i64 := func() int64 {
		v := int64(le.Uint64(b[off:])) //nolint:gosec
		off += 8

		return v
	}
	u32 := func() uint32 {
		v := le.Uint32(b[off:])
		off += 4

		return v
	}

	m.Timestamp = i64()
	m.LastRef = i64()
	m.Expires = i64()
	m.LastMod = i64()
	m.RefCount = u32()
	m.Flags = Flags(u32())
	m.Status = int(int32(u32())) //nolint:gosec
	m.ContentLength = i64()
	m.Date = i64()
	m.HeaderSize = u32()
	m.Method = Method(b[off])
	off++

	urlLen := int(le.Uint16(b[off:]))
	off += 2

	if off+urlLen != size {
		return SwapMeta{}, 0, fmt.Errorf("url length %d does not fit size %d: %w", urlLen, size, ErrCorruptMeta)
	}

	m.URL = string(b[off : off+urlLen])

	return m, size, nil
}

// reply rebuilds the reply from the metadata and the header block.
func (m *SwapMeta) reply(header []byte) *Reply {
	return &Reply{
		Status:        m.Status,
		ContentLength: m.ContentLength,
		Date:          m.Date,
		Expires:       m.Expires,
		LastModified:  m.LastMod,
		Header:        append([]byte(nil), header...),
	}
}
