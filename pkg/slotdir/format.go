package slotdir

import (
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/smpcache/pkg/ipc"
)

// Every slot starts with a fixed header followed by payload:
//
//	key(16) | entry size(u64) | next slot(i32) | payload size(u32)
//
// Entry size is set in the first slot of a chain once the object is
// complete; it is zero in every other slot and in chains that were never
// finished. Integers are little-endian.
const (
	slotHeaderSize = 32

	hdrOffKey       = 0
	hdrOffEntrySize = 16
	hdrOffNext      = 24
	hdrOffPayload   = 28
)

type slotHeader struct {
	key       ipc.Key
	entrySize uint64
	next      ipc.SliceID
	payload   uint32
}

func (h *slotHeader) encode(b []byte) {
	le := binary.LittleEndian

	copy(b[hdrOffKey:hdrOffKey+16], h.key[:])
	le.PutUint64(b[hdrOffEntrySize:], h.entrySize)
	le.PutUint32(b[hdrOffNext:], uint32(h.next)) //nolint:gosec
	le.PutUint32(b[hdrOffPayload:], h.payload)
}

func decodeSlotHeader(b []byte, slotSize int) (slotHeader, error) {
	le := binary.LittleEndian

	var h slotHeader

	copy(h.key[:], b[hdrOffKey:hdrOffKey+16])
	h.entrySize = le.Uint64(b[hdrOffEntrySize:])
	h.next = ipc.SliceID(int32(le.Uint32(b[hdrOffNext:]))) //nolint:gosec
	h.payload = le.Uint32(b[hdrOffPayload:])

	if int(h.payload) > slotSize-slotHeaderSize {
		return slotHeader{}, fmt.Errorf("payload %d in slot of %d: %w", h.payload, slotSize, ErrCorruptSlot)
	}

	return h, nil
}

func (h *slotHeader) empty() bool { return h.key.IsZero() }
