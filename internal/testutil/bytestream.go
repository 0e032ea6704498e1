// Package testutil holds helpers shared by fuzz tests.
package testutil

import "encoding/binary"

// ByteStream turns fuzz input into a deterministic sequence of values.
// Reads past the end return zero values, so a short input still drives a
// complete (if dull) run and the same input always replays the same run.
type ByteStream struct {
	bytes []byte
	pos   int
}

// NewByteStream creates a stream over b.
func NewByteStream(b []byte) *ByteStream {
	return &ByteStream{bytes: b}
}

// HasMore reports whether unread bytes remain.
func (s *ByteStream) HasMore() bool {
	return s.pos < len(s.bytes)
}

// NextByte returns the next byte, or 0 if exhausted.
func (s *ByteStream) NextByte() byte {
	if s.pos >= len(s.bytes) {
		return 0
	}

	v := s.bytes[s.pos]
	s.pos++

	return v
}

// NextBytes reads n bytes, padding with zeros if exhausted.
func (s *ByteStream) NextBytes(n int) []byte {
	if n <= 0 {
		return []byte{}
	}

	out := make([]byte, n)
	for i := range n {
		out[i] = s.NextByte()
	}

	return out
}

// NextInt returns a value in [0, maxVal).
func (s *ByteStream) NextInt(maxVal int) int {
	if maxVal <= 0 {
		return 0
	}

	return int(s.NextByte()) % maxVal
}

// NextUint32 returns the next four bytes as a little-endian uint32.
func (s *ByteStream) NextUint32() uint32 {
	return binary.LittleEndian.Uint32(s.NextBytes(4))
}

// NextBool returns a boolean derived from the next byte.
func (s *ByteStream) NextBool() bool {
	return s.NextByte()&1 == 1
}

// NextPick returns an index into weights, chosen with probability
// proportional to each weight. Zero weights are never picked unless all
// weights are zero, in which case it returns 0.
func (s *ByteStream) NextPick(weights ...int) int {
	total := 0
	for _, w := range weights {
		total += w
	}

	if total == 0 {
		return 0
	}

	// Two bytes so totals above 256 stay fair enough.
	n := int(binary.LittleEndian.Uint16(s.NextBytes(2))) % total

	for i, w := range weights {
		if n < w {
			return i
		}

		n -= w
	}

	return len(weights) - 1
}
