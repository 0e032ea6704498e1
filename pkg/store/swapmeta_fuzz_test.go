// Robustness of the swap metadata decoder against arbitrary disk bytes.
//
// A disk slot can hold anything after a crash, so decoding must classify
// every input as short or corrupt, never panic, and anything it accepts
// must encode back to the same bytes.

package store

import (
	"bytes"
	"errors"
	"testing"
)

func FuzzDecodeSwapMeta_Classifies_Arbitrary_Input(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("SWM1"))
	f.Add(make([]byte, swapMetaFixed))

	valid := SwapMeta{
		Key:        PublicKey(MethodGet, "http://example.com/"),
		Status:     200,
		HeaderSize: 19,
		Method:     MethodGet,
		URL:        "http://example.com/",
	}

	b, err := valid.AppendBinary(nil)
	if err != nil {
		f.Fatalf("AppendBinary: %v", err)
	}

	f.Add(b)
	f.Add(b[:len(b)-3])

	f.Fuzz(func(t *testing.T, data []byte) {
		meta, n, err := DecodeSwapMeta(data)
		if err != nil {
			if !errors.Is(err, errShortMeta) && !errors.Is(err, ErrCorruptMeta) {
				t.Fatalf("unclassified error: %v", err)
			}

			return
		}

		if n > len(data) || n != meta.Size() {
			t.Fatalf("decoded size %d, input %d bytes, meta.Size()=%d", n, len(data), meta.Size())
		}

		again, err := meta.AppendBinary(nil)
		if err != nil {
			t.Fatalf("re-encoding accepted metadata: %v", err)
		}

		if !bytes.Equal(again, data[:n]) {
			t.Fatalf("re-encoded metadata differs:\n got %x\nwant %x", again, data[:n])
		}
	})
}
