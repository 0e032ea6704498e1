package slotdir

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/smpcache/pkg/ipc"
	"github.com/calvinalkan/smpcache/pkg/store"
)

// reader reads an object through a lock the Dir already holds. The chain
// may still grow while another worker appends to it.
type reader struct {
	d      *Dir
	id     ipc.AnchorID
	closed bool
}

var _ store.IOState = (*reader)(nil)

type extent struct {
	off int64
	n   int
}

// extents maps object bytes [off, off+n) to file ranges, stopping at the
// end of the linked chain.
func (r *reader) extents(off int64, n int) []extent {
	d := r.d

	var (
		out []extent
		pos int64
	)

	for sid := d.m.PeekAtEntry(r.id).Start(); sid >= 0 && n > 0; {
		s := d.slice(r.id, sid)
		size := int64(s.Size())

		if off < pos+size {
			skip := off - pos
			k := int(min(size-skip, int64(n)))

			out = append(out, extent{off: d.slotOffset(sid) + slotHeaderSize + skip, n: k})
			off += int64(k)
			n -= k
		}

		pos += size
		sid = s.Next()
	}

	return out
}

// Read implements [store.IOState].
func (r *reader) Read(b []byte, off int64, done func(int, error)) {
	if r.closed {
		r.d.loop.Post(func() { done(0, store.ErrReaderGone) })

		return
	}

	ext := r.extents(off, len(b))
	fd := r.d.fd
	n := 0

	r.d.loop.Go(func() error {
		for _, e := range ext {
			if err := preadFull(fd, b[n:n+e.n], e.off); err != nil {
				return err
			}

			n += e.n
		}

		return nil
	}, func(err error) {
		if err != nil {
			done(n, fmt.Errorf("read anchor %d: %w", r.id, err))

			return
		}

		done(n, nil)
	})
}

// Progress implements [store.IOState].
func (r *reader) Progress() (int64, bool, error) {
	if r.closed {
		return 0, false, store.ErrReaderGone
	}

	a := r.d.m.PeekAtEntry(r.id)

	if size := a.SwapFileSize(); size > 0 {
		return int64(size), true, nil //nolint:gosec
	}

	if a.WaitingToBeFreed() || !a.Writing() {
		// The writer may have finished between the two loads.
		if size := a.SwapFileSize(); size > 0 {
			return int64(size), true, nil //nolint:gosec
		}

		return 0, false, store.ErrWriterGone
	}

	return int64(r.d.m.ChainSize(r.id)), false, nil //nolint:gosec
}

// Offset implements [store.IOState].
func (r *reader) Offset() int64 { return 0 }

// Write implements [store.IOState]. Readers do not write.
func (r *reader) Write([]byte) {
	panic("slotdir: write to a reader")
}

// Close implements [store.IOState]. The lock stays with the entry until
// [Dir.Disconnect].
func (r *reader) Close(store.CloseHow) { r.closed = true }

func preadFull(fd int, b []byte, off int64) error {
	for len(b) > 0 {
		n, err := unix.Pread(fd, b, off)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return err
		}

		if n == 0 {
			return fmt.Errorf("short read at %d: %w", off, ErrCorruptSlot)
		}

		b = b[n:]
		off += int64(n)
	}

	return nil
}
