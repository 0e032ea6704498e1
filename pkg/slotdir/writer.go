package slotdir

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/smpcache/pkg/ipc"
	"github.com/calvinalkan/smpcache/pkg/store"
)

// writer appends an object to a chain of slots. Bytes are buffered until
// a slot fills up; the last slot is written on close. At most one slot
// write is in flight.
//
// A slot is linked into the shared chain only after it is on disk, so
// readers never see a slot they cannot read.
type writer struct {
	d   *Dir
	id  ipc.AnchorID
	key ipc.Key
	cb  store.IOCallbacks

	buf     []byte
	offset  int64 // bytes accepted
	flushed int64 // bytes in linked slots

	head ipc.SliceID
	tail ipc.SliceID

	// next is claimed by the previous slot header but not written yet.
	next     ipc.SliceID
	inflight ipc.SliceID

	closing bool
	how     store.CloseHow
	closed  bool
}

var _ store.IOState = (*writer)(nil)

// Write implements [store.IOState].
func (w *writer) Write(b []byte) {
	if w.closed || w.closing {
		return
	}

	w.buf = append(w.buf, b...)
	w.offset += int64(len(b))
	w.flush()
}

// Read implements [store.IOState]. Writers do not read.
func (w *writer) Read(_ []byte, _ int64, done func(int, error)) {
	w.d.loop.Post(func() { done(0, fmt.Errorf("read from writer of anchor %d: %w", w.id, ErrInvalidOptions)) })
}

// Progress implements [store.IOState].
func (w *writer) Progress() (int64, bool, error) {
	return w.flushed, w.closed && w.how == store.CloseWriterDone, nil
}

// Offset implements [store.IOState].
func (w *writer) Offset() int64 { return w.offset }

// Close implements [store.IOState].
func (w *writer) Close(how store.CloseHow) {
	if w.closed || w.closing {
		return
	}

	if how == store.CloseReaderDone {
		panic("slotdir: reader close of a writer")
	}

	w.closing = true
	w.how = how
	w.flush()
}

func (w *writer) claim() (ipc.SliceID, bool) {
	if w.next >= 0 {
		id := w.next
		w.next = ipc.NoSlice

		return id, true
	}

	return w.d.m.PrepFreeSlice()
}

// flush writes the next slot if one is due.
func (w *writer) flush() {
	if w.closed || w.inflight >= 0 {
		return
	}

	payload := w.d.payloadSize()

	switch {
	case len(w.buf) > payload:
		w.writeSlot(payload, false)
	case w.closing && w.how == store.CloseWriterDone:
		w.writeSlot(len(w.buf), true)
	case w.closing:
		w.abort(store.ErrWriterGone)
	}
}

func (w *writer) writeSlot(n int, last bool) {
	d := w.d

	sid, ok := w.claim()
	if !ok {
		w.abort(fmt.Errorf("no free slot in %s: %w", d.opts.Path, store.ErrDiskFull))

		return
	}

	hdr := slotHeader{key: w.key, next: ipc.NoSlice, payload: uint32(n)} //nolint:gosec // n <= slot size

	if !last {
		next, ok := d.m.PrepFreeSlice()
		if !ok {
			d.m.ReturnSlice(sid)
			w.abort(fmt.Errorf("no free slot in %s: %w", d.opts.Path, store.ErrDiskFull))

			return
		}

		hdr.next = next
		w.next = next
	}

	head := w.head
	if head < 0 {
		head = sid
	}

	if last && head == sid {
		hdr.entrySize = uint64(w.offset) //nolint:gosec
	}

	b := make([]byte, slotHeaderSize+n)
	hdr.encode(b)
	copy(b[slotHeaderSize:], w.buf[:n])

	w.inflight = sid
	size := uint64(w.offset) //nolint:gosec
	fd := d.fd
	off := d.slotOffset(sid)
	headOff := d.slotOffset(head)

	d.loop.Go(func() error {
		if err := pwriteFull(fd, b, off); err != nil {
			return err
		}

		if !last || head == sid {
			return nil
		}

		var es [8]byte
		binary.LittleEndian.PutUint64(es[:], size)

		return pwriteFull(fd, es[:], headOff+hdrOffEntrySize)
	}, func(err error) {
		w.wrote(sid, n, last, err)
	})
}

func (w *writer) wrote(sid ipc.SliceID, n int, last bool, err error) {
	w.inflight = ipc.NoSlice

	if w.closed {
		return
	}

	d := w.d

	if err != nil {
		d.m.ReturnSlice(sid)
		w.abort(fmt.Errorf("write slot %d: %w", sid, err))

		return
	}

	d.m.WriteableSlice(w.id, sid).SetSize(uint32(n)) //nolint:gosec
	d.m.LinkSlice(w.id, w.tail, sid)

	if w.head < 0 {
		w.head = sid
	}

	w.tail = sid
	w.buf = w.buf[n:]
	w.flushed += int64(n)

	if last {
		w.finish()

		return
	}

	if w.cb.Wrote != nil {
		w.cb.Wrote()
	}

	w.flush()
}

// finish publishes the complete object and keeps a shared lock on it for
// the entry that wrote it.
func (w *writer) finish() {
	d := w.d

	d.m.WriteableEntry(w.id).SetSwapFileSize(uint64(w.offset)) //nolint:gosec
	d.m.CloseForWriting(w.id, true)

	delete(d.writers, w.id)
	d.readLocks[w.id]++
	d.stats.Completed++
	w.closed = true

	if w.cb.Wrote != nil {
		w.cb.Wrote()
	}

	if w.cb.Closed != nil {
		w.cb.Closed(nil)
	}
}

// abort frees the chain and reports err. Readers following the object
// keep the chain until they let go.
func (w *writer) abort(err error) {
	d := w.d

	w.abandon()
	d.stats.Aborted++

	d.log.WithError(err).WithField("anchor", w.id).Debug("write aborted")

	if w.cb.Closed != nil {
		d.loop.Post(func() { w.cb.Closed(err) })
	}
}

// abandon drops the anchor without reporting. A slot write still in flight
// is ignored when it lands.
func (w *writer) abandon() {
	if w.closed {
		return
	}

	d := w.d
	w.closed = true

	if w.next >= 0 {
		d.m.ReturnSlice(w.next)
		w.next = ipc.NoSlice
	}

	if w.inflight >= 0 {
		d.m.ReturnSlice(w.inflight)
	}

	d.m.AbortWriting(w.id)
	delete(d.writers, w.id)
}

func pwriteFull(fd int, b []byte, off int64) error {
	for len(b) > 0 {
		n, err := unix.Pwrite(fd, b, off)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return err
		}

		b = b[n:]
		off += int64(n)
	}

	return nil
}
