package ipc

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/smpcache/pkg/shm"
)

const (
	kindQueues  = 0x51554555 // "QUEU"
	kindReaders = 0x52454144 // "READ"
)

// Ring header layout. in is written only by the producer, out only by the
// consumer; both grow forever and wrap at 2^32.
const (
	ringOffIn    = 0x0 // uint32
	ringOffOut   = 0x4 // uint32
	ringOffItems = 0x10
)

// Reader record layout.
const (
	readerOffBlocked  = 0x0 // uint32 (bool)
	readerOffSignal   = 0x4 // uint32 (bool)
	readerOffOverflow = 0x8 // uint32 (bool)
	readerSize        = 0x10
)

// QueueOptions configures a [MultiQueue].
type QueueOptions struct {
	// Path is the segment path prefix. The queue uses Path+".queues" and
	// Path+".readers".
	Path string

	// Workers is the number of workers, ids 0..Workers-1.
	Workers int

	// Capacity is the number of items each ring holds.
	Capacity int

	// ItemSize is the fixed item size in bytes.
	ItemSize int

	// LocalID is the id of the worker using this handle.
	LocalID int
}

// MultiQueue is a matrix of single-producer single-consumer rings, one per
// ordered pair of workers, plus a [QueueReader] per worker.
//
// A handle is bound to one local worker: it pushes into the local->remote
// rings and pops from the remote->local rings.
type MultiQueue struct {
	queues   *shm.Segment
	readers  *shm.Segment
	workers  int
	capacity int
	itemSize int
	local    int
	popNext  int
}

// CreateQueue creates the queue segments.
func CreateQueue(opts QueueOptions) (*MultiQueue, error) {
	return openQueue(opts, shm.Create)
}

// AttachQueue attaches to segments created by [CreateQueue].
func AttachQueue(opts QueueOptions) (*MultiQueue, error) {
	return openQueue(opts, shm.Attach)
}

// RemoveQueue deletes the queue segments.
func RemoveQueue(path string) error {
	return errors.Join(shm.Remove(path+".queues"), shm.Remove(path+".readers"))
}

func openQueue(opts QueueOptions, open func(shm.Options) (*shm.Segment, error)) (*MultiQueue, error) {
	if opts.Workers <= 0 || opts.Capacity <= 0 || opts.ItemSize <= 0 {
		return nil, fmt.Errorf("workers %d capacity %d item size %d: %w",
			opts.Workers, opts.Capacity, opts.ItemSize, shm.ErrInvalidInput)
	}

	if opts.LocalID < 0 || opts.LocalID >= opts.Workers {
		return nil, fmt.Errorf("local id %d not in [0, %d): %w", opts.LocalID, opts.Workers, shm.ErrInvalidInput)
	}

	q := &MultiQueue{
		workers:  opts.Workers,
		capacity: opts.Capacity,
		itemSize: opts.ItemSize,
		local:    opts.LocalID,
	}

	var err error

	q.queues, err = open(shm.Options{
		Path:       opts.Path + ".queues",
		Kind:       kindQueues,
		RecordSize: ringOffItems + opts.Capacity*opts.ItemSize,
		Capacity:   opts.Workers * opts.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("queues: %w", err)
	}

	q.readers, err = open(shm.Options{
		Path:       opts.Path + ".readers",
		Kind:       kindReaders,
		RecordSize: readerSize,
		Capacity:   opts.Workers,
	})
	if err != nil {
		_ = q.queues.Close()

		return nil, fmt.Errorf("readers: %w", err)
	}

	return q, nil
}

// Close detaches from the segments.
func (q *MultiQueue) Close() error {
	return errors.Join(q.queues.Close(), q.readers.Close())
}

// LocalID returns the worker id of this handle.
func (q *MultiQueue) LocalID() int { return q.local }

// Workers returns the number of workers.
func (q *MultiQueue) Workers() int { return q.workers }

func (q *MultiQueue) ring(from, to int) []byte {
	return q.queues.Record(from*q.workers + to)
}

// Reader returns the reader state of worker id.
func (q *MultiQueue) Reader(id int) QueueReader {
	return QueueReader{b: q.readers.Record(id)}
}

// Push appends item to the ring from the local worker to worker to. It
// never blocks. The returned notify is true when the destination was idle
// and must be woken up. A full ring drops the item, raises the
// destination's overflow flag and returns [ErrQueueFull].
func (q *MultiQueue) Push(to int, item []byte) (bool, error) {
	if len(item) > q.itemSize {
		return false, fmt.Errorf("item of %d bytes, max %d: %w", len(item), q.itemSize, ErrItemTooLarge)
	}

	if to < 0 || to >= q.workers {
		panic(fmt.Sprintf("ipc: push to worker %d of %d", to, q.workers))
	}

	r := q.ring(q.local, to)
	in := shm.LoadUint32(r[ringOffIn:])
	out := shm.LoadUint32(r[ringOffOut:])
	reader := q.Reader(to)

	if int(in-out) >= q.capacity {
		reader.raiseOverflow()

		return false, ErrQueueFull
	}

	slot := ringOffItems + int(in%uint32(q.capacity))*q.itemSize
	dst := r[slot : slot+q.itemSize]
	n := copy(dst, item)
	clear(dst[n:])

	shm.StoreUint32(r[ringOffIn:], in+1) // publishes the item

	wasEmpty := in == out

	return wasEmpty && reader.RaiseSignal(), nil
}

// Pop removes the next item for the local worker, visiting senders
// round-robin, and copies it into buf. It returns the sender id. When
// every ring is empty the local reader is marked blocked so that the next
// Push asks for a wake-up, and false is returned.
func (q *MultiQueue) Pop(buf []byte) (int, bool) {
	if len(buf) < q.itemSize {
		panic(fmt.Sprintf("ipc: pop buffer of %d bytes, need %d", len(buf), q.itemSize))
	}

	if from, ok := q.popAny(buf); ok {
		return from, true
	}

	reader := q.Reader(q.local)
	reader.block()

	// A producer may have pushed after the scan above while still seeing
	// us unblocked.
	if from, ok := q.popAny(buf); ok {
		reader.unblock()

		return from, true
	}

	return -1, false
}

func (q *MultiQueue) popAny(buf []byte) (int, bool) {
	for i := range q.workers {
		from := (q.popNext + i) % q.workers

		if q.popFrom(from, buf) {
			q.popNext = (from + 1) % q.workers

			return from, true
		}
	}

	return -1, false
}

func (q *MultiQueue) popFrom(from int, buf []byte) bool {
	r := q.ring(from, q.local)
	out := shm.LoadUint32(r[ringOffOut:])

	if shm.LoadUint32(r[ringOffIn:]) == out {
		return false
	}

	slot := ringOffItems + int(out%uint32(q.capacity))*q.itemSize
	copy(buf, r[slot:slot+q.itemSize])
	shm.StoreUint32(r[ringOffOut:], out+1)

	return true
}

// Len returns the number of items queued from worker from to the local worker.
func (q *MultiQueue) Len(from int) int {
	r := q.ring(from, q.local)

	return int(shm.LoadUint32(r[ringOffIn:]) - shm.LoadUint32(r[ringOffOut:]))
}

// QueueReader is the shared wake-up state of one consuming worker.
type QueueReader struct {
	b []byte
}

func (r QueueReader) block()   { shm.StoreUint32(r.b[readerOffBlocked:], 1) }
func (r QueueReader) unblock() { shm.StoreUint32(r.b[readerOffBlocked:], 0) }

// Blocked reports whether the reader found its queues empty and waits for
// a wake-up.
func (r QueueReader) Blocked() bool { return shm.LoadUint32(r.b[readerOffBlocked:]) != 0 }

// RaiseSignal claims the right to wake a blocked reader. It returns true
// for exactly one caller until the reader clears the signal.
func (r QueueReader) RaiseSignal() bool {
	return r.Blocked() && shm.CompareAndSwapUint32(r.b[readerOffSignal:], 0, 1)
}

// Signaled reports whether a wake-up is pending.
func (r QueueReader) Signaled() bool { return shm.LoadUint32(r.b[readerOffSignal:]) != 0 }

// ClearSignal marks the reader awake and accepts new wake-ups. The reader
// calls it before draining its queues.
func (r QueueReader) ClearSignal() {
	r.unblock()
	shm.StoreUint32(r.b[readerOffSignal:], 0)
}

func (r QueueReader) raiseOverflow() { shm.StoreUint32(r.b[readerOffOverflow:], 1) }

// TakeOverflow reports and clears the overflow flag. A true result means
// items were dropped and the reader must resynchronize everything.
func (r QueueReader) TakeOverflow() bool {
	return shm.SwapUint32(r.b[readerOffOverflow:], 0) != 0
}
