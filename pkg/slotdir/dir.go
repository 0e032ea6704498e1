package slotdir

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/smpcache/pkg/evloop"
	"github.com/calvinalkan/smpcache/pkg/ipc"
	"github.com/calvinalkan/smpcache/pkg/store"
)

// Mode selects how [Open] treats existing files.
type Mode int

const (
	// ModeCreate creates an empty database and index, replacing old ones.
	ModeCreate Mode = iota

	// ModeAttach attaches to a database and index another worker opened.
	ModeAttach

	// ModeRebuild keeps the database file, creates a fresh index and
	// fills it from the slot headers in the background.
	ModeRebuild
)

// DefaultSlotSize is used when [Options.SlotSize] is zero.
const DefaultSlotSize = 16 * 1024

// Options configures a [Dir].
type Options struct {
	// Path is the database file. The index segments live at Path+".map".
	Path string

	// Index is the directory number stored in entries.
	Index int

	// Slots is the number of slots in the database file.
	Slots int

	// SlotSize is the size of one slot including its header.
	SlotSize int

	// Entries is the number of objects the index can hold. Zero uses Slots.
	Entries int

	// MaxObjectSize rejects larger objects. Zero allows anything that fits.
	MaxObjectSize int64

	Mode Mode

	// Loop runs I/O completions. Required.
	Loop *evloop.Loop

	// Logger receives debug output. Nil discards it.
	Logger logrus.FieldLogger
}

// Dir is a cache directory stored in one file of fixed-size slots. The
// slot chains are tracked by a shared [ipc.StoreMap] whose slices are the
// slots, so every worker attached to the same index sees the same objects.
//
// A Dir implements [store.Disk]. It belongs to one worker and must only be
// used from that worker's loop.
type Dir struct {
	opts Options
	fd   int
	m    *ipc.StoreMap
	loop *evloop.Loop
	log  logrus.FieldLogger

	// Shared locks this worker holds, by anchor.
	readLocks map[ipc.AnchorID]int
	writers   map[ipc.AnchorID]*writer

	rebuilding bool
	stats      Stats
}

// Stats counts directory events in this worker.
type Stats struct {
	Created       int
	Completed     int
	Aborted       int
	FreedAnchors  int
	FreedSlots    int
	Rebuilt       int
	RebuildErrors int
}

var _ store.Disk = (*Dir)(nil)

// Open opens or creates a directory.
func Open(opts Options) (*Dir, error) {
	if opts.SlotSize == 0 {
		opts.SlotSize = DefaultSlotSize
	}

	if opts.Entries == 0 {
		opts.Entries = opts.Slots
	}

	switch {
	case opts.Path == "":
		return nil, fmt.Errorf("empty path: %w", ErrInvalidOptions)
	case opts.Loop == nil:
		return nil, fmt.Errorf("nil loop: %w", ErrInvalidOptions)
	case opts.Slots <= 0 || opts.Entries <= 0:
		return nil, fmt.Errorf("slots %d entries %d: %w", opts.Slots, opts.Entries, ErrInvalidOptions)
	case opts.SlotSize <= slotHeaderSize || opts.SlotSize%8 != 0:
		return nil, fmt.Errorf("slot size %d: %w", opts.SlotSize, ErrInvalidOptions)
	}

	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	d := &Dir{
		opts:      opts,
		fd:        -1,
		loop:      opts.Loop,
		log:       log.WithFields(logrus.Fields{"dir": opts.Index, "path": opts.Path}),
		readLocks: make(map[ipc.AnchorID]int),
		writers:   make(map[ipc.AnchorID]*writer),
	}

	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Mode != ModeAttach {
		flags |= unix.O_CREAT
	}

	fd, err := unix.Open(opts.Path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}

	d.fd = fd

	size := int64(opts.Slots) * int64(opts.SlotSize)

	if opts.Mode == ModeCreate {
		err = errors.Join(unix.Ftruncate(fd, 0), unix.Ftruncate(fd, size))
	} else {
		err = d.checkSize(size)
	}

	if err != nil {
		return nil, errors.Join(err, d.Close())
	}

	mapOpts := ipc.MapOptions{
		Path:    opts.Path + ".map",
		Entries: opts.Entries,
		Slices:  opts.Slots,
		Logger:  d.log,
	}

	if opts.Mode == ModeAttach {
		d.m, err = ipc.AttachMap(mapOpts)
	} else {
		d.m, err = ipc.CreateMap(mapOpts)
	}

	if err != nil {
		return nil, errors.Join(fmt.Errorf("index: %w", err), d.Close())
	}

	d.m.SetCleaner(d)

	if opts.Mode == ModeRebuild {
		d.startRebuild()
	}

	return d, nil
}

func (d *Dir) checkSize(want int64) error {
	var st unix.Stat_t

	if err := unix.Fstat(d.fd, &st); err != nil {
		return fmt.Errorf("stat %s: %w", d.opts.Path, err)
	}

	if st.Size < want {
		if d.opts.Mode == ModeAttach {
			return fmt.Errorf("database of %d bytes, want %d: %w", st.Size, want, ErrInvalidOptions)
		}

		if err := unix.Ftruncate(d.fd, want); err != nil {
			return fmt.Errorf("grow %s: %w", d.opts.Path, err)
		}
	}

	return nil
}

// Remove deletes the database file and its index segments.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}

	return errors.Join(err, ipc.RemoveMap(path+".map"))
}

// Close drops every lock this worker holds and closes the files. Writers
// still open are aborted. Drain the loop first so no slot write is in
// flight.
func (d *Dir) Close() error {
	var errs []error

	if d.m != nil {
		for _, w := range d.writers {
			w.abandon()
		}

		for id, n := range d.readLocks {
			for range n {
				d.m.CloseForReading(id)
			}
		}

		clear(d.writers)
		clear(d.readLocks)

		errs = append(errs, d.m.Close())
		d.m = nil
	}

	if d.fd >= 0 {
		errs = append(errs, unix.Close(d.fd))
		d.fd = -1
	}

	return errors.Join(errs...)
}

// Map returns the shared index.
func (d *Dir) Map() *ipc.StoreMap { return d.m }

// Stats returns this worker's counters.
func (d *Dir) Stats() Stats { return d.stats }

// Index implements [store.Disk].
func (d *Dir) Index() int { return d.opts.Index }

// Rebuilding implements [store.Disk].
func (d *Dir) Rebuilding() bool { return d.rebuilding }

func (d *Dir) payloadSize() int { return d.opts.SlotSize - slotHeaderSize }

func (d *Dir) slotOffset(id ipc.SliceID) int64 {
	return int64(id) * int64(d.opts.SlotSize)
}

// CanStore implements [store.Disk]. Nothing is stored while rebuilding.
func (d *Dir) CanStore(size int64) bool {
	if d.rebuilding {
		return false
	}

	if d.opts.MaxObjectSize > 0 && size > d.opts.MaxObjectSize {
		return false
	}

	return size <= int64(d.m.SliceLimit())*int64(d.payloadSize())
}

// Lookup implements [store.Disk]. Only complete objects are found.
func (d *Dir) Lookup(k store.Key) (store.Location, bool) {
	a, id, ok := d.m.OpenForReading(k)
	if !ok {
		return store.Location{}, false
	}

	if a.Writing() || a.SwapFileSize() == 0 {
		d.m.CloseForReading(id)

		return store.Location{}, false
	}

	d.readLocks[id]++

	return store.Location{Filen: id, Basics: a.Basics(), Complete: true}, true
}

// AnchorCollapsed implements [store.Disk]. Objects still being written by
// another worker are found too.
func (d *Dir) AnchorCollapsed(k store.Key) (store.Location, bool) {
	a, id, ok := d.m.OpenForReading(k)
	if !ok {
		return store.Location{}, false
	}

	d.readLocks[id]++

	complete := !a.Writing() && a.SwapFileSize() > 0

	return store.Location{Filen: id, Basics: a.Basics(), Complete: complete}, true
}

func (d *Dir) holds(id ipc.AnchorID) bool {
	return id >= 0 && (d.readLocks[id] > 0 || d.writers[id] != nil)
}

// MarkForUnlink implements [store.Disk]. The slot chain is freed by the
// last worker that unlocks it.
func (d *Dir) MarkForUnlink(e *store.Entry) {
	id := e.SwapFilen()
	if !d.holds(id) {
		return
	}

	d.log.WithField("anchor", id).Debug("mark for unlink")
	d.m.FreeEntry(id)
}

// Unlink implements [store.Disk].
func (d *Dir) Unlink(e *store.Entry) {
	d.MarkForUnlink(e)
	d.Disconnect(e)
}

// Disconnect implements [store.Disk].
func (d *Dir) Disconnect(e *store.Entry) {
	id := e.SwapFilen()
	if id < 0 || d.writers[id] != nil {
		return
	}

	n := d.readLocks[id]
	if n == 0 {
		return
	}

	if n == 1 {
		delete(d.readLocks, id)
	} else {
		d.readLocks[id] = n - 1
	}

	d.m.CloseForReading(id)
}

// NoteFreeMapAnchor implements [ipc.Cleaner].
func (d *Dir) NoteFreeMapAnchor(id ipc.AnchorID) {
	d.stats.FreedAnchors++
}

// NoteFreeMapSlice implements [ipc.Cleaner]. The slot header is zeroed
// so a rebuild does not bring the object back.
func (d *Dir) NoteFreeMapSlice(id ipc.SliceID) {
	d.stats.FreedSlots++
	d.zeroSlot(id)
}

func (d *Dir) zeroSlot(id ipc.SliceID) {
	var hdr [slotHeaderSize]byte

	if _, err := unix.Pwrite(d.fd, hdr[:], d.slotOffset(id)); err != nil {
		d.log.WithError(err).WithField("slot", id).Warn("zero slot header")
	}
}

// Create implements [store.Disk]. The anchor is opened in appending mode
// so collapsed readers can follow the object while it is written.
func (d *Dir) Create(e *store.Entry, cb store.IOCallbacks) (store.IOState, ipc.AnchorID, error) {
	k := e.Key()

	if d.rebuilding {
		return nil, -1, fmt.Errorf("create %s while rebuilding: %w", k, ErrBusy)
	}

	a, id, ok := d.m.OpenForWriting(k)
	if !ok {
		return nil, -1, fmt.Errorf("anchor for %s: %w", k, ErrBusy)
	}

	basics := e.Basics()
	basics.SwapFileSize = 0

	a.Set(k, basics)
	d.m.StartAppending(id)

	w := &writer{
		d:        d,
		id:       id,
		key:      k,
		cb:       cb,
		head:     ipc.NoSlice,
		tail:     ipc.NoSlice,
		next:     ipc.NoSlice,
		inflight: ipc.NoSlice,
	}

	d.writers[id] = w
	d.stats.Created++

	return w, id, nil
}

// Open implements [store.Disk]. This worker must hold a lock on the
// entry's location.
func (d *Dir) Open(e *store.Entry) (store.IOState, error) {
	id := e.SwapFilen()
	if !d.holds(id) {
		return nil, fmt.Errorf("anchor %d not locked: %w", id, store.ErrNotFound)
	}

	return &reader{d: d, id: id}, nil
}

// slice returns slot id of anchor under whichever lock this worker holds.
func (d *Dir) slice(anchor ipc.AnchorID, id ipc.SliceID) ipc.Slice {
	if d.writers[anchor] != nil {
		return d.m.WriteableSlice(anchor, id)
	}

	return d.m.ReadableSlice(anchor, id)
}
