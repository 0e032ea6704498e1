package ipc

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/smpcache/pkg/shm"
)

// Segment kinds used by a StoreMap.
const (
	kindAnchors    = 0x414e4348 // "ANCH"
	kindSlices     = 0x534c4943 // "SLIC"
	kindFreeSlices = 0x46524545 // "FREE"
)

// Header counters.
const (
	ctrEntryCount = 0 // anchors: approximate number of used anchors
	ctrVictim     = 1 // anchors: purge cursor
	ctrAllocHint  = 0 // free map: next word to scan
	ctrSlicesUsed = 1 // free map: allocated slices
)

// maxPurgeTries bounds the victim search of [StoreMap.PurgeOne].
const maxPurgeTries = 10000

// Cleaner is notified when the map frees an anchor or a slice, so that
// state derived from them (a memory-resident copy, a disk slot) is purged too.
type Cleaner interface {
	NoteFreeMapAnchor(id AnchorID)
	NoteFreeMapSlice(id SliceID)
}

// MapOptions configures a [StoreMap].
type MapOptions struct {
	// Path is the segment path prefix. The map uses Path+".anchors",
	// Path+".slices" and Path+".free".
	Path string

	// Entries is the anchor capacity.
	Entries int

	// Slices is the slice capacity. Zero creates an anchors-only map.
	Slices int

	// Logger receives debug output. Nil discards it.
	Logger logrus.FieldLogger
}

// StoreMap is a fixed-capacity, hash-addressed table of anchors plus an
// array of slices, shared by all processes attached to the same segments.
//
// Keys are hashed to exactly one anchor. A new key that hashes to an
// occupied anchor evicts the occupant; there is no probing.
//
// Slot operations never block. Methods returning false mean the slot is
// contended and the caller should retry later or give up.
type StoreMap struct {
	path    string
	anchors *shm.Segment
	slices  *shm.Segment
	free    *shm.Segment
	cleaner Cleaner
	log     logrus.FieldLogger
}

// CreateMap creates the map segments, replacing stale ones.
func CreateMap(opts MapOptions) (*StoreMap, error) {
	return openMap(opts, shm.Create)
}

// AttachMap attaches to segments created by [CreateMap].
func AttachMap(opts MapOptions) (*StoreMap, error) {
	return openMap(opts, shm.Attach)
}

// RemoveMap deletes the map segments.
func RemoveMap(path string) error {
	return errors.Join(
		shm.Remove(path+".anchors"),
		shm.Remove(path+".slices"),
		shm.Remove(path+".free"),
	)
}

func openMap(opts MapOptions, open func(shm.Options) (*shm.Segment, error)) (*StoreMap, error) {
	if opts.Entries <= 0 || opts.Slices < 0 {
		return nil, fmt.Errorf("entries %d slices %d: %w", opts.Entries, opts.Slices, shm.ErrInvalidInput)
	}

	if int64(opts.Entries) > int64(^uint32(0)>>1) || int64(opts.Slices) > int64(^uint32(0)>>1) {
		return nil, fmt.Errorf("entries %d slices %d exceed int32: %w", opts.Entries, opts.Slices, shm.ErrInvalidInput)
	}

	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}

	m := &StoreMap{path: opts.Path, log: log.WithField("map", opts.Path)}

	var err error

	m.anchors, err = open(shm.Options{Path: opts.Path + ".anchors", Kind: kindAnchors, RecordSize: AnchorSize, Capacity: opts.Entries})
	if err != nil {
		return nil, fmt.Errorf("anchors: %w", err)
	}

	if opts.Slices > 0 {
		m.slices, err = open(shm.Options{Path: opts.Path + ".slices", Kind: kindSlices, RecordSize: SliceSize, Capacity: opts.Slices})
		if err != nil {
			_ = m.Close()

			return nil, fmt.Errorf("slices: %w", err)
		}

		m.free, err = open(shm.Options{Path: opts.Path + ".free", Kind: kindFreeSlices, RecordSize: 8, Capacity: (opts.Slices + 63) / 64})
		if err != nil {
			_ = m.Close()

			return nil, fmt.Errorf("free slices: %w", err)
		}
	}

	return m, nil
}

// Close detaches from the segments.
func (m *StoreMap) Close() error {
	var errs []error

	for _, seg := range []*shm.Segment{m.anchors, m.slices, m.free} {
		if seg != nil {
			errs = append(errs, seg.Close())
		}
	}

	return errors.Join(errs...)
}

// Path returns the segment path prefix.
func (m *StoreMap) Path() string { return m.path }

// SetCleaner registers the free notification receiver.
func (m *StoreMap) SetCleaner(c Cleaner) { m.cleaner = c }

// EntryLimit returns the anchor capacity.
func (m *StoreMap) EntryLimit() int { return m.anchors.Capacity() }

// SliceLimit returns the slice capacity.
func (m *StoreMap) SliceLimit() int {
	if m.slices == nil {
		return 0
	}

	return m.slices.Capacity()
}

// EntryCount returns the approximate number of used anchors. The counter is
// updated without global serialization and converges once writers settle.
func (m *StoreMap) EntryCount() int {
	n := int64(shm.LoadUint64(m.anchors.Counter(ctrEntryCount)))
	if n < 0 {
		return 0
	}

	return int(n)
}

func (m *StoreMap) addEntryCount(delta int64) {
	shm.AddInt64(m.anchors.Counter(ctrEntryCount), delta)
}

// Full reports whether the approximate entry count reached the limit.
func (m *StoreMap) Full() bool { return m.EntryCount() >= m.EntryLimit() }

// AnchorIndexByKey returns the only anchor a key may occupy.
func (m *StoreMap) AnchorIndexByKey(k Key) AnchorID {
	lo, hi := k.Halves()

	return AnchorID((lo + hi) % uint64(m.EntryLimit()))
}

func (m *StoreMap) validEntry(id AnchorID) bool {
	return id >= 0 && int(id) < m.EntryLimit()
}

func (m *StoreMap) anchorAt(id AnchorID) Anchor {
	if !m.validEntry(id) {
		panic(fmt.Sprintf("ipc: anchor %d out of range [0, %d)", id, m.EntryLimit()))
	}

	return newAnchor(m.anchors.Record(int(id)))
}

// OpenForWriting locks the anchor for key exclusively, evicting whatever
// occupied it. The caller must [Anchor.Set] the key and later call
// CloseForWriting or AbortWriting.
func (m *StoreMap) OpenForWriting(k Key) (Anchor, AnchorID, bool) {
	id := m.AnchorIndexByKey(k)

	a, ok := m.OpenForWritingAt(id, true)
	if !ok {
		return Anchor{}, -1, false
	}

	return a, id, true
}

// OpenForWritingAt locks anchor id exclusively. An occupied anchor is freed
// first unless overwriteExisting is false, in which case the call fails.
func (m *StoreMap) OpenForWritingAt(id AnchorID, overwriteExisting bool) (Anchor, bool) {
	a := m.anchorAt(id)
	lock := a.Lock()

	if !lock.LockExclusive() {
		m.log.WithField("anchor", id).Debug("openForWriting: busy")

		return Anchor{}, false
	}

	if !a.WaitingToBeFreed() && !a.Empty() && !overwriteExisting {
		lock.UnlockExclusive()

		return Anchor{}, false
	}

	if a.WaitingToBeFreed() || !a.Empty() {
		m.freeChain(id, a, true, false)
	}

	a.setStart(NoSlice)
	shm.StoreInt32(a.b[anchorOffSplicePoint:], int32(NoSlice))
	m.addEntryCount(1)

	return a, true
}

// StartAppending admits readers to an anchor that is still being written.
func (m *StoreMap) StartAppending(id AnchorID) {
	a := m.anchorAt(id)
	a.mustWrite("StartAppending")
	a.Lock().StartAppending()
}

// CloseForWriting finishes writing. With lockForReading the writer keeps a
// shared lock and must call CloseForReading later.
func (m *StoreMap) CloseForWriting(id AnchorID, lockForReading bool) {
	a := m.anchorAt(id)
	a.mustWrite("CloseForWriting")

	if lockForReading {
		a.Lock().SwitchExclusiveToShared()

		return
	}

	a.Lock().UnlockExclusive()
}

// AbortWriting frees an anchor opened for writing together with whatever
// chain it has. If appending readers are attached the anchor is marked for
// lazy freeing instead; the last reader frees it.
func (m *StoreMap) AbortWriting(id AnchorID) {
	a := m.anchorAt(id)
	a.mustWrite("AbortWriting")

	lock := a.Lock()
	shm.StoreUint32(lock.appending(), 0) // locks out new readers

	if lock.Readers() == 0 {
		m.freeChain(id, a, false, true)

		return
	}

	a.setWaitingToBeFreed(true)
	lock.UnlockExclusive()
}

// ForgetWritingEntry drops an anchor opened for writing without touching
// its slices. The caller owns the slices it already linked.
func (m *StoreMap) ForgetWritingEntry(id AnchorID) {
	a := m.anchorAt(id)
	a.mustWrite("ForgetWritingEntry")
	a.rewind()
	a.Lock().UnlockExclusive()
	m.addEntryCount(-1)
}

// WriteableEntry returns an anchor the caller holds exclusively.
func (m *StoreMap) WriteableEntry(id AnchorID) Anchor {
	a := m.anchorAt(id)
	a.mustWrite("WriteableEntry")

	return a
}

// ReadableEntry returns an anchor the caller holds shared.
func (m *StoreMap) ReadableEntry(id AnchorID) Anchor {
	a := m.anchorAt(id)
	if !a.Reading() {
		panic(fmt.Sprintf("ipc: ReadableEntry(%d) without shared lock", id))
	}

	return a
}

// OpenForReading locks the anchor holding key for reading.
func (m *StoreMap) OpenForReading(k Key) (Anchor, AnchorID, bool) {
	id := m.AnchorIndexByKey(k)

	a, ok := m.OpenForReadingAt(id)
	if !ok {
		return Anchor{}, -1, false
	}

	if !a.SameKey(k) {
		m.CloseForReading(id)

		return Anchor{}, -1, false
	}

	return a, id, true
}

// OpenForReadingAt locks anchor id for reading. It fails on contention and
// for empty anchors or anchors waiting to be freed.
func (m *StoreMap) OpenForReadingAt(id AnchorID) (Anchor, bool) {
	a := m.anchorAt(id)
	lock := a.Lock()

	if !lock.LockShared() {
		return Anchor{}, false
	}

	if a.Empty() || a.WaitingToBeFreed() {
		m.CloseForReading(id)

		return Anchor{}, false
	}

	return a, true
}

// CloseForReading releases a shared lock. An anchor waiting to be freed is
// collected by the first reader that can lock it exclusively afterwards.
func (m *StoreMap) CloseForReading(id AnchorID) {
	a := m.anchorAt(id)
	if !a.Reading() {
		panic(fmt.Sprintf("ipc: CloseForReading(%d) without shared lock", id))
	}

	a.Lock().UnlockShared()

	if a.WaitingToBeFreed() && a.Lock().LockExclusive() {
		if a.WaitingToBeFreed() {
			m.freeChain(id, a, false, false)

			return
		}

		a.Lock().UnlockExclusive()
	}
}

// FreeEntry frees anchor id now if it can be locked exclusively, otherwise
// marks it so the current holder (or the next locker) frees it.
// It returns true when the anchor was freed immediately.
func (m *StoreMap) FreeEntry(id AnchorID) bool {
	a := m.anchorAt(id)

	if a.Lock().LockExclusive() {
		m.freeChain(id, a, false, false)

		return true
	}

	a.setWaitingToBeFreed(true)

	return false
}

// FreeEntryByKey frees the anchor holding key, if any. Without a lock the
// key check may race; the anchor is then only marked.
func (m *StoreMap) FreeEntryByKey(k Key) {
	id := m.AnchorIndexByKey(k)
	a := m.anchorAt(id)
	lock := a.Lock()

	switch {
	case lock.LockExclusive():
		if a.SameKey(k) {
			m.freeChain(id, a, true, false)
		}

		lock.UnlockExclusive()
	case lock.LockShared():
		if a.SameKey(k) {
			a.setWaitingToBeFreed(true)
		}

		lock.UnlockShared()
	default:
		if a.SameKey(k) {
			a.setWaitingToBeFreed(true)
		}
	}
}

// PurgeOne frees the chain of one unlocked, non-empty anchor, starting after
// the previous victim. It returns false if nothing could be freed.
func (m *StoreMap) PurgeOne() bool {
	limit := m.EntryLimit()
	tries := min(maxPurgeTries, limit)

	for range tries {
		victim := shm.AddUint64(m.anchors.Counter(ctrVictim), 1)
		id := AnchorID(victim % uint64(limit))
		a := m.anchorAt(id)

		if !a.Lock().LockExclusive() {
			continue
		}

		if !a.Empty() && a.Start() >= 0 {
			m.log.WithField("anchor", id).Debug("purging victim")
			m.freeChain(id, a, false, false)

			return true
		}

		a.Lock().UnlockExclusive()
	}

	return false
}

// freeChain frees the anchor and all its slices. The caller holds the
// exclusive lock; keepLocked keeps it. opened is true when the anchor was
// counted by OpenForWritingAt even if its key was never set.
func (m *StoreMap) freeChain(id AnchorID, a Anchor, keepLocked, opened bool) {
	// Start of a never-used anchor is zero, not NoSlice.
	if (!a.Empty() || opened) && m.slices != nil {
		for sid := a.Start(); sid >= 0; {
			s := m.sliceAt(sid)
			next := s.Next()

			// The cleaner runs while the slice is still ours.
			if m.cleaner != nil {
				m.cleaner.NoteFreeMapSlice(sid)
			}

			s.clear()
			m.releaseSlice(sid)

			sid = next
		}
	}

	wasUsed := !a.Empty() || a.WaitingToBeFreed()

	a.rewind()

	if m.cleaner != nil && wasUsed {
		m.cleaner.NoteFreeMapAnchor(id)
	}

	if !keepLocked {
		a.Lock().UnlockExclusive()
	}

	if wasUsed || opened {
		m.addEntryCount(-1)
	}
}

// CompareVersions compares updateTime with the anchor timestamp without
// locking: +2 if the anchor is empty, -1/+1 if updateTime is older/newer,
// 0 if equal.
func (m *StoreMap) CompareVersions(id AnchorID, updateTime int64) int {
	a := m.anchorAt(id)

	if a.Empty() {
		return 2
	}

	switch diff := updateTime - a.Basics().Timestamp; {
	case diff < 0:
		return -1
	case diff > 0:
		return 1
	default:
		return 0
	}
}

// PeekAtReader returns anchor id if somebody is reading it, without locking.
func (m *StoreMap) PeekAtReader(id AnchorID) (Anchor, bool) {
	a := m.anchorAt(id)
	if !a.Reading() {
		return Anchor{}, false
	}

	return a, true
}

// PeekAtEntry returns anchor id without locking. Callers must tolerate
// concurrent changes.
func (m *StoreMap) PeekAtEntry(id AnchorID) Anchor {
	return m.anchorAt(id)
}

// UpdateStats adds the state of every anchor lock to stats.
func (m *StoreMap) UpdateStats(stats *ReadWriteLockStats) {
	for i := range m.EntryLimit() {
		m.anchorAt(AnchorID(i)).Lock().UpdateStats(stats)
	}
}

// Dump writes a short summary of the map.
func (m *StoreMap) Dump(w io.Writer) {
	_, _ = fmt.Fprintf(w, "map %s (segment %s)\n", m.path, m.anchors.ID())
	_, _ = fmt.Fprintf(w, "entries: %d/%d\n", m.EntryCount(), m.EntryLimit())

	if m.slices != nil {
		_, _ = fmt.Fprintf(w, "slices: %d/%d\n", m.SlicesUsed(), m.SliceLimit())
	}

	var stats ReadWriteLockStats

	m.UpdateStats(&stats)
	stats.Dump(w)
}
