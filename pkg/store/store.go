package store

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/smpcache/pkg/evloop"
	"github.com/calvinalkan/smpcache/pkg/ipc"
)

// lateReleaseBatch is how many deferred releases run per loop turn.
const lateReleaseBatch = 10

// ErrInvalidOptions is returned by [New] for unusable options.
var ErrInvalidOptions = errors.New("store: invalid options")

// QuickAbort configures when a pending entry whose last client left is
// aborted. Sizes are in KiB. A negative Min never aborts cachable entries
// with a known length.
type QuickAbort struct {
	Min int64
	Max int64
	Pct int
}

// Options configures a [Store].
type Options struct {
	// Loop runs every store callback. Required.
	Loop *evloop.Loop

	// Disk is the cache directory. Nil keeps objects in memory only.
	Disk Disk

	// Transients enables collapsed forwarding across workers together with
	// Queue.
	Transients *Transients

	// Queue carries collapsed forwarding notifications.
	Queue *ipc.MultiQueue

	// Waker wakes workers that have notifications. Without it workers rely
	// on CollapsedPollInterval.
	Waker Waker

	// WorkerID is this worker's queue id. It also salts private keys.
	WorkerID int

	MaxObjectSize   int64
	MinObjectSize   int64
	MaxInMemObjSize int64

	// MemCacheSize bounds the bytes of complete objects kept in memory
	// after their last client left. Zero means unbounded.
	MemCacheSize int64

	NegativeTTL time.Duration
	QuickAbort  QuickAbort

	// CollapsedPollInterval re-syncs collapsed entries periodically in case
	// notifications were lost. Zero disables polling.
	CollapsedPollInterval time.Duration

	// SignalCheckInterval checks this worker's queue wake-up flag, raised
	// by peers in other processes, and handles notifications when it is
	// set. Zero disables the check.
	SignalCheckInterval time.Duration

	Logger logrus.FieldLogger

	// Metrics receives store counters. Nil creates unregistered ones.
	Metrics *Metrics

	// Now returns the current unix time. Nil uses the wall clock.
	Now func() int64
}

// Store is one worker's view of the cache: its entries, their clients and
// the shared tables they are published in.
//
// A Store must only be used from its loop.
type Store struct {
	opts       Options
	loop       *evloop.Loop
	disk       Disk
	transients *Transients
	queue      *ipc.MultiQueue
	log        logrus.FieldLogger
	metrics    *Metrics

	entries registry[Entry]
	clients registry[Client]
	table   map[Key]*Entry

	keyCounter uint64
	memInUse   int64

	lateRelease []*Entry
	lateTimer   *evloop.Timer
	pollTimer   *evloop.Timer
	signalTimer *evloop.Timer

	closed bool
}

// New creates a store.
func New(opts Options) (*Store, error) {
	if opts.Loop == nil {
		return nil, fmt.Errorf("nil loop: %w", ErrInvalidOptions)
	}

	if opts.MaxObjectSize <= 0 {
		return nil, fmt.Errorf("max object size %d: %w", opts.MaxObjectSize, ErrInvalidOptions)
	}

	if opts.Queue != nil && opts.Queue.LocalID() != opts.WorkerID {
		return nil, fmt.Errorf("queue id %d for worker %d: %w", opts.Queue.LocalID(), opts.WorkerID, ErrInvalidOptions)
	}

	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	s := &Store{
		opts:       opts,
		loop:       opts.Loop,
		disk:       opts.Disk,
		transients: opts.Transients,
		queue:      opts.Queue,
		log:        log.WithField("worker", opts.WorkerID),
		metrics:    metrics,
		table:      make(map[Key]*Entry),
	}

	s.schedulePoll()
	s.scheduleSignalCheck()

	return s, nil
}

func (s *Store) now() int64 {
	if s.opts.Now != nil {
		return s.opts.Now()
	}

	return time.Now().Unix()
}

// Metrics returns the store counters.
func (s *Store) Metrics() *Metrics { return s.metrics }

// Loop returns the store's event loop.
func (s *Store) Loop() *evloop.Loop { return s.loop }

// CreateEntry creates a pending entry for a new fetch and locks it for the
// producer. Cachable requests get a public key and, with collapsed
// forwarding, are published for other workers.
func (s *Store) CreateEntry(url string, method Method, flags RequestFlags) *Entry {
	e := s.newEntry()
	m := e.ensureMemObject(url, method)
	m.flags = flags

	e.storeStatus = StorePending
	e.Lock("CreateEntry")

	if flags&ReqCachable == 0 {
		e.SetPrivateKey()
		e.ReleaseRequest()

		return e
	}

	e.flags |= FlagCachable
	e.SetPublicKey()

	if s.transients != nil && s.queue != nil {
		s.transients.StartWriting(e, flags)
	}

	return e
}

// Get returns the entry with key k: a local one, one another worker is
// fetching right now, or a complete one from disk. It returns nil on a
// miss.
func (s *Store) Get(k Key) *Entry {
	if e, ok := s.table[k]; ok {
		return e
	}

	if e := s.getTransient(k); e != nil {
		return e
	}

	if s.disk != nil {
		if loc, ok := s.disk.Lookup(k); ok {
			return s.addDiskEntry(k, loc)
		}
	}

	return nil
}

// GetPublic looks up the public entry for method and url. Entries whose
// URL differs despite the same key are misses.
func (s *Store) GetPublic(method Method, url string) *Entry {
	e := s.Get(PublicKey(method, url))
	if e == nil {
		return nil
	}

	if m := e.mem; m != nil && m.url != "" && (m.urlSum != urlSum(url) || m.url != url) {
		e.log().WithField("url", url).Warn("key collision")

		return nil
	}

	e.ensureMemObject(url, method)

	return e
}

func (s *Store) getTransient(k Key) *Entry {
	t := s.transients
	if t == nil || s.queue == nil {
		return nil
	}

	id, basics, extras, ok := t.openForReading(k)
	if !ok {
		return nil
	}

	if old := t.locals[id]; old != nil {
		t.m.CloseForReading(id)

		return old
	}

	e := s.newEntry()
	e.setBasics(basics)
	e.storeStatus = StorePending

	m := e.ensureMemObject(extras.url, extras.method)
	m.flags = extras.flags
	m.smpCollapsed = true
	m.xit.index = id
	m.xit.io = ioReading
	t.locals[id] = e

	s.hashInsert(e, k)
	e.log().Debug("collapsed on another worker")

	s.syncCollapsedEntry(e)

	// An abandoned writer aborts e during the sync and may release it.
	if e.destroyed || s.table[k] != e {
		return nil
	}

	return e
}

func (s *Store) addDiskEntry(k Key, loc Location) *Entry {
	e := s.newEntry()
	e.setBasics(loc.Basics)
	e.flags |= FlagCachable
	e.storeStatus = StoreOk
	e.swapStatus = SwapDone
	e.swapFilen = loc.Filen
	e.swapDirn = s.disk.Index()

	s.hashInsert(e, k)

	return e
}

func (s *Store) hashInsert(e *Entry, k Key) {
	e.key = k
	e.hasKey = true
	s.table[k] = e
}

func (s *Store) hashDelete(e *Entry) {
	if s.table[e.key] == e {
		delete(s.table, e.key)
	}

	e.hasKey = false
}

func (s *Store) markForUnlink(e *Entry) {
	if s.transients != nil && s.transients.MarkForUnlink(e) {
		s.broadcast(e)
	}

	if s.disk != nil && e.swapFilen >= 0 && e.swapStatus != SwapNone {
		s.disk.MarkForUnlink(e)
	}
}

func (s *Store) rebuilding() bool {
	return s.disk != nil && s.disk.Rebuilding()
}

func (s *Store) scheduleLateRelease() {
	if s.lateTimer != nil || s.closed {
		return
	}

	var delay time.Duration
	if s.rebuilding() {
		delay = time.Second
	}

	s.lateTimer = s.loop.AfterFunc(delay, s.runLateRelease)
}

func (s *Store) runLateRelease() {
	s.lateTimer = nil

	if s.closed {
		return
	}

	if s.rebuilding() {
		s.scheduleLateRelease()

		return
	}

	for range lateReleaseBatch {
		if len(s.lateRelease) == 0 {
			return
		}

		e := s.lateRelease[0]
		s.lateRelease = s.lateRelease[1:]
		e.Unlock("late release")
	}

	if len(s.lateRelease) > 0 {
		s.scheduleLateRelease()
	}
}

// trimMemoryCache drops memory copies of unlocked entries, least recently
// used first, until the memory cache fits.
func (s *Store) trimMemoryCache() {
	limit := s.opts.MemCacheSize
	if limit <= 0 || s.memInUse <= limit {
		return
	}

	var victims []*Entry

	s.Walk(func(e *Entry) bool {
		if e.memStatus == InMemory && e.lockCount == 0 {
			victims = append(victims, e)
		}

		return true
	})

	slices.SortFunc(victims, func(a, b *Entry) int {
		return cmp.Compare(a.lastRef, b.lastRef)
	})

	for _, e := range victims {
		if s.memInUse <= limit {
			return
		}

		e.purgeMem()
	}
}

// Walk calls fn for every entry until fn returns false. fn must not
// change the store.
func (s *Store) Walk(fn func(*Entry) bool) {
	for _, slot := range s.entries.slots {
		if slot.v != nil && !fn(slot.v) {
			return
		}
	}
}

// Stats is a snapshot of store counts.
type Stats struct {
	Entries      int
	MemObjects   int
	InMemory     int
	Clients      int
	Collapsed    int
	MemInUse     int64
	LateReleases int
}

// Stats returns current counts.
func (s *Store) Stats() Stats {
	st := Stats{
		Entries:      s.entries.len(),
		Clients:      s.clients.len(),
		MemInUse:     s.memInUse,
		LateReleases: len(s.lateRelease),
	}

	s.Walk(func(e *Entry) bool {
		if e.mem != nil {
			st.MemObjects++

			if e.mem.smpCollapsed {
				st.Collapsed++
			}
		}

		if e.memStatus == InMemory {
			st.InMemory++
		}

		return true
	})

	return st
}

// Dump writes every entry.
func (s *Store) Dump(w io.Writer) {
	s.Walk(func(e *Entry) bool {
		e.Dump(w)

		return true
	})
}

// Close stops timers and drops the shared locks held for entries. Pending
// I/O completions are ignored afterwards; run the loop until it drains.
func (s *Store) Close() {
	if s.closed {
		return
	}

	s.closed = true

	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}

	if s.signalTimer != nil {
		s.signalTimer.Stop()
		s.signalTimer = nil
	}

	if s.lateTimer != nil {
		s.lateTimer.Stop()
		s.lateTimer = nil
	}

	var all []*Entry

	s.Walk(func(e *Entry) bool {
		all = append(all, e)

		return true
	})

	for _, e := range all {
		e.shutdown()
	}

	s.lateRelease = nil
}

// shutdown detaches e from every shared table without running the
// release logic.
func (e *Entry) shutdown() {
	s := e.store

	if m := e.mem; m != nil {
		for _, c := range append([]*Client(nil), m.clients...) {
			if c.sio != nil {
				c.sio.Close(CloseReaderDone)
				c.sio = nil
			}

			c.closed = true
			s.clients.remove(c.ref)
		}

		m.clients = nil
		m.nclients = 0

		e.swapOutFileClose(CloseWriterGone)
		s.closeCollapsedReader(e)

		if s.transients != nil {
			s.transients.Disconnect(e)
		}
	}

	if e.swapFilen >= 0 && e.swapStatus != SwapWriting && s.disk != nil {
		s.disk.Disconnect(e)
	}

	if e.hasKey {
		s.hashDelete(e)
	}

	s.entries.remove(e.ref)
	e.destroyed = true
}
