package store

import (
	"encoding/binary"
	"errors"

	"github.com/calvinalkan/smpcache/pkg/ipc"
)

// NotificationSize is the queue item size: sender worker and transients
// slot, both int32.
const NotificationSize = 8

// collapsedReadSize bounds one read of a growing disk copy.
const collapsedReadSize = 16 * PageSize

// Waker wakes a worker whose notification queue may have gone from empty
// to non-empty. The woken worker calls [Store.HandleNotifications].
type Waker interface {
	Wake(worker int)
}

// WakerFunc adapts a function to [Waker].
type WakerFunc func(worker int)

// Wake calls f.
func (f WakerFunc) Wake(worker int) { f(worker) }

// collapsedState tracks how far a collapsed reader copied the disk object
// another worker writes.
type collapsedState struct {
	sio   IOState
	meta  *SwapMeta
	hdrSz int64
	busy  bool
	again bool
}

// broadcast tells workers collapsed on e that it changed.
func (s *Store) broadcast(e *Entry) {
	q := s.queue
	m := e.mem

	if q == nil || s.transients == nil || m == nil || m.xit.index < 0 {
		return
	}

	if s.transients.Readers(e) == 0 {
		return
	}

	item := make([]byte, NotificationSize)
	binary.LittleEndian.PutUint32(item[0:4], uint32(q.LocalID()))  //nolint:gosec
	binary.LittleEndian.PutUint32(item[4:8], uint32(m.xit.index)) //nolint:gosec

	for w := range q.Workers() {
		if w == q.LocalID() {
			continue
		}

		notify, err := q.Push(w, item)
		if err != nil {
			// The reader notices through its overflow flag.
			s.metrics.Notifications.WithLabelValues("dropped").Inc()

			continue
		}

		s.metrics.Notifications.WithLabelValues("sent").Inc()

		if notify && s.opts.Waker != nil {
			s.opts.Waker.Wake(w)
		}
	}
}

func (s *Store) transientsCompleteWriting(e *Entry) {
	if s.transients == nil {
		return
	}

	s.broadcast(e)
	s.transients.CompleteWriting(e)
}

// HandleNotifications drains this worker's notification queue and syncs
// the entries it names. After an overflow every collapsed entry is synced.
func (s *Store) HandleNotifications() {
	q := s.queue
	if q == nil || s.closed {
		return
	}

	r := q.Reader(q.LocalID())
	r.ClearSignal()

	if r.TakeOverflow() {
		s.syncAllCollapsed()
	}

	buf := make([]byte, NotificationSize)

	for {
		if _, ok := q.Pop(buf); !ok {
			return
		}

		s.metrics.Notifications.WithLabelValues("received").Inc()
		s.SyncCollapsed(ipc.AnchorID(int32(binary.LittleEndian.Uint32(buf[4:8])))) //nolint:gosec
	}
}

func (s *Store) syncAllCollapsed() {
	if s.transients == nil {
		return
	}

	for id := range s.transients.locals {
		s.SyncCollapsed(ipc.AnchorID(id)) //nolint:gosec
	}
}

func (s *Store) pollCollapsed() {
	s.pollTimer = nil

	if s.closed {
		return
	}

	s.HandleNotifications()
	s.syncAllCollapsed()
	s.schedulePoll()
}

func (s *Store) schedulePoll() {
	if s.opts.CollapsedPollInterval <= 0 || s.transients == nil || s.pollTimer != nil {
		return
	}

	s.pollTimer = s.loop.AfterFunc(s.opts.CollapsedPollInterval, s.pollCollapsed)
}

func (s *Store) checkSignal() {
	s.signalTimer = nil

	if s.closed {
		return
	}

	if s.queue.Reader(s.queue.LocalID()).Signaled() {
		s.HandleNotifications()
	}

	s.scheduleSignalCheck()
}

func (s *Store) scheduleSignalCheck() {
	if s.opts.SignalCheckInterval <= 0 || s.queue == nil || s.signalTimer != nil {
		return
	}

	s.signalTimer = s.loop.AfterFunc(s.opts.SignalCheckInterval, s.checkSignal)
}

// SyncCollapsed brings the local entry collapsed on transients slot id up
// to date with the disk copy another worker writes.
func (s *Store) SyncCollapsed(id ipc.AnchorID) {
	if s.transients == nil {
		return
	}

	e := s.transients.FindCollapsed(id)
	if e == nil || e.storeStatus != StorePending {
		return
	}

	s.syncCollapsedEntry(e)
}

func (s *Store) syncCollapsedEntry(e *Entry) {
	cs := &e.mem.collapsed

	if cs.busy {
		cs.again = true

		return
	}

	abandoned := s.transients.Abandoned(e)

	if e.swapFilen < 0 && !s.anchorCollapsed(e) {
		if abandoned {
			e.log().Debug("collapsed writer left without a disk copy")
			e.Abort()
		}

		return
	}

	cs.busy = true
	cs.again = false
	s.updateCollapsed(e)
}

// anchorCollapsed attaches e to the disk copy being written under its key.
func (s *Store) anchorCollapsed(e *Entry) bool {
	if s.disk == nil {
		return false
	}

	loc, ok := s.disk.AnchorCollapsed(e.key)
	if !ok {
		return false
	}

	e.swapFilen = loc.Filen
	e.swapDirn = s.disk.Index()

	return true
}

// updateCollapsed copies newly written disk bytes into memory. It runs one
// read at a time and calls itself from the read completion until it caught
// up.
func (s *Store) updateCollapsed(e *Entry) {
	m := e.mem
	cs := &m.collapsed

	if cs.sio == nil {
		sio, err := s.disk.Open(e)
		if err != nil {
			s.collapsedDone(e, err)

			return
		}

		cs.sio = sio
	}

	size, complete, err := cs.sio.Progress()
	if err != nil {
		s.collapsedDone(e, err)

		return
	}

	if cs.meta == nil {
		if size == 0 {
			s.collapsedDone(e, completeErr(complete))

			return
		}

		s.collapsedRead(e, 0, int(min(size, metaReadSize)), func(b []byte) (bool, error) {
			meta, n, err := DecodeSwapMeta(b)

			switch {
			case errors.Is(err, errShortMeta) && !complete:
				return false, nil
			case err != nil:
				return false, err
			case meta.Key != e.key || meta.URL != m.url:
				return false, ErrCorruptMeta
			}

			cs.meta = &meta
			cs.hdrSz = int64(n)

			if meta.HeaderSize == 0 {
				s.setCollapsedReply(e, nil)
			}

			return true, nil
		})

		return
	}

	have := cs.hdrSz + m.EndOffset()

	if size > have {
		n := int(min(size-have, collapsedReadSize))

		s.collapsedRead(e, have, n, func(b []byte) (bool, error) {
			if len(b) == 0 {
				return false, nil
			}

			m.write(b)

			if hs := int(cs.meta.HeaderSize); m.reply == nil && m.EndOffset() >= int64(hs) {
				s.setCollapsedReply(e, m.data.copyAt(0, hs))
			}

			return true, nil
		})

		return
	}

	if complete {
		s.collapsedFinished(e, size)

		return
	}

	s.collapsedDone(e, nil)
}

func (s *Store) setCollapsedReply(e *Entry, header []byte) {
	meta := e.mem.collapsed.meta

	e.mem.reply = meta.reply(header)
	e.timestamp = meta.Timestamp
	e.expires = meta.Expires
	e.lastMod = meta.LastMod
}

func completeErr(complete bool) error {
	if complete {
		return ErrCorruptMeta
	}

	return nil
}

// collapsedRead reads n bytes at off. got reports whether to continue
// syncing right away.
func (s *Store) collapsedRead(e *Entry, off int64, n int, got func(b []byte) (bool, error)) {
	r := e.ref
	sio := e.mem.collapsed.sio
	buf := make([]byte, n)

	sio.Read(buf, off, func(k int, err error) {
		e, ok := s.entries.get(r)
		if !ok || e.mem == nil || e.mem.collapsed.sio != sio || e.storeStatus != StorePending {
			return
		}

		if err != nil {
			s.collapsedDone(e, err)

			return
		}

		more, err := got(buf[:k])
		if err != nil || !more {
			s.collapsedDone(e, err)

			return
		}

		e.invokeHandlers()
		s.updateCollapsed(e)
	})
}

// collapsedFinished completes e once the writer finished its disk copy.
func (s *Store) collapsedFinished(e *Entry, size int64) {
	m := e.mem
	cs := &m.collapsed

	if m.reply == nil {
		s.collapsedDone(e, ErrCorruptMeta)

		return
	}

	cs.sio.Close(CloseReaderDone)
	cs.sio = nil
	cs.busy = false

	m.objectSize = m.EndOffset()
	e.storeStatus = StoreOk
	e.swapStatus = SwapDone
	e.swapFileSize = uint64(size) //nolint:gosec
	s.transients.Disconnect(e)
	m.smpCollapsed = false

	e.log().Debug("collapsed entry complete")
	e.invokeHandlers()

	// keep in memory or release
	e.Lock("collapsed")
	e.Unlock("collapsed")
}

// collapsedDone ends one sync round. A nil error means e is in sync; any
// other error aborts the entry.
func (s *Store) collapsedDone(e *Entry, err error) {
	cs := &e.mem.collapsed
	cs.busy = false

	if err != nil {
		e.log().WithError(err).Debug("collapsed sync failed")
		s.closeCollapsedReader(e)
		e.Abort()

		return
	}

	e.invokeHandlers()

	if e.mem.reply != nil {
		e.trimMemory(false)
	}

	if cs.again {
		s.syncCollapsedEntry(e)
	}
}

func (s *Store) closeCollapsedReader(e *Entry) {
	if e.mem == nil {
		return
	}

	cs := &e.mem.collapsed
	if cs.sio != nil {
		cs.sio.Close(CloseReaderDone)
		cs.sio = nil
	}
}
