package ipc

import (
	"fmt"
	"io"

	"github.com/calvinalkan/smpcache/pkg/shm"
)

// Lock word offsets inside a [ReadWriteLock] window.
const (
	lockOffReaders   = 0x0 // uint32
	lockOffWriters   = 0x4 // uint32
	lockOffAppending = 0x8 // uint32 (bool)

	lockSize = 0x10
)

// ReadWriteLock is a shared/exclusive lock living inside a shared segment.
//
// It uses two atomic counters and never blocks: a failed attempt means
// "retry later". Readers increment the reader count before checking for
// writers, and writers increment the writer count before checking for
// readers, so a reader and a writer can never both succeed.
//
// The zero value of the underlying bytes is an unlocked lock.
type ReadWriteLock struct {
	b []byte
}

// NewReadWriteLock returns the lock stored in b[0:16]. b must come from a
// [shm.Segment] record (8-byte aligned).
func NewReadWriteLock(b []byte) ReadWriteLock {
	if len(b) < lockSize {
		panic(fmt.Sprintf("ipc: lock window of %d bytes, need %d", len(b), lockSize))
	}

	return ReadWriteLock{b: b[:lockSize:lockSize]}
}

func (l ReadWriteLock) readers() []byte   { return l.b[lockOffReaders:] }
func (l ReadWriteLock) writers() []byte   { return l.b[lockOffWriters:] }
func (l ReadWriteLock) appending() []byte { return l.b[lockOffAppending:] }

// LockShared tries to acquire a shared lock. It succeeds when no writer
// holds or attempts the lock, or when the writer allows appending readers.
func (l ReadWriteLock) LockShared() bool {
	shm.AddUint32(l.readers(), 1) // locks new writers out

	if shm.LoadUint32(l.writers()) == 0 || shm.LoadUint32(l.appending()) != 0 {
		return true
	}

	shm.AddUint32(l.readers(), ^uint32(0))

	return false
}

// LockExclusive tries to acquire the exclusive lock. It succeeds only for
// the first writer and only while there are no readers.
func (l ReadWriteLock) LockExclusive() bool {
	if shm.AddUint32(l.writers(), 1) == 1 { // locks new readers out
		if shm.LoadUint32(l.readers()) == 0 {
			return true
		}
	}

	shm.AddUint32(l.writers(), ^uint32(0))

	return false
}

// UnlockShared releases a shared lock.
func (l ReadWriteLock) UnlockShared() {
	if shm.AddUint32(l.readers(), ^uint32(0)) == ^uint32(0) {
		panic("ipc: UnlockShared without readers")
	}
}

// UnlockExclusive releases the exclusive lock and ends appending mode.
func (l ReadWriteLock) UnlockExclusive() {
	shm.StoreUint32(l.appending(), 0)

	if shm.AddUint32(l.writers(), ^uint32(0)) == ^uint32(0) {
		panic("ipc: UnlockExclusive without writers")
	}
}

// SwitchExclusiveToShared converts an exclusive hold into a shared one.
// The reader count goes up before the writer count goes down, so the lock
// is never observed free in between.
func (l ReadWriteLock) SwitchExclusiveToShared() {
	shm.AddUint32(l.readers(), 1)
	l.UnlockExclusive()
}

// StartAppending lets readers in while the caller keeps the exclusive lock.
// The writer must only add data that readers cannot see until it is linked.
func (l ReadWriteLock) StartAppending() {
	if shm.LoadUint32(l.writers()) == 0 {
		panic("ipc: StartAppending without exclusive lock")
	}

	shm.StoreUint32(l.appending(), 1)
}

// Readers returns the current (approximate) reader count.
func (l ReadWriteLock) Readers() uint32 { return shm.LoadUint32(l.readers()) }

// Writers returns the current (approximate) writer count.
func (l ReadWriteLock) Writers() uint32 { return shm.LoadUint32(l.writers()) }

// Appending reports whether the writer admits readers.
func (l ReadWriteLock) Appending() bool { return shm.LoadUint32(l.appending()) != 0 }

// UpdateStats adds this lock's current state to stats.
func (l ReadWriteLock) UpdateStats(stats *ReadWriteLockStats) {
	stats.Count++

	r := l.Readers()
	w := l.Writers()

	if r > 0 {
		stats.Readable++
		stats.Readers += int(r)
	}

	if w > 0 {
		stats.Writeable++
		stats.Writers += int(w)

		if l.Appending() {
			stats.Appenders++
		}
	}

	if r == 0 && w == 0 {
		stats.Idle++
	}
}

// ReadWriteLockStats summarizes the state of many locks.
type ReadWriteLockStats struct {
	Count     int // locks inspected
	Readable  int // locks with at least one reader
	Writeable int // locks with a writer
	Idle      int // unlocked locks
	Readers   int // sum of reader counts
	Writers   int // sum of writer counts
	Appenders int // writers that admit readers
}

// Dump writes a human-readable summary.
func (s ReadWriteLockStats) Dump(w io.Writer) {
	_, _ = fmt.Fprintf(w, "Available locks: %9d\n", s.Count)

	if s.Count == 0 {
		return
	}

	busy := s.Count - s.Idle
	_, _ = fmt.Fprintf(w, "Reading: %9d %6.2f%%\n", s.Readable, pct(s.Readable, busy))
	_, _ = fmt.Fprintf(w, "Writing: %9d %6.2f%%\n", s.Writeable, pct(s.Writeable, busy))
	_, _ = fmt.Fprintf(w, "Idle:    %9d %6.2f%%\n", s.Idle, pct(s.Idle, s.Count))

	if s.Readable > 0 {
		_, _ = fmt.Fprintf(w, "Readers per reading lock: %.2f\n", float64(s.Readers)/float64(s.Readable))
	}

	if s.Writeable > 0 {
		_, _ = fmt.Fprintf(w, "Appending writers: %d\n", s.Appenders)
	}
}

func pct(part, whole int) float64 {
	if whole == 0 {
		return 0
	}

	return 100 * float64(part) / float64(whole)
}
