package ipc_test

import (
	"bytes"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/smpcache/pkg/ipc"
	"github.com/calvinalkan/smpcache/pkg/shm"
)

func newTestLockSegment(tb testing.TB) shm.Options {
	tb.Helper()

	opts := shm.Options{Path: filepath.Join(tb.TempDir(), "locks.shm"), Kind: 1, RecordSize: 16, Capacity: 1}

	seg, err := shm.Create(opts)
	if err != nil {
		tb.Fatalf("Create: %v", err)
	}

	tb.Cleanup(func() { _ = seg.Close() })

	return opts
}

func attachLock(tb testing.TB, opts shm.Options) ipc.ReadWriteLock {
	tb.Helper()

	seg, err := shm.Attach(opts)
	if err != nil {
		tb.Fatalf("Attach: %v", err)
	}

	tb.Cleanup(func() { _ = seg.Close() })

	return ipc.NewReadWriteLock(seg.Record(0))
}

func Test_ReadWriteLock_Excludes_Writer_When_Reader_Holds_Lock(t *testing.T) {
	t.Parallel()

	l := attachLock(t, newTestLockSegment(t))

	require.True(t, l.LockShared())
	require.True(t, l.LockShared())
	require.False(t, l.LockExclusive())
	require.Equal(t, uint32(0), l.Writers(), "failed exclusive attempt must roll back")

	l.UnlockShared()
	l.UnlockShared()

	require.True(t, l.LockExclusive())
	require.False(t, l.LockShared())
	require.False(t, l.LockExclusive())
	require.Equal(t, uint32(0), l.Readers(), "failed shared attempt must roll back")
	l.UnlockExclusive()
}

func Test_ReadWriteLock_Admits_Readers_When_Writer_Is_Appending(t *testing.T) {
	t.Parallel()

	l := attachLock(t, newTestLockSegment(t))

	require.True(t, l.LockExclusive())
	l.StartAppending()
	require.True(t, l.LockShared())

	l.UnlockExclusive()
	require.False(t, l.Appending())
	require.False(t, l.LockExclusive(), "appending reader still holds the lock")

	l.UnlockShared()
}

func Test_SwitchExclusiveToShared_Keeps_Writers_Out_When_Switching(t *testing.T) {
	t.Parallel()

	l := attachLock(t, newTestLockSegment(t))

	require.True(t, l.LockExclusive())
	l.SwitchExclusiveToShared()

	require.Equal(t, uint32(1), l.Readers())
	require.Equal(t, uint32(0), l.Writers())
	require.False(t, l.LockExclusive())
	require.True(t, l.LockShared())
}

func Test_UnlockShared_Panics_When_Not_Locked(t *testing.T) {
	t.Parallel()

	l := attachLock(t, newTestLockSegment(t))

	require.Panics(t, l.UnlockShared)
	require.Panics(t, func() { l.StartAppending() })
}

// Each goroutine attaches its own mapping of the lock, like a separate
// process would. Holders record themselves in plain counters; any overlap
// of a writer with another holder is a safety violation.
func Test_ReadWriteLock_Never_Grants_Conflicting_Holds_When_Contended(t *testing.T) {
	t.Parallel()

	opts := newTestLockSegment(t)

	const workers, rounds = 8, 2000

	var (
		readers    atomic.Int32
		writers    atomic.Int32
		violations atomic.Int32
		wg         sync.WaitGroup
	)

	for w := range workers {
		l := attachLock(t, opts)

		wg.Add(1)

		go func(seed uint64) {
			defer wg.Done()

			rng := rand.New(rand.NewPCG(seed, seed))

			for range rounds {
				if rng.IntN(4) == 0 {
					if !l.LockExclusive() {
						continue
					}

					if writers.Add(1) != 1 || readers.Load() != 0 {
						violations.Add(1)
					}

					writers.Add(-1)
					l.UnlockExclusive()

					continue
				}

				if !l.LockShared() {
					continue
				}

				readers.Add(1)

				if writers.Load() != 0 {
					violations.Add(1)
				}

				readers.Add(-1)
				l.UnlockShared()
			}
		}(uint64(w))
	}

	wg.Wait()

	require.Zero(t, violations.Load())

	l := attachLock(t, opts)
	require.Equal(t, uint32(0), l.Readers())
	require.Equal(t, uint32(0), l.Writers())
}

func Test_ReadWriteLockStats_Dump_Reports_Lock_States(t *testing.T) {
	t.Parallel()

	l := attachLock(t, newTestLockSegment(t))
	require.True(t, l.LockShared())

	var stats ipc.ReadWriteLockStats

	l.UpdateStats(&stats)
	require.Equal(t, ipc.ReadWriteLockStats{Count: 1, Readable: 1, Readers: 1}, stats)

	var buf bytes.Buffer

	stats.Dump(&buf)
	require.True(t, strings.Contains(buf.String(), "Reading:"), buf.String())
}
