package shm_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/smpcache/pkg/shm"
)

func Test_LockSet_Returns_ErrWouldBlock_When_Exclusive_Lock_Is_Held(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "set.lock")

	lk, err := shm.LockSet(path, true, 0)
	require.NoError(t, err)

	_, err = shm.LockSet(path, false, 0)
	require.ErrorIs(t, err, shm.ErrWouldBlock)

	start := time.Now()
	_, err = shm.LockSet(path, true, 30*time.Millisecond)
	require.ErrorIs(t, err, shm.ErrWouldBlock)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	require.NoError(t, lk.Close())
	require.NoError(t, lk.Close())

	again, err := shm.LockSet(path, true, 0)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func Test_LockSet_Admits_Many_Holders_When_Locks_Are_Shared(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "set.lock")

	a, err := shm.LockSet(path, false, 0)
	require.NoError(t, err)

	b, err := shm.LockSet(path, false, 0)
	require.NoError(t, err)

	_, err = shm.LockSet(path, true, 0)
	require.ErrorIs(t, err, shm.ErrWouldBlock)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func Test_LockSet_Waits_For_Holder_When_Timeout_Allows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "set.lock")

	lk, err := shm.LockSet(path, true, 0)
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, func() { _ = lk.Close() })

	got, err := shm.LockSet(path, true, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, got.Close())
}
