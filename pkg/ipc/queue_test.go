package ipc_test

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/smpcache/pkg/ipc"
)

func newTestQueues(tb testing.TB, workers, capacity int) []*ipc.MultiQueue {
	tb.Helper()

	opts := ipc.QueueOptions{
		Path:     filepath.Join(tb.TempDir(), "cf"),
		Workers:  workers,
		Capacity: capacity,
		ItemSize: 8,
	}

	first, err := ipc.CreateQueue(opts)
	if err != nil {
		tb.Fatalf("CreateQueue: %v", err)
	}

	tb.Cleanup(func() { _ = first.Close() })

	qs := []*ipc.MultiQueue{first}

	for id := 1; id < workers; id++ {
		opts.LocalID = id

		q, err := ipc.AttachQueue(opts)
		if err != nil {
			tb.Fatalf("AttachQueue(%d): %v", id, err)
		}

		tb.Cleanup(func() { _ = q.Close() })

		qs = append(qs, q)
	}

	return qs
}

func item(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func Test_Push_Asks_For_Wakeup_Only_When_Reader_Is_Blocked(t *testing.T) {
	t.Parallel()

	qs := newTestQueues(t, 2, 4)
	buf := make([]byte, 8)

	notify, err := qs[0].Push(1, item(1))
	require.NoError(t, err)
	require.False(t, notify, "reader never blocked")

	from, ok := qs[1].Pop(buf)
	require.True(t, ok)
	require.Equal(t, 0, from)

	_, ok = qs[1].Pop(buf)
	require.False(t, ok)
	require.True(t, qs[1].Reader(1).Blocked())

	notify, err = qs[0].Push(1, item(2))
	require.NoError(t, err)
	require.True(t, notify)

	notify, err = qs[0].Push(1, item(3))
	require.NoError(t, err)
	require.False(t, notify, "queue was not empty")

	qs[1].Reader(1).ClearSignal()
	require.False(t, qs[1].Reader(1).Blocked())

	var got []uint64

	for {
		if _, ok := qs[1].Pop(buf); !ok {
			break
		}

		got = append(got, binary.LittleEndian.Uint64(buf))
	}

	require.Equal(t, []uint64{2, 3}, got)
}

func Test_Push_Drops_Item_And_Raises_Overflow_When_Ring_Is_Full(t *testing.T) {
	t.Parallel()

	qs := newTestQueues(t, 2, 2)

	for i := range 2 {
		_, err := qs[1].Push(0, item(uint64(i)))
		require.NoError(t, err)
	}

	_, err := qs[1].Push(0, item(9))
	require.True(t, errors.Is(err, ipc.ErrQueueFull), "err = %v", err)
	require.Equal(t, 2, qs[0].Len(1))

	require.True(t, qs[0].Reader(0).TakeOverflow())
	require.False(t, qs[0].Reader(0).TakeOverflow())
}

func Test_Pop_Visits_Senders_Round_Robin(t *testing.T) {
	t.Parallel()

	qs := newTestQueues(t, 3, 4)
	buf := make([]byte, 8)

	for _, sender := range []int{1, 2} {
		for i := range 2 {
			_, err := qs[sender].Push(0, item(uint64(sender*10+i)))
			require.NoError(t, err)
		}
	}

	var senders []int

	for {
		from, ok := qs[0].Pop(buf)
		if !ok {
			break
		}

		senders = append(senders, from)
	}

	require.Equal(t, []int{1, 2, 1, 2}, senders)
}

func Test_Push_Returns_ErrItemTooLarge_When_Item_Exceeds_Item_Size(t *testing.T) {
	t.Parallel()

	qs := newTestQueues(t, 1, 1)

	_, err := qs[0].Push(0, make([]byte, 9))
	require.ErrorIs(t, err, ipc.ErrItemTooLarge)
}
