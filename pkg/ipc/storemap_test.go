package ipc_test

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/smpcache/pkg/ipc"
)

func newTestMap(tb testing.TB, entries, slices int) (*ipc.StoreMap, ipc.MapOptions) {
	tb.Helper()

	opts := ipc.MapOptions{Path: filepath.Join(tb.TempDir(), "map"), Entries: entries, Slices: slices}

	m, err := ipc.CreateMap(opts)
	if err != nil {
		tb.Fatalf("CreateMap: %v", err)
	}

	tb.Cleanup(func() { _ = m.Close() })

	return m, opts
}

func attachMap(tb testing.TB, opts ipc.MapOptions) *ipc.StoreMap {
	tb.Helper()

	m, err := ipc.AttachMap(opts)
	if err != nil {
		tb.Fatalf("AttachMap: %v", err)
	}

	tb.Cleanup(func() { _ = m.Close() })

	return m
}

// testKey returns a key that hashes to anchor n%entries: the high half
// is zero so the hash is the low half.
func testKey(n uint64) ipc.Key {
	var k ipc.Key

	binary.LittleEndian.PutUint64(k[0:8], n)

	return k
}

// collidingKey hashes to the same anchor as testKey(n) in a map of the
// given size but is a different key.
func collidingKey(n uint64, entries int) ipc.Key {
	k := testKey(n - 1)
	binary.LittleEndian.PutUint64(k[8:16], 1+uint64(entries))

	return k
}

// writeChain stores key with slices of the given sizes and closes the
// anchor, keeping a shared lock when lockForReading is set.
func writeChain(tb testing.TB, m *ipc.StoreMap, k ipc.Key, sizes []uint32, lockForReading bool) ipc.AnchorID {
	tb.Helper()

	a, id, ok := m.OpenForWriting(k)
	if !ok {
		tb.Fatalf("OpenForWriting(%s) failed", k)
	}

	a.Set(k, ipc.Basics{Timestamp: 100})

	tail := ipc.NoSlice

	for _, size := range sizes {
		sid, ok := m.PrepFreeSlice()
		if !ok {
			tb.Fatal("PrepFreeSlice failed")
		}

		m.WriteableSlice(id, sid).SetSize(size)
		m.LinkSlice(id, tail, sid)
		tail = sid
	}

	m.CloseForWriting(id, lockForReading)

	return id
}

type cleanerLog struct {
	anchors []ipc.AnchorID
	slices  []ipc.SliceID
}

func (c *cleanerLog) NoteFreeMapAnchor(id ipc.AnchorID) { c.anchors = append(c.anchors, id) }
func (c *cleanerLog) NoteFreeMapSlice(id ipc.SliceID)   { c.slices = append(c.slices, id) }

func Test_OpenForWriting_Locks_Anchor_When_Table_Is_Empty(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 8, 8)
	k := testKey(3)

	a, id, ok := m.OpenForWriting(k)
	require.True(t, ok)
	require.Equal(t, ipc.AnchorID(3), id)
	require.True(t, a.Writing())

	a.Set(k, ipc.Basics{Timestamp: 1})
	require.False(t, a.Empty())
	require.Equal(t, 1, m.EntryCount())
}

func Test_OpenForWriting_Fails_When_Another_Writer_Holds_Key(t *testing.T) {
	t.Parallel()

	m, opts := newTestMap(t, 8, 8)
	other := attachMap(t, opts)
	k := testKey(5)

	_, _, ok := m.OpenForWriting(k)
	require.True(t, ok)

	_, _, ok = other.OpenForWriting(k)
	require.False(t, ok)
}

func Test_OpenForReading_Fails_When_Writer_Holds_Exclusive_Lock(t *testing.T) {
	t.Parallel()

	m, opts := newTestMap(t, 8, 8)
	other := attachMap(t, opts)
	k := testKey(6)

	a, _, ok := m.OpenForWriting(k)
	require.True(t, ok)
	a.Set(k, ipc.Basics{})

	_, _, ok = other.OpenForReading(k)
	require.False(t, ok)
}

func Test_OpenForReading_Fails_When_Key_Differs_Or_Anchor_Is_Empty(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 8, 8)
	k := testKey(2)

	_, _, ok := m.OpenForReading(k)
	require.False(t, ok, "empty anchor")

	writeChain(t, m, k, []uint32{10}, false)

	_, _, ok = m.OpenForReading(collidingKey(2, 8))
	require.False(t, ok, "same anchor, other key")

	a, id, ok := m.OpenForReading(k)
	require.True(t, ok)
	require.Equal(t, k, a.Key())
	m.CloseForReading(id)
}

func Test_SliceContaining_Finds_Slice_When_Offset_Falls_Inside(t *testing.T) {
	t.Parallel()

	m, opts := newTestMap(t, 8, 16)
	k := testKey(1)
	id := writeChain(t, m, k, []uint32{4096, 4096, 100}, true)

	reader := attachMap(t, opts)

	_, rid, ok := reader.OpenForReading(k)
	require.True(t, ok)
	require.Equal(t, id, rid)

	var chain []ipc.SliceID

	for sid := reader.ReadableEntry(rid).Start(); sid >= 0; sid = reader.ReadableSlice(rid, sid).Next() {
		chain = append(chain, sid)
	}

	require.Len(t, chain, 3)

	tests := []struct {
		offset uint64
		want   ipc.SliceID
	}{
		{offset: 0, want: chain[0]},
		{offset: 4095, want: chain[0]},
		{offset: 4096, want: chain[1]},
		{offset: 8100, want: chain[1]},
		{offset: 8192, want: chain[2]},
		{offset: 8242, want: chain[2]},
		{offset: 8291, want: chain[2]},
		{offset: 8292, want: ipc.NoSlice},
	}

	for _, tc := range tests {
		require.Equal(t, tc.want, reader.SliceContaining(rid, tc.offset), "offset %d", tc.offset)
	}

	require.Equal(t, uint64(8292), reader.ChainSize(rid))

	reader.CloseForReading(rid)
	m.CloseForReading(id)
}

func Test_SetNext_Panics_When_Slice_Is_Already_Linked(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 4, 4)
	k := testKey(4)

	_, id, ok := m.OpenForWriting(k)
	require.True(t, ok)

	first, _ := m.PrepFreeSlice()
	second, _ := m.PrepFreeSlice()
	third, _ := m.PrepFreeSlice()

	m.LinkSlice(id, ipc.NoSlice, first)
	m.LinkSlice(id, first, second)

	require.Panics(t, func() { m.LinkSlice(id, first, third) })
	require.Panics(t, func() { m.LinkSlice(id, ipc.NoSlice, third) })
	require.Equal(t, second, m.WriteableSlice(id, first).Next())
}

func Test_OpenForWriting_Evicts_Occupant_When_Keys_Collide(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 8, 8)
	cleaner := &cleanerLog{}
	m.SetCleaner(cleaner)

	old := testKey(4)
	writeChain(t, m, old, []uint32{1, 2}, false)
	require.Equal(t, 2, m.SlicesUsed())

	newer := collidingKey(4, 8)
	require.Equal(t, m.AnchorIndexByKey(old), m.AnchorIndexByKey(newer))

	writeChain(t, m, newer, []uint32{3}, false)

	_, _, ok := m.OpenForReading(old)
	require.False(t, ok)

	a, id, ok := m.OpenForReading(newer)
	require.True(t, ok)
	require.Equal(t, uint64(3), m.ChainSize(id))
	require.Equal(t, newer, a.Key())
	m.CloseForReading(id)

	require.Equal(t, 1, m.EntryCount())
	require.Equal(t, 1, m.SlicesUsed())
	require.Equal(t, []ipc.AnchorID{4}, cleaner.anchors)
	require.Len(t, cleaner.slices, 2)
}

func Test_FreeEntry_Defers_Until_Last_Reader_Closes_When_Anchor_Is_Read(t *testing.T) {
	t.Parallel()

	m, opts := newTestMap(t, 8, 8)
	reader := attachMap(t, opts)
	k := testKey(7)
	id := writeChain(t, m, k, []uint32{50}, false)

	_, rid, ok := reader.OpenForReading(k)
	require.True(t, ok)

	require.False(t, m.FreeEntry(id))
	require.True(t, m.PeekAtEntry(id).WaitingToBeFreed())

	_, _, ok = m.OpenForReading(k)
	require.False(t, ok, "anchor waiting to be freed is not readable")

	reader.CloseForReading(rid)

	require.True(t, m.PeekAtEntry(id).Empty())
	require.Equal(t, 0, m.EntryCount())
	require.Equal(t, 0, m.SlicesUsed())
}

func Test_FreeEntryByKey_Frees_Only_Matching_Key(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 8, 8)
	k := testKey(1)
	id := writeChain(t, m, k, []uint32{1}, false)

	m.FreeEntryByKey(collidingKey(1, 8))
	require.False(t, m.PeekAtEntry(id).Empty())

	m.FreeEntryByKey(k)
	require.True(t, m.PeekAtEntry(id).Empty())
	require.Equal(t, 0, m.EntryCount())
}

func Test_AbortWriting_Marks_Anchor_When_Appending_Readers_Are_Attached(t *testing.T) {
	t.Parallel()

	m, opts := newTestMap(t, 8, 8)
	reader := attachMap(t, opts)
	k := testKey(3)

	a, id, ok := m.OpenForWriting(k)
	require.True(t, ok)
	a.Set(k, ipc.Basics{})

	sid, _ := m.PrepFreeSlice()
	m.WriteableSlice(id, sid).SetSize(10)
	m.LinkSlice(id, ipc.NoSlice, sid)
	m.StartAppending(id)

	_, rid, ok := reader.OpenForReading(k)
	require.True(t, ok)
	require.Equal(t, sid, reader.SliceContaining(rid, 5))

	m.AbortWriting(id)
	require.True(t, m.PeekAtEntry(id).WaitingToBeFreed())
	require.Equal(t, 1, m.SlicesUsed(), "slices stay until the reader leaves")

	reader.CloseForReading(rid)
	require.True(t, m.PeekAtEntry(id).Empty())
	require.Equal(t, 0, m.SlicesUsed())
	require.Equal(t, 0, m.EntryCount())
}

func Test_AbortWriting_Frees_Slices_When_Key_Was_Never_Set(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 8, 8)

	_, id, ok := m.OpenForWriting(testKey(2))
	require.True(t, ok)

	sid, _ := m.PrepFreeSlice()
	m.LinkSlice(id, ipc.NoSlice, sid)

	m.AbortWriting(id)
	require.Equal(t, 0, m.SlicesUsed())
	require.Equal(t, 0, m.EntryCount())
	require.Equal(t, uint32(0), m.PeekAtEntry(id).Lock().Writers())
}

func Test_PrepFreeSlice_Purges_Victim_When_Slices_Run_Out(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 4, 2)
	cleaner := &cleanerLog{}
	m.SetCleaner(cleaner)

	// testKey(4) hashes to anchor 0 in a map of 4 entries.
	victim := testKey(4)
	writeChain(t, m, victim, []uint32{1, 1}, false)
	require.Equal(t, 2, m.SlicesUsed())

	_, id, ok := m.OpenForWriting(testKey(2))
	require.True(t, ok)

	sid, ok := m.PrepFreeSlice()
	require.True(t, ok)
	m.LinkSlice(id, ipc.NoSlice, sid)

	_, _, ok = m.OpenForReading(victim)
	require.False(t, ok, "victim purged")
	require.Equal(t, []ipc.AnchorID{0}, cleaner.anchors)
	require.Len(t, cleaner.slices, 2)
	require.Equal(t, 1, m.SlicesUsed())
	require.Equal(t, 1, m.EntryCount())

	m.ForgetWritingEntry(id)
}

func Test_Set_Panics_And_Leaves_Map_Reusable_When_Key_Is_Zero(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 4, 4)

	a, id, ok := m.OpenForWriting(ipc.Key{})
	require.True(t, ok)

	sid, ok := m.PrepFreeSlice()
	require.True(t, ok)
	m.LinkSlice(id, ipc.NoSlice, sid)

	require.Panics(t, func() { a.Set(ipc.Key{}, ipc.Basics{Timestamp: 1}) })
	require.True(t, a.Empty())

	m.AbortWriting(id)
	require.Equal(t, 0, m.SlicesUsed())
	require.Equal(t, 0, m.EntryCount())

	writeChain(t, m, testKey(4), []uint32{1, 1, 1, 1}, false)
	require.Equal(t, 4, m.SlicesUsed())
	require.Equal(t, 1, m.EntryCount())
}

func Test_PrepFreeSlice_Fails_When_Nothing_Can_Be_Purged(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 2, 1)

	_, id, ok := m.OpenForWriting(testKey(1))
	require.True(t, ok)

	sid, ok := m.PrepFreeSlice()
	require.True(t, ok)
	m.LinkSlice(id, ipc.NoSlice, sid)

	_, ok = m.PrepFreeSlice()
	require.False(t, ok, "the only user of the slice is locked")
}

func Test_ReturnSlice_Makes_Slice_Available_When_It_Was_Never_Linked(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 2, 1)

	sid, ok := m.PrepFreeSlice()
	require.True(t, ok)
	require.Equal(t, 1, m.SlicesUsed())

	_, ok = m.PrepFreeSlice()
	require.False(t, ok)

	m.ReturnSlice(sid)
	require.Zero(t, m.SlicesUsed())

	again, ok := m.PrepFreeSlice()
	require.True(t, ok)
	require.Equal(t, sid, again)

	m.ReturnSlice(again)
	require.Panics(t, func() { m.ReturnSlice(again) }, "double free")
}

func Test_CompareVersions_Orders_By_Timestamp(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 4, 4)

	require.Equal(t, 2, m.CompareVersions(1, 100))

	id := writeChain(t, m, testKey(1), nil, false)

	got := []int{m.CompareVersions(id, 99), m.CompareVersions(id, 100), m.CompareVersions(id, 101)}
	if diff := cmp.Diff([]int{-1, 0, 1}, got); diff != "" {
		t.Fatalf("CompareVersions mismatch (-want +got):\n%s", diff)
	}
}

func Test_OpenForWriting_Succeeds_For_At_Most_One_Caller_When_Racing(t *testing.T) {
	t.Parallel()

	_, opts := newTestMap(t, 16, 16)
	k := testKey(9)

	const workers, rounds = 6, 500

	var (
		holders    atomic.Int32
		violations atomic.Int32
		wg         sync.WaitGroup
	)

	for range workers {
		m := attachMap(t, opts)

		wg.Add(1)

		go func() {
			defer wg.Done()

			for range rounds {
				a, id, ok := m.OpenForWriting(k)
				if !ok {
					continue
				}

				if holders.Add(1) != 1 {
					violations.Add(1)
				}

				a.Set(k, ipc.Basics{})
				holders.Add(-1)
				m.CloseForWriting(id, false)
			}
		}()
	}

	wg.Wait()

	require.Zero(t, violations.Load())
}

func Test_Chain_Walk_Never_Cycles_When_Writers_Replace_Entries(t *testing.T) {
	t.Parallel()

	_, opts := newTestMap(t, 4, 64)
	k := testKey(1)

	var wg sync.WaitGroup

	writer := attachMap(t, opts)

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := range 300 {
			a, id, ok := writer.OpenForWriting(k)
			if !ok {
				continue
			}

			a.Set(k, ipc.Basics{})

			tail := ipc.NoSlice

			for range 1 + i%5 {
				sid, ok := writer.PrepFreeSlice()
				if !ok {
					break
				}

				writer.WriteableSlice(id, sid).SetSize(1)
				writer.LinkSlice(id, tail, sid)
				tail = sid
			}

			writer.CloseForWriting(id, false)
		}
	}()

	for range 3 {
		reader := attachMap(t, opts)

		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 1000 {
				_, id, ok := reader.OpenForReading(k)
				if !ok {
					continue
				}

				steps := 0

				for sid := reader.ReadableEntry(id).Start(); sid >= 0; sid = reader.ReadableSlice(id, sid).Next() {
					steps++
					if steps > reader.SliceLimit() {
						t.Error("chain walk exceeded slice limit")

						break
					}
				}

				reader.CloseForReading(id)
			}
		}()
	}

	wg.Wait()
}

func Test_ImportSlice_Marks_Slice_Used_When_Rebuilding(t *testing.T) {
	t.Parallel()

	m, _ := newTestMap(t, 4, 4)
	k := testKey(2)

	a, id, ok := m.OpenForWriting(k)
	require.True(t, ok)
	a.Set(k, ipc.Basics{})

	m.ImportSlice(3, 7, ipc.NoSlice)
	m.LinkSlice(id, ipc.NoSlice, 3)
	m.CloseForWriting(id, false)

	require.Equal(t, 1, m.SlicesUsed())

	for range 3 {
		sid, ok := m.PrepFreeSlice()
		require.True(t, ok)
		require.NotEqual(t, ipc.SliceID(3), sid)
	}
}
