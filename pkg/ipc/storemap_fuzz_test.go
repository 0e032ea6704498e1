package ipc_test

import (
	"testing"

	"github.com/calvinalkan/smpcache/internal/testutil"
	"github.com/calvinalkan/smpcache/pkg/ipc"
)

const (
	fuzzEntries  = 8
	fuzzMaxChain = 3
	fuzzKeys     = 2 * fuzzEntries
)

// modelAnchor is what one anchor should hold after a sequence of
// single-threaded operations.
type modelAnchor struct {
	key     uint64 // 0 when empty
	slices  int
	readers int
	waiting bool
}

// FuzzStoreMap_Matches_Model drives a map through writes, reads, frees and
// reader closes and checks it against a plain model after every step.
// Keys 1..16 hash to anchor key%8, so every anchor sees collisions. There
// are enough slices for every anchor to hold its longest chain, so no
// victim is ever purged and the model stays exact.
func FuzzStoreMap_Matches_Model(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0, 0, 3, 2, 1, 0, 3, 0, 0, 2, 0, 2, 0, 3, 0, 0})
	f.Add([]byte{0, 0, 5, 1, 1, 0, 5, 2, 0, 0, 13, 2, 0, 0, 3, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		m, _ := newTestMap(t, fuzzEntries, fuzzEntries*fuzzMaxChain)
		s := testutil.NewByteStream(data)

		var (
			model   [fuzzEntries]modelAnchor
			readers []ipc.AnchorID
		)

		for step := 0; s.HasMore() && step < 200; step++ {
			n := uint64(1 + s.NextInt(fuzzKeys))
			k := testKey(n)
			slot := &model[n%fuzzEntries]

			switch s.NextPick(4, 4, 2, 3) {
			case 0: // write
				chain := s.NextInt(fuzzMaxChain + 1)
				wantOK := slot.readers == 0

				a, id, ok := m.OpenForWriting(k)
				if ok != wantOK {
					t.Fatalf("step %d: OpenForWriting(%d) ok=%v, want %v (%+v)", step, n, ok, wantOK, *slot)
				}

				if !ok {
					continue
				}

				a.Set(k, ipc.Basics{Timestamp: int64(step)})

				tail := ipc.NoSlice

				for i := range chain {
					sid, ok := m.PrepFreeSlice()
					if !ok {
						t.Fatalf("step %d: PrepFreeSlice failed with %d used", step, m.SlicesUsed())
					}

					m.WriteableSlice(id, sid).SetSize(uint32(i + 1))
					m.LinkSlice(id, tail, sid)
					tail = sid
				}

				m.CloseForWriting(id, false)

				*slot = modelAnchor{key: n, slices: chain}
			case 1: // read
				wantOK := slot.key == n && !slot.waiting

				a, id, ok := m.OpenForReading(k)
				if ok != wantOK {
					t.Fatalf("step %d: OpenForReading(%d) ok=%v, want %v (%+v)", step, n, ok, wantOK, *slot)
				}

				if !ok {
					continue
				}

				if got, want := m.ChainSize(id), uint64(slot.slices*(slot.slices+1)/2); got != want {
					t.Fatalf("step %d: ChainSize(%d)=%d, want %d", step, n, got, want)
				}

				if !a.SameKey(k) {
					t.Fatalf("step %d: reader of %d sees key %s", step, n, a.Key())
				}

				slot.readers++
				readers = append(readers, id)
			case 2: // free
				m.FreeEntryByKey(k)

				if slot.key != n {
					continue
				}

				if slot.readers == 0 {
					*slot = modelAnchor{}
				} else {
					slot.waiting = true
				}
			case 3: // close a reader
				if len(readers) == 0 {
					continue
				}

				i := s.NextInt(len(readers))
				id := readers[i]
				readers = append(readers[:i], readers[i+1:]...)

				m.CloseForReading(id)

				r := &model[id]
				r.readers--

				if r.readers == 0 && r.waiting {
					*r = modelAnchor{}
				}
			}

			checkModel(t, step, m, model[:])
		}

		for _, id := range readers {
			m.CloseForReading(id)
		}
	})
}

func checkModel(t *testing.T, step int, m *ipc.StoreMap, model []modelAnchor) {
	t.Helper()

	entries, slices := 0, 0

	for _, a := range model {
		if a.key != 0 {
			entries++
			slices += a.slices
		}
	}

	if got := m.EntryCount(); got != entries {
		t.Fatalf("step %d: EntryCount=%d, want %d", step, got, entries)
	}

	if got := m.SlicesUsed(); got != slices {
		t.Fatalf("step %d: SlicesUsed=%d, want %d", step, got, slices)
	}

	for i, want := range model {
		a := m.PeekAtEntry(ipc.AnchorID(i))

		if got := a.Empty(); got != (want.key == 0) {
			t.Fatalf("step %d: anchor %d Empty=%v, model %+v", step, i, got, want)
		}

		if got := a.WaitingToBeFreed(); got != want.waiting {
			t.Fatalf("step %d: anchor %d WaitingToBeFreed=%v, model %+v", step, i, got, want)
		}

		if want.key != 0 && !a.SameKey(testKey(want.key)) {
			t.Fatalf("step %d: anchor %d holds %s, want key %d", step, i, a.Key(), want.key)
		}
	}
}
