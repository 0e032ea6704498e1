package ipc

import (
	"fmt"
	"math/bits"

	"github.com/calvinalkan/smpcache/pkg/shm"
)

// The free-slice map is a bitmap in shared memory, one bit per slice, set
// while the slice is allocated. Allocation claims a bit with a CAS, so
// concurrent allocators in different processes never hand out the same slice.

func (m *StoreMap) mustHaveSlices() {
	if m.slices == nil {
		panic("ipc: slice operation on anchors-only map " + m.path)
	}
}

func (m *StoreMap) validSlice(id SliceID) bool {
	return m.slices != nil && id >= 0 && int(id) < m.slices.Capacity()
}

func (m *StoreMap) sliceAt(id SliceID) Slice {
	if !m.validSlice(id) {
		panic(fmt.Sprintf("ipc: slice %d out of range [0, %d)", id, m.SliceLimit()))
	}

	return Slice{b: m.slices.Record(int(id))}
}

// SlicesUsed returns the approximate number of allocated slices.
func (m *StoreMap) SlicesUsed() int {
	if m.free == nil {
		return 0
	}

	return int(int64(shm.LoadUint64(m.free.Counter(ctrSlicesUsed))))
}

// PrepFreeSlice allocates an unused slice and clears it. When every slice
// is taken it purges one victim entry and tries again. It returns false if
// no slice could be freed.
func (m *StoreMap) PrepFreeSlice() (SliceID, bool) {
	m.mustHaveSlices()

	id, ok := m.claimSlice()
	if !ok {
		if !m.PurgeOne() {
			return NoSlice, false
		}

		id, ok = m.claimSlice()
		if !ok {
			return NoSlice, false
		}
	}

	m.sliceAt(id).clear()

	return id, true
}

func (m *StoreMap) claimSlice() (SliceID, bool) {
	words := m.free.Capacity()
	limit := m.slices.Capacity()
	start := int(shm.LoadUint64(m.free.Counter(ctrAllocHint)) % uint64(words))

	for i := range words {
		w := (start + i) % words
		word := m.free.Record(w)

		for {
			cur := shm.LoadUint64(word)
			if cur == ^uint64(0) {
				break
			}

			bit := bits.TrailingZeros64(^cur)

			id := w*64 + bit
			if id >= limit {
				break
			}

			if shm.CompareAndSwapUint64(word, cur, cur|1<<bit) {
				shm.StoreUint64(m.free.Counter(ctrAllocHint), uint64(w))
				shm.AddUint64(m.free.Counter(ctrSlicesUsed), 1)

				return SliceID(id), true
			}
		}
	}

	return NoSlice, false
}

func (m *StoreMap) releaseSlice(id SliceID) {
	word := m.free.Record(int(id) / 64)
	mask := uint64(1) << (uint(id) % 64)

	for {
		cur := shm.LoadUint64(word)
		if cur&mask == 0 {
			panic(fmt.Sprintf("ipc: double free of slice %d", id))
		}

		if shm.CompareAndSwapUint64(word, cur, cur&^mask) {
			shm.AddUint64(m.free.Counter(ctrSlicesUsed), ^uint64(0))

			return
		}
	}
}

// ReturnSlice frees a slice obtained from [StoreMap.PrepFreeSlice] that
// was never linked into a chain.
func (m *StoreMap) ReturnSlice(id SliceID) {
	m.mustHaveSlices()
	m.sliceAt(id).clear()
	m.releaseSlice(id)
}

// ImportSlice marks slice id allocated and stores its content. It is used
// when rebuilding a map from persistent storage; the caller must own the
// anchor the slice belongs to.
func (m *StoreMap) ImportSlice(id SliceID, size uint32, next SliceID) {
	m.mustHaveSlices()

	s := m.sliceAt(id)
	word := m.free.Record(int(id) / 64)
	mask := uint64(1) << (uint(id) % 64)

	for {
		cur := shm.LoadUint64(word)
		if cur&mask != 0 {
			break
		}

		if shm.CompareAndSwapUint64(word, cur, cur|mask) {
			shm.AddUint64(m.free.Counter(ctrSlicesUsed), 1)

			break
		}
	}

	s.SetSize(size)
	shm.StoreInt32(s.b[sliceOffNext:], int32(next))
}

// WriteableSlice returns a slice of an anchor the caller writes.
func (m *StoreMap) WriteableSlice(anchor AnchorID, id SliceID) Slice {
	m.anchorAt(anchor).mustWrite("WriteableSlice")

	return m.sliceAt(id)
}

// ReadableSlice returns a slice of an anchor the caller reads.
func (m *StoreMap) ReadableSlice(anchor AnchorID, id SliceID) Slice {
	if !m.anchorAt(anchor).Reading() {
		panic(fmt.Sprintf("ipc: ReadableSlice of anchor %d without shared lock", anchor))
	}

	return m.sliceAt(id)
}

// LinkSlice appends slice id to the chain of anchor. tail is the current
// last slice, or [NoSlice] for an empty chain. The slice size must be set
// before linking: readers may follow the link immediately.
func (m *StoreMap) LinkSlice(anchor AnchorID, tail, id SliceID) {
	a := m.anchorAt(anchor)
	a.mustWrite("LinkSlice")

	if tail < 0 {
		if a.Start() >= 0 {
			panic(fmt.Sprintf("ipc: anchor %d already has chain head %d", anchor, a.Start()))
		}

		a.setStart(id)

		return
	}

	m.sliceAt(tail).SetNext(id)
}

// SliceContaining walks the chain of anchor and returns the slice holding
// byte offset, or [NoSlice] if the chain is shorter. The caller must hold
// a lock on the anchor.
func (m *StoreMap) SliceContaining(anchor AnchorID, offset uint64) SliceID {
	a := m.anchorAt(anchor)
	if !a.Reading() && !a.Writing() {
		panic(fmt.Sprintf("ipc: SliceContaining(%d) on unlocked anchor", anchor))
	}

	var seen uint64

	for sid := a.Start(); sid >= 0; {
		s := m.sliceAt(sid)
		seen += uint64(s.Size())

		if offset < seen {
			return sid
		}

		sid = s.Next()
	}

	return NoSlice
}

// ChainSize returns the sum of slice sizes of anchor. The caller must hold
// a lock on the anchor.
func (m *StoreMap) ChainSize(anchor AnchorID) uint64 {
	a := m.anchorAt(anchor)

	var total uint64

	for sid := a.Start(); sid >= 0; sid = m.sliceAt(sid).Next() {
		total += uint64(m.sliceAt(sid).Size())
	}

	return total
}
