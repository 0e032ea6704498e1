package store

// ref is a generational handle to a registry slot. Asynchronous callbacks
// capture a ref instead of a pointer and look it up when they fire; a ref
// to a removed object never resolves, even after its slot is reused.
type ref struct {
	idx uint32
	gen uint32
}

type refSlot[T any] struct {
	gen uint32
	v   *T
}

type registry[T any] struct {
	slots []refSlot[T]
	free  []uint32
}

func (r *registry[T]) add(v *T) ref {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[idx].v = v

		return ref{idx: idx, gen: r.slots[idx].gen}
	}

	r.slots = append(r.slots, refSlot[T]{v: v})

	return ref{idx: uint32(len(r.slots) - 1)} //nolint:gosec // bounded by memory
}

func (r *registry[T]) get(h ref) (*T, bool) {
	if int(h.idx) >= len(r.slots) {
		return nil, false
	}

	s := r.slots[h.idx]
	if s.gen != h.gen || s.v == nil {
		return nil, false
	}

	return s.v, true
}

func (r *registry[T]) remove(h ref) {
	if _, ok := r.get(h); !ok {
		return
	}

	r.slots[h.idx].v = nil
	r.slots[h.idx].gen++
	r.free = append(r.free, h.idx)
}

func (r *registry[T]) len() int { return len(r.slots) - len(r.free) }
