package store

// PageSize is the unit of in-memory buffering and of swap-out writes.
const PageSize = 4096

type memPage struct {
	off int64
	b   []byte
}

// dataBuffer holds the object bytes [lo, end) in append-only pages. Bytes
// below lo were trimmed and are only available from disk.
type dataBuffer struct {
	pages []memPage
	lo    int64
	end   int64
}

func (d *dataBuffer) write(p []byte) {
	for len(p) > 0 {
		n := len(d.pages)
		if n == 0 || len(d.pages[n-1].b) == PageSize {
			d.pages = append(d.pages, memPage{off: d.end, b: make([]byte, 0, PageSize)})
			n++
		}

		last := &d.pages[n-1]
		k := min(PageSize-len(last.b), len(p))
		last.b = append(last.b, p[:k]...)
		d.end += int64(k)
		p = p[k:]
	}
}

// copyAt returns up to n bytes starting at off, which must be in [lo, end).
func (d *dataBuffer) copyAt(off int64, n int) []byte {
	if off < d.lo || off >= d.end {
		panic("store: buffer copy outside [inmemLo, endOffset)")
	}

	n = int(min(int64(n), d.end-off))
	out := make([]byte, 0, n)

	i := d.pageIndex(off)
	for len(out) < n {
		p := d.pages[i]
		start := int(off - p.off)
		k := min(len(p.b)-start, n-len(out))
		out = append(out, p.b[start:start+k]...)
		off += int64(k)
		i++
	}

	return out
}

func (d *dataBuffer) pageIndex(off int64) int {
	lo, hi := 0, len(d.pages)
	for lo < hi {
		mid := (lo + hi) / 2
		if d.pages[mid].off+int64(len(d.pages[mid].b)) <= off {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo
}

// trimTo forgets the bytes below lo, releasing whole pages.
func (d *dataBuffer) trimTo(lo int64) {
	if lo <= d.lo {
		return
	}

	lo = min(lo, d.end)

	drop := 0
	for drop < len(d.pages) && d.pages[drop].off+int64(len(d.pages[drop].b)) <= lo {
		drop++
	}

	d.pages = append(d.pages[:0:0], d.pages[drop:]...)
	d.lo = lo
}

func (d *dataBuffer) reset() { *d = dataBuffer{} }

func (d *dataBuffer) size() int64 { return d.end - d.lo }
