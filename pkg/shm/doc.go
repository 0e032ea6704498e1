// Package shm provides memory-mapped segments shared between processes.
//
// A [Segment] is a fixed-capacity array of fixed-size records preceded by a
// 256-byte header. The capacity and record size are established when the
// segment is created and stored in the header, so every process that attaches
// later agrees on the layout:
//
//	seg, err := shm.Create(shm.Options{
//	    Path:       "/dev/shm/cache.anchors",
//	    Kind:       kindAnchors,
//	    RecordSize: 96,
//	    Capacity:   65536,
//	})
//
//	// in another process
//	seg, err := shm.Attach(shm.Options{Path: "/dev/shm/cache.anchors", Kind: kindAnchors})
//
// # Header
//
// The header holds the layout, a caller-defined kind tag, a random instance
// id and a CRC32-C over the immutable fields, followed by [CounterCount]
// caller-owned 64-bit counters.
//
// # Concurrency
//
// Records are plain bytes. Concurrent readers and writers in different
// processes must coordinate through the atomic accessors in this package
// (LoadUint32, CompareAndSwapUint32, ...). Bounds are always checked:
// [Segment.Record] panics on an out-of-range index.
package shm
