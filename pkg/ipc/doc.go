// Package ipc implements the cross-process coordination primitives of the
// cache: a non-blocking shared/exclusive lock, a hash-addressed map of
// anchors with append-only slice chains, and fixed-capacity notification
// queues between workers.
//
// Everything here lives in [shm] segments and is safe for concurrent use by
// unrelated processes. Nothing blocks: a lock attempt that fails returns
// false and the caller decides when to retry.
//
// # Map
//
// A [StoreMap] hashes a [Key] to exactly one anchor. Writers open an anchor
// exclusively, link slices to its chain and close it, optionally keeping a
// shared lock:
//
//	a, id, ok := m.OpenForWriting(key)
//	if !ok {
//	    return // busy, retry later
//	}
//	a.Set(key, basics)
//	sid, _ := m.PrepFreeSlice()
//	m.WriteableSlice(id, sid).SetSize(n)
//	m.LinkSlice(id, ipc.NoSlice, sid)
//	m.CloseForWriting(id, false)
//
// Readers walk the chain of an anchor they hold shared. Slices linked before
// the reader locked the anchor never change until the anchor is freed, and
// an anchor is only freed once it has no readers.
//
// # Queues
//
// A [MultiQueue] connects a fixed number of workers with one single-producer
// single-consumer ring per ordered worker pair. Push never blocks: on
// overflow the item is dropped and the reader's overflow flag is raised.
package ipc
