// Package store implements the per-worker object cache: entries and their
// state machine, in-memory content, streaming readers, swap-out to a
// [Disk], and collapsed forwarding between workers that share one cache.
//
// Every worker runs its own [Store] on its own event loop. Workers agree
// through shared tables only: the disk index, the [Transients] table of
// entries being fetched, and the notification queues. Nothing in this
// package blocks; work that cannot finish now resumes from a loop callback.
//
// A producer creates an entry with [Store.CreateEntry], sets the reply, writes
// body bytes and completes or aborts it:
//
//	e := s.CreateEntry(url, store.MethodGet, store.ReqCachable)
//	e.ReplaceReply(reply)
//	e.Write(body)
//	e.Complete()
//	e.Unlock("producer")
//
// Readers attach a [Client] and pull the object piece by piece:
//
//	c := s.NewClient(e)
//	c.Copy(store.CopyRequest{Offset: 0, Length: 4096}, func(r store.Result) { ... })
package store
