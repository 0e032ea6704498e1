// Package slotdir is a disk cache directory shared by cooperating worker
// processes.
//
// Objects are stored in one file split into fixed-size slots. Every slot
// carries a small header naming its object key and the next slot of the
// chain, so the index can be rebuilt from the file alone after a restart.
// The live index is an [ipc.StoreMap] in shared memory whose slices are the
// slots: a worker that writes an object links each slot once it is on disk,
// and workers collapsed on that object follow the chain as it grows.
//
// A [Dir] implements [store.Disk]:
//
//	loop := evloop.New()
//	d, err := slotdir.Open(slotdir.Options{
//		Path:  "/var/cache/smp/db",
//		Slots: 4096,
//		Loop:  loop,
//	})
//	if err != nil {
//		return err
//	}
//	defer d.Close()
//
//	s, err := store.New(store.Options{Loop: loop, Disk: d, MaxObjectSize: 1 << 20})
//
// Other workers open the same path with [ModeAttach]. [ModeRebuild] keeps
// the file and re-indexes it in the background; nothing new is stored until
// that finishes.
package slotdir
