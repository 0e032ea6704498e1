package slotdir

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/smpcache/pkg/ipc"
	"github.com/calvinalkan/smpcache/pkg/store"
)

// rebuildBatch is the number of slots scanned, or objects indexed, per
// background step.
const rebuildBatch = 1024

// rebuild fills a fresh index from slot headers. Headers are scanned in
// batches off the loop; chains are validated and indexed on the loop.
type rebuild struct {
	headers []slotHeader
	owned   []bool
	heads   []ipc.SliceID
	started time.Time
}

func (d *Dir) startRebuild() {
	d.rebuilding = true
	rb := &rebuild{
		headers: make([]slotHeader, d.opts.Slots),
		owned:   make([]bool, d.opts.Slots),
		started: time.Now(),
	}

	d.log.Info("rebuilding index")
	d.scanSlots(rb, 0)
}

func (d *Dir) scanSlots(rb *rebuild, from int) {
	to := min(from+rebuildBatch, d.opts.Slots)
	fd := d.fd
	slotSize := d.opts.SlotSize

	d.loop.Go(func() error {
		buf := make([]byte, slotHeaderSize)

		for i := from; i < to; i++ {
			if err := preadFull(fd, buf, int64(i)*int64(slotSize)); err != nil {
				return err
			}

			h, err := decodeSlotHeader(buf, slotSize)
			if err != nil {
				// unusable slot
				continue
			}

			rb.headers[i] = h
		}

		return nil
	}, func(err error) {
		if d.m == nil {
			return
		}

		if err != nil {
			d.finishRebuild(rb, fmt.Errorf("scan slots %d-%d: %w", from, to, err))

			return
		}

		for i := from; i < to; i++ {
			if h := &rb.headers[i]; !h.empty() && h.entrySize > 0 {
				rb.heads = append(rb.heads, ipc.SliceID(i)) //nolint:gosec
			}
		}

		if to < d.opts.Slots {
			d.scanSlots(rb, to)

			return
		}

		d.indexChains(rb, 0)
	})
}

// chain returns the slots of the object starting at head, or an error if
// the headers do not form a complete chain of entry size bytes.
func (d *Dir) chain(rb *rebuild, head ipc.SliceID) ([]ipc.SliceID, error) {
	h := rb.headers[head]

	var (
		slots []ipc.SliceID
		total uint64
	)

	for sid := head; sid >= 0; sid = rb.headers[sid].next {
		if int(sid) >= len(rb.headers) || len(slots) >= len(rb.headers) {
			return nil, fmt.Errorf("chain of slot %d: bad link %d: %w", head, sid, ErrCorruptSlot)
		}

		s := &rb.headers[sid]
		if s.key != h.key || rb.owned[sid] {
			return nil, fmt.Errorf("chain of slot %d: foreign slot %d: %w", head, sid, ErrCorruptSlot)
		}

		slots = append(slots, sid)
		total += uint64(s.payload)
	}

	if total != h.entrySize {
		return nil, fmt.Errorf("chain of slot %d: %d of %d bytes: %w", head, total, h.entrySize, ErrCorruptSlot)
	}

	return slots, nil
}

func (d *Dir) indexChains(rb *rebuild, from int) {
	to := min(from+rebuildBatch, len(rb.heads))
	heads := rb.heads[from:to]
	fd := d.fd
	metas := make([][]byte, len(heads))
	payload := d.payloadSize()

	for i, head := range heads {
		metas[i] = make([]byte, min(int(rb.headers[head].payload), payload))
	}

	d.loop.Go(func() error {
		for i, head := range heads {
			if err := preadFull(fd, metas[i], d.slotOffset(head)+slotHeaderSize); err != nil {
				return err
			}
		}

		return nil
	}, func(err error) {
		if d.m == nil {
			return
		}

		if err != nil {
			d.finishRebuild(rb, fmt.Errorf("read metadata: %w", err))

			return
		}

		for i, head := range heads {
			if err := d.indexChain(rb, head, metas[i]); err != nil {
				d.stats.RebuildErrors++
				d.log.WithError(err).Debug("rebuild skipped chain")
			}
		}

		if to < len(rb.heads) {
			d.indexChains(rb, to)

			return
		}

		d.finishRebuild(rb, nil)
	})
}

func (d *Dir) indexChain(rb *rebuild, head ipc.SliceID, metaBuf []byte) error {
	h := rb.headers[head]

	slots, err := d.chain(rb, head)
	if err != nil {
		return err
	}

	meta, _, err := store.DecodeSwapMeta(metaBuf)
	if err != nil {
		return fmt.Errorf("slot %d: %w", head, err)
	}

	if meta.Key != h.key {
		return fmt.Errorf("slot %d: metadata key %s: %w", head, meta.Key, store.ErrCorruptMeta)
	}

	id := d.m.AnchorIndexByKey(h.key)

	a, ok := d.m.OpenForWritingAt(id, false)
	if !ok {
		return fmt.Errorf("slot %d: anchor %d taken: %w", head, id, ErrBusy)
	}

	a.Set(h.key, ipc.Basics{
		Timestamp:    meta.Timestamp,
		LastRef:      meta.LastRef,
		Expires:      meta.Expires,
		LastMod:      meta.LastMod,
		SwapFileSize: h.entrySize,
		RefCount:     meta.RefCount,
		Flags:        uint32(meta.Flags),
	})

	for i, sid := range slots {
		next := ipc.NoSlice
		if i+1 < len(slots) {
			next = slots[i+1]
		}

		d.m.ImportSlice(sid, rb.headers[sid].payload, next)
		rb.owned[sid] = true
	}

	d.m.LinkSlice(id, ipc.NoSlice, head)
	d.m.CloseForWriting(id, false)
	d.stats.Rebuilt++

	return nil
}

func (d *Dir) finishRebuild(rb *rebuild, err error) {
	d.rebuilding = false

	log := d.log.WithFields(logrus.Fields{
		"objects": d.stats.Rebuilt,
		"skipped": d.stats.RebuildErrors,
		"took":    time.Since(rb.started).Round(time.Millisecond),
	})

	if err != nil {
		log.WithError(err).Error("rebuild stopped")

		return
	}

	log.Info("rebuild done")
}
