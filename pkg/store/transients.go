package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/smpcache/pkg/ipc"
	"github.com/calvinalkan/smpcache/pkg/shm"
)

const (
	kindTransientExtras = 0x58545241 // "XTRA"

	// maxTransientURL bounds URLs of entries other workers can collapse on.
	maxTransientURL = 1024

	extraOffURLLen = 0x00
	extraOffMethod = 0x04
	extraOffFlags  = 0x08
	extraOffURL    = 0x0c
	extraSize      = extraOffURL + maxTransientURL
)

// TransientsOptions configures a [Transients] table.
type TransientsOptions struct {
	// Path is the segment path prefix.
	Path string

	// Entries is the number of in-transit entries the table can hold.
	Entries int

	// Logger receives debug output. Nil discards it.
	Logger logrus.FieldLogger
}

// Transients is the shared table of entries being fetched right now.
// A worker that starts fetching a public entry publishes it here so other
// workers can collapse their requests onto it and follow the disk copy as
// it grows.
//
// Each worker attaches its own Transients; the per-worker half maps table
// slots to local entries.
type Transients struct {
	m      *ipc.StoreMap
	extras *shm.Segment
	locals []*Entry
	log    logrus.FieldLogger
}

type transientExtras struct {
	url    string
	method Method
	flags  RequestFlags
}

// CreateTransients creates the shared segments.
func CreateTransients(opts TransientsOptions) (*Transients, error) {
	return openTransients(opts, ipc.CreateMap, shm.Create)
}

// AttachTransients attaches to segments made by [CreateTransients].
func AttachTransients(opts TransientsOptions) (*Transients, error) {
	return openTransients(opts, ipc.AttachMap, shm.Attach)
}

// RemoveTransients deletes the shared segments.
func RemoveTransients(path string) error {
	return errors.Join(ipc.RemoveMap(path), shm.Remove(path+".extras"))
}

func openTransients(opts TransientsOptions,
	openMap func(ipc.MapOptions) (*ipc.StoreMap, error),
	openSeg func(shm.Options) (*shm.Segment, error),
) (*Transients, error) {
	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}

	m, err := openMap(ipc.MapOptions{Path: opts.Path, Entries: opts.Entries, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("transients map: %w", err)
	}

	extras, err := openSeg(shm.Options{
		Path:       opts.Path + ".extras",
		Kind:       kindTransientExtras,
		RecordSize: extraSize,
		Capacity:   m.EntryLimit(),
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("transients extras: %w", err), m.Close())
	}

	return &Transients{
		m:      m,
		extras: extras,
		locals: make([]*Entry, m.EntryLimit()),
		log:    log,
	}, nil
}

// Close detaches from the segments.
func (t *Transients) Close() error {
	return errors.Join(t.m.Close(), t.extras.Close())
}

// Map returns the shared table.
func (t *Transients) Map() *ipc.StoreMap { return t.m }

func (t *Transients) setExtras(id ipc.AnchorID, x transientExtras) {
	b := t.extras.Record(int(id))
	le := binary.LittleEndian

	le.PutUint32(b[extraOffURLLen:], uint32(len(x.url))) //nolint:gosec // bounded by maxTransientURL
	le.PutUint32(b[extraOffMethod:], uint32(x.method))
	le.PutUint32(b[extraOffFlags:], uint32(x.flags))
	copy(b[extraOffURL:], x.url)
}

func (t *Transients) getExtras(id ipc.AnchorID) (transientExtras, bool) {
	b := t.extras.Record(int(id))
	le := binary.LittleEndian

	n := int(le.Uint32(b[extraOffURLLen:]))
	if n > maxTransientURL {
		return transientExtras{}, false
	}

	return transientExtras{
		url:    string(b[extraOffURL : extraOffURL+n]),
		method: Method(le.Uint32(b[extraOffMethod:])), //nolint:gosec
		flags:  RequestFlags(le.Uint32(b[extraOffFlags:])),
	}, true
}

// StartWriting publishes e, which this worker is about to fetch. It
// returns false if e cannot be shared; the fetch then proceeds without
// collapsed readers.
func (t *Transients) StartWriting(e *Entry, flags RequestFlags) bool {
	m := e.mem

	if m == nil || m.xit.index >= 0 || len(m.url) > maxTransientURL {
		return false
	}

	a, id, ok := t.m.OpenForWriting(e.key)
	if !ok {
		t.log.WithField("key", e.key.String()).Debug("transients: busy")

		return false
	}

	t.setExtras(id, transientExtras{url: m.url, method: m.method, flags: flags})
	a.Set(e.key, e.Basics())
	t.m.StartAppending(id)

	m.xit.index = id
	m.xit.io = ioWriting
	t.locals[id] = e

	return true
}

// openForReading finds a published entry other workers fetch.
func (t *Transients) openForReading(k Key) (ipc.AnchorID, ipc.Basics, transientExtras, bool) {
	a, id, ok := t.m.OpenForReading(k)
	if !ok {
		return -1, ipc.Basics{}, transientExtras{}, false
	}

	x, ok := t.getExtras(id)
	if !ok {
		t.m.CloseForReading(id)

		return -1, ipc.Basics{}, transientExtras{}, false
	}

	return id, a.Basics(), x, true
}

// FindCollapsed returns the local entry following slot id, if any.
func (t *Transients) FindCollapsed(id ipc.AnchorID) *Entry {
	if id < 0 || int(id) >= len(t.locals) {
		return nil
	}

	e := t.locals[id]
	if e == nil || e.mem == nil || !e.mem.smpCollapsed || e.mem.xit.io != ioReading {
		return nil
	}

	return e
}

// CompleteWriting ends publishing. No new readers can join; readers
// already attached keep their slot until they disconnect.
func (t *Transients) CompleteWriting(e *Entry) {
	m := e.mem
	if m == nil || m.xit.index < 0 || m.xit.io != ioWriting {
		return
	}

	id := m.xit.index

	t.m.AbortWriting(id)

	if t.locals[id] == e {
		t.locals[id] = nil
	}

	m.xit.index = -1
	m.xit.io = ioDone
}

// Abandon marks the entry so collapsed readers stop waiting for it.
func (t *Transients) Abandon(e *Entry) {
	m := e.mem
	if m == nil || m.xit.index < 0 {
		return
	}

	t.m.FreeEntry(m.xit.index)
}

// Abandoned reports whether the writer gave up on the entry.
func (t *Transients) Abandoned(e *Entry) bool {
	m := e.mem
	if m == nil || m.xit.index < 0 {
		return false
	}

	return t.m.PeekAtEntry(m.xit.index).WaitingToBeFreed()
}

// Readers returns the number of workers collapsed on an entry this worker
// writes.
func (t *Transients) Readers(e *Entry) int {
	m := e.mem
	if m == nil || m.xit.index < 0 || m.xit.io != ioWriting {
		return 0
	}

	return int(t.m.PeekAtEntry(m.xit.index).Lock().Readers())
}

// MarkForUnlink abandons an entry this worker still writes. It reports
// whether readers need to be told.
func (t *Transients) MarkForUnlink(e *Entry) bool {
	if m := e.mem; m != nil && m.xit.index >= 0 && m.xit.io == ioWriting {
		t.Abandon(e)

		return true
	}

	return false
}

// Disconnect drops the entry's slot.
func (t *Transients) Disconnect(e *Entry) {
	m := e.mem
	if m == nil || m.xit.index < 0 {
		return
	}

	id := m.xit.index

	switch m.xit.io {
	case ioWriting:
		t.m.AbortWriting(id)
	case ioReading:
		t.m.CloseForReading(id)
	}

	if t.locals[id] == e {
		t.locals[id] = nil
	}

	m.xit.index = -1
	m.xit.io = ioDone
}
