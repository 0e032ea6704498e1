package store

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/smpcache/pkg/ipc"
)

// Entry is this worker's handle to one cached object. Entries for the same
// key in different workers are independent and agree only through the
// shared tables.
//
// An Entry must only be used from its store's event loop.
type Entry struct {
	store *Store
	ref   ref

	key    Key
	hasKey bool

	timestamp    int64
	lastRef      int64
	expires      int64
	lastMod      int64
	swapFileSize uint64
	refCount     uint32
	flags        Flags

	swapDirn  int
	swapFilen ipc.AnchorID

	memStatus   MemStatus
	storeStatus StoreStatus
	swapStatus  SwapStatus
	pingStatus  PingStatus

	lockCount int
	mem       *MemObject
	destroyed bool
}

func (s *Store) newEntry() *Entry {
	e := &Entry{
		store:     s,
		timestamp: -1,
		expires:   -1,
		lastMod:   -1,
		swapDirn:  -1,
		swapFilen: -1,
		lastRef:   s.now(),
	}
	e.ref = s.entries.add(e)

	return e
}

// Key returns the current key. Entries get a new private key when released.
func (e *Entry) Key() Key { return e.key }

// Flags returns the flag bits.
func (e *Entry) Flags() Flags { return e.flags }

// HasFlag reports whether all bits of f are set.
func (e *Entry) HasFlag(f Flags) bool { return e.flags&f == f }

// StoreStatus returns whether the producer still adds bytes.
func (e *Entry) StoreStatus() StoreStatus { return e.storeStatus }

// SwapStatus returns the state of the disk copy.
func (e *Entry) SwapStatus() SwapStatus { return e.swapStatus }

// MemStatus returns whether the entry is memory-cached.
func (e *Entry) MemStatus() MemStatus { return e.memStatus }

// PingStatus returns the peer query state.
func (e *Entry) PingStatus() PingStatus { return e.pingStatus }

// SetPingStatus records the peer query state.
func (e *Entry) SetPingStatus(s PingStatus) { e.pingStatus = s }

// LockCount returns the number of holders.
func (e *Entry) LockCount() int { return e.lockCount }

// SwapFilen returns the disk location, or -1.
func (e *Entry) SwapFilen() ipc.AnchorID { return e.swapFilen }

// SwapDirn returns the disk number, or -1.
func (e *Entry) SwapDirn() int { return e.swapDirn }

// SwapFileSize returns the size of the disk copy including metadata.
func (e *Entry) SwapFileSize() uint64 { return e.swapFileSize }

// Timestamp returns the time the reply was generated.
func (e *Entry) Timestamp() int64 { return e.timestamp }

// LastRef returns the time of the last lock.
func (e *Entry) LastRef() int64 { return e.lastRef }

// Expires returns the expiry time, or -1.
func (e *Entry) Expires() int64 { return e.expires }

// LastModified returns the reply's last modification time, or -1.
func (e *Entry) LastModified() int64 { return e.lastMod }

// RefCount returns how often the entry was locked.
func (e *Entry) RefCount() uint32 { return e.refCount }

// MemObject returns the in-process content, or nil.
func (e *Entry) MemObject() *MemObject { return e.mem }

// Destroyed reports whether the entry left the store.
func (e *Entry) Destroyed() bool { return e.destroyed }

// URL returns the object URL if known.
func (e *Entry) URL() string {
	if e.mem == nil {
		return "[null_mem_obj]"
	}

	return e.mem.url
}

func (e *Entry) String() string {
	return fmt.Sprintf("e:%s/%s/%s/%s/%s/%d*%d", e.key, e.storeStatus, e.swapStatus, e.memStatus, e.flags, e.swapFilen, e.lockCount)
}

func (e *Entry) log() logrus.FieldLogger {
	return e.store.log.WithFields(logrus.Fields{"key": e.key.String(), "filen": e.swapFilen})
}

// Basics returns the metadata shared through the disk index.
func (e *Entry) Basics() ipc.Basics {
	return ipc.Basics{
		Timestamp:    e.timestamp,
		LastRef:      e.lastRef,
		Expires:      e.expires,
		LastMod:      e.lastMod,
		SwapFileSize: e.swapFileSize,
		RefCount:     e.refCount,
		Flags:        uint32(e.flags),
	}
}

func (e *Entry) setBasics(b ipc.Basics) {
	e.timestamp = b.Timestamp
	e.lastRef = b.LastRef
	e.expires = b.Expires
	e.lastMod = b.LastMod
	e.swapFileSize = b.SwapFileSize
	e.refCount = b.RefCount
	e.flags = Flags(b.Flags) &^ (FlagKeyPrivate | FlagReleaseRequest | FlagAborted | FlagDelaySending | FlagFwdHdrWait)
}

func (e *Entry) ensureMemObject(url string, method Method) *MemObject {
	if e.mem == nil {
		e.mem = newMemObject(url, method)
	}

	return e.mem
}

// Lock adds a holder. Locked entries are never destroyed.
func (e *Entry) Lock(context string) {
	e.lockCount++
	e.refCount++
	e.lastRef = e.store.now()
	e.log().WithField("context", context).Debugf("lock -> %d", e.lockCount)
}

// Unlock drops a holder and returns the remaining count. The last unlock
// releases entries marked for release, keeps small complete objects in
// memory and drops the memory copy of the rest.
func (e *Entry) Unlock(context string) int {
	if e.lockCount <= 0 {
		panic("store: Unlock of unlocked " + e.String())
	}

	e.lockCount--
	e.log().WithField("context", context).Debugf("unlock -> %d", e.lockCount)

	if e.lockCount > 0 {
		return e.lockCount
	}

	if e.storeStatus == StorePending {
		e.setReleaseFlag()
	}

	switch {
	case e.HasFlag(FlagReleaseRequest):
		e.Release()
	case e.keepInMemory():
		e.setMemStatus(InMemory)
	default:
		e.purgeMem()
	}

	return 0
}

// Locked reports whether the entry must not be destroyed now.
func (e *Entry) Locked() bool {
	switch {
	case e.lockCount > 0:
		return true
	case e.swapStatus == SwapWriting:
		return true
	case e.storeStatus == StorePending:
		return true
	case e.HasFlag(FlagSpecial) && !e.HasFlag(FlagKeyPrivate):
		return true
	}

	return false
}

// ReplaceReply sets the reply and stores its header block as the first
// object bytes. It must precede every Write.
func (e *Entry) ReplaceReply(r *Reply) {
	e.mustBePending("ReplaceReply")

	if e.mem.EndOffset() != 0 {
		panic("store: ReplaceReply after body bytes of " + e.String())
	}

	e.mem.reply = r.clone()
	e.timestampsSet()
	e.mem.write(r.Header)
	e.invokeHandlers()
}

// UpdateReply records a newer reply (a revalidation result) without
// touching the stored object bytes.
func (e *Entry) UpdateReply(r *Reply) {
	if e.mem == nil || e.mem.reply == nil {
		panic("store: UpdateReply without base reply on " + e.String())
	}

	e.mem.updated = r.clone()
	e.timestampsSet()
}

func (e *Entry) timestampsSet() {
	r := e.mem.Reply()
	if r.Date > 0 {
		e.timestamp = r.Date
	} else {
		e.timestamp = e.store.now()
	}

	e.expires = r.Expires
	e.lastMod = r.LastModified
}

// Write appends body bytes. Clients waiting for them are answered unless
// sending is delayed.
func (e *Entry) Write(buf []byte) {
	e.mustBePending("Write")

	if e.mem.reply == nil {
		panic("store: Write before ReplaceReply on " + e.String())
	}

	if len(buf) == 0 {
		return
	}

	e.mem.write(buf)
	e.invokeHandlers()
	e.swapOut()
}

// Buffer delays client notification until Flush.
func (e *Entry) Buffer() { e.flags |= FlagDelaySending }

// Flush resumes client notification and answers waiting clients.
func (e *Entry) Flush() {
	if e.HasFlag(FlagDelaySending) {
		e.flags &^= FlagDelaySending
		e.invokeHandlers()
	}
}

// SetFwdHdrWait holds clients back until the forwarding layer accepted
// the reply headers.
func (e *Entry) SetFwdHdrWait(wait bool) {
	if wait {
		e.flags |= FlagFwdHdrWait

		return
	}

	e.flags &^= FlagFwdHdrWait
	e.invokeHandlers()
}

// Complete marks the object finished. The size is frozen; a size that
// contradicts the reply's content length marks the entry bad and schedules
// its release. Completing an aborted entry is a no-op.
func (e *Entry) Complete() {
	if e.storeStatus != StorePending {
		if e.HasFlag(FlagAborted) {
			return
		}

		panic("store: Complete of " + e.String())
	}

	e.mem.objectSize = e.mem.EndOffset()
	e.storeStatus = StoreOk

	if !e.validLength() {
		e.flags |= FlagBadLength
		e.ReleaseRequest()
	}

	e.invokeHandlers()
	e.swapOut()

	// A running swap-out finishes publishing when its file is closed.
	if e.swapStatus != SwapWriting {
		e.store.transientsCompleteWriting(e)
	}
}

// Abort stops a pending entry: it becomes complete, aborted and marked for
// release. The producer's abort callback is scheduled, waiting clients get
// an error and a running swap-out is discarded. Aborting twice panics.
func (e *Entry) Abort() {
	if e.storeStatus != StorePending || e.mem == nil {
		panic("store: Abort of " + e.String())
	}

	e.Lock("Abort")
	e.ReleaseRequest()
	e.flags |= FlagAborted
	e.setMemStatus(NotInMemory)
	e.storeStatus = StoreOk
	e.mem.objectSize = e.mem.EndOffset()

	if fn := e.mem.abortFn; fn != nil {
		e.mem.abortFn = nil
		e.store.loop.Post(fn)
	}

	e.invokeHandlers()
	e.swapOutFileClose(CloseWriterGone)
	e.Unlock("Abort")
}

// RegisterAbort installs the producer callback run when the entry is
// aborted. Only one callback may be registered.
func (e *Entry) RegisterAbort(fn func()) {
	if e.mem == nil || e.mem.abortFn != nil {
		panic("store: RegisterAbort on " + e.String())
	}

	e.mem.abortFn = fn
}

// UnregisterAbort removes the abort callback.
func (e *Entry) UnregisterAbort() {
	if e.mem != nil {
		e.mem.abortFn = nil
	}
}

// ReleaseRequest marks the entry for release when it is unlocked. It stops
// being cachable and gets a private key so new requests miss it.
func (e *Entry) ReleaseRequest() {
	if e.HasFlag(FlagReleaseRequest) {
		return
	}

	e.setReleaseFlag()
	e.flags &^= FlagCachable
	e.SetPrivateKey()
}

func (e *Entry) setReleaseFlag() {
	if e.HasFlag(FlagReleaseRequest) {
		return
	}

	e.flags |= FlagReleaseRequest
	e.store.markForUnlink(e)
}

// ExpireNow makes the entry stale.
func (e *Entry) ExpireNow() { e.expires = e.store.now() }

// NegativeCache caches an error reply for the negative TTL.
func (e *Entry) NegativeCache() {
	e.expires = e.store.now() + int64(e.store.opts.NegativeTTL.Seconds())
	e.flags |= FlagNegCached
}

// SetPrivateKey gives the entry a key nobody else can look up.
func (e *Entry) SetPrivateKey() {
	if e.hasKey && e.HasFlag(FlagKeyPrivate) {
		return
	}

	if e.hasKey {
		e.setReleaseFlag()
		e.store.hashDelete(e)
	}

	e.store.keyCounter++
	e.store.hashInsert(e, privateKey(e.store.opts.WorkerID, e.store.keyCounter))
	e.flags |= FlagKeyPrivate
}

// SetPublicKey makes the entry findable by method and URL, evicting a
// stale entry with the same key.
func (e *Entry) SetPublicKey() {
	if e.hasKey && !e.HasFlag(FlagKeyPrivate) {
		return
	}

	if e.mem == nil {
		panic("store: SetPublicKey without MemObject on " + e.String())
	}

	k := PublicKey(e.mem.method, e.mem.url)

	if old, ok := e.store.table[k]; ok && old != e {
		old.log().Debug("replaced by newer entry")
		old.SetPrivateKey()
		old.Release()
	}

	if e.hasKey {
		e.store.hashDelete(e)
	}

	e.store.hashInsert(e, k)
	e.flags &^= FlagKeyPrivate
}

// Release removes the entry from the store and the disk, or marks it for
// release if it is locked. While disks rebuild, entries with a disk
// location are queued and released afterwards.
func (e *Entry) Release() {
	s := e.store

	if e.destroyed {
		return
	}

	if e.Locked() {
		e.ExpireNow()
		e.ReleaseRequest()

		return
	}

	if s.rebuilding() && e.swapFilen >= 0 {
		e.SetPrivateKey()

		if e.mem != nil {
			e.destroyMemObject()
		}

		e.Lock("late release")
		e.setReleaseFlag()
		s.lateRelease = append(s.lateRelease, e)
		s.metrics.LateReleases.Inc()
		s.scheduleLateRelease()

		return
	}

	s.metrics.Releases.Inc()
	e.log().Debug("release")

	// Collapsed readers only follow another worker's disk copy.
	if e.swapFilen >= 0 && e.swapStatus != SwapNone {
		e.unlink()
	}

	e.setMemStatus(NotInMemory)
	e.destroy()
}

// Reset drops the buffered object so the producer can start over.
func (e *Entry) Reset() {
	if e.mem == nil {
		return
	}

	e.mem.reset()
	e.expires = -1
	e.lastMod = -1
	e.timestamp = -1
}

func (e *Entry) unlink() {
	if d := e.store.disk; d != nil {
		d.Unlink(e)
	}

	e.swapFilen = -1
	e.swapDirn = -1
	e.swapStatus = SwapNone
}

func (e *Entry) mustBePending(op string) {
	if e.storeStatus != StorePending || e.mem == nil {
		panic("store: " + op + " on " + e.String())
	}
}

// objectLen returns the final object size.
func (e *Entry) objectLen() int64 { return e.mem.objectSize }

// contentLen returns the body size of a complete object.
func (e *Entry) contentLen() int64 { return e.objectLen() - e.mem.hdrSize() }

func (e *Entry) validLength() bool {
	r := e.mem.reply
	if r == nil || r.ContentLength < 0 {
		return true
	}

	switch {
	case e.mem.hdrSize() == 0:
		return true
	case e.mem.method == MethodHead:
		return true
	case r.Status == 304 || r.Status == 204:
		return true
	}

	return r.ContentLength+e.mem.hdrSize() == e.objectLen()
}

// checkCachable decides whether the object may go to disk. Rejections
// mark the entry for release, except for negatively cached replies.
func (e *Entry) checkCachable() bool {
	s := e.store

	reject := func(reason string) bool {
		s.metrics.CheckCachable.WithLabelValues("no." + reason).Inc()
		e.ReleaseRequest()

		return false
	}

	switch {
	case e.storeStatus == StoreOk && e.HasFlag(FlagBadLength):
		return reject("wrong_content_length")
	case !e.HasFlag(FlagCachable):
		return reject("not_entry_cachable")
	case e.HasFlag(FlagNegCached):
		s.metrics.CheckCachable.WithLabelValues("no.negative_cached").Inc()

		return false
	case e.tooBig():
		return reject("too_big")
	case e.storeStatus == StoreOk && e.contentLen() < s.opts.MinObjectSize:
		return reject("too_small")
	case e.HasFlag(FlagKeyPrivate):
		return reject("private_key")
	case e.swapStatus != SwapNone:
		return true
	}

	s.metrics.CheckCachable.WithLabelValues("yes.default").Inc()

	return true
}

// tooBig reports whether the announced or received size exceeds the
// object size limit.
func (e *Entry) tooBig() bool {
	limit := e.store.opts.MaxObjectSize

	if r := e.mem.reply; r != nil && r.ContentLength > limit {
		return true
	}

	return e.mem.EndOffset() > limit
}

func (e *Entry) keepInMemory() bool {
	m := e.mem

	return m != nil &&
		!e.HasFlag(FlagAborted) &&
		e.storeStatus == StoreOk &&
		m.InmemLo() == 0 &&
		m.EndOffset() > 0 &&
		m.EndOffset() <= e.store.opts.MaxInMemObjSize
}

func (e *Entry) setMemStatus(st MemStatus) {
	if e.memStatus == st {
		return
	}

	if st == InMemory {
		e.store.memInUse += e.mem.Size()
		e.memStatus = InMemory
		e.store.trimMemoryCache()

		return
	}

	if e.mem != nil {
		e.store.memInUse -= e.mem.Size()
	}

	e.memStatus = NotInMemory
}

// purgeMem drops the memory copy; entries without a complete disk copy
// go away with it.
func (e *Entry) purgeMem() {
	if e.mem == nil {
		return
	}

	e.destroyMemObject()

	if e.swapStatus != SwapDone {
		e.Release()
	}
}

func (e *Entry) destroyMemObject() {
	m := e.mem
	if m == nil {
		return
	}

	if m.nclients > 0 {
		panic(fmt.Sprintf("store: destroying MemObject of %s with %d clients", e, m.nclients))
	}

	e.setMemStatus(NotInMemory)
	e.store.closeCollapsedReader(e)

	if e.store.transients != nil {
		e.store.transients.Disconnect(e)
	}

	e.mem = nil
}

func (e *Entry) destroy() {
	if e.destroyed {
		return
	}

	e.destroyMemObject()

	if e.swapFilen >= 0 && e.store.disk != nil {
		e.store.disk.Disconnect(e)
		e.swapFilen = -1
		e.swapDirn = -1
	}

	if e.hasKey {
		e.store.hashDelete(e)
	}

	e.store.entries.remove(e.ref)
	e.destroyed = true
}

// invokeHandlers answers every client waiting for data that is not busy
// with a disk read.
func (e *Entry) invokeHandlers() {
	if e.mem == nil {
		return
	}

	if !e.HasFlag(FlagAborted) && (e.HasFlag(FlagDelaySending) || e.HasFlag(FlagFwdHdrWait)) {
		return
	}

	for _, c := range append([]*Client(nil), e.mem.clients...) {
		if c.pending && !c.diskReadPending && !c.closed {
			c.copyAgain()
		}
	}
}

// Dump writes the entry state.
func (e *Entry) Dump(w io.Writer) {
	_, _ = fmt.Fprintf(w, "KEY %s\n", e.key)
	_, _ = fmt.Fprintf(w, "\tSTORE_%s MEM_%s SWAPOUT_%s PING_%s\n", e.storeStatus, e.memStatus, e.swapStatus, e.pingStatus)
	_, _ = fmt.Fprintf(w, "\t%s\n", e.flags)
	_, _ = fmt.Fprintf(w, "\tLV:%d LU:%d LM:%d EX:%d\n", e.timestamp, e.lastRef, e.lastMod, e.expires)
	_, _ = fmt.Fprintf(w, "\t%d locks, %d refs\n", e.lockCount, e.refCount)
	_, _ = fmt.Fprintf(w, "\tSwap Dir %d, File %d, Size %d\n", e.swapDirn, e.swapFilen, e.swapFileSize)

	if e.mem != nil {
		e.mem.Dump(w)
	}
}
