package store

import (
	"errors"
	"fmt"
	"io"
)

// metaReadSize is the first read of a disk object. It covers the largest
// swap metadata block.
const metaReadSize = 2 * PageSize

// CopyRequest asks for up to Length body bytes starting at body offset
// Offset. Reply headers are not part of the body.
type CopyRequest struct {
	Offset int64
	Length int
}

// Result answers a [CopyRequest].
//
// The first answer of a client carries Reply. Data holds body bytes at
// Offset and may be empty. EOF means the object ends at Offset. Error means
// the object cannot be delivered; it is sticky for the client.
type Result struct {
	Reply  *Reply
	Data   []byte
	Offset int64
	EOF    bool
	Error  bool
}

// CopyCallback receives the answer to a copy request.
type CopyCallback func(Result)

// Client reads one entry as a stream. A client has at most one outstanding
// copy request and holds a lock on its entry until closed.
type Client struct {
	entry *Entry
	ref   ref
	typ   ClientType

	req     CopyRequest
	cb      CopyCallback
	pending bool

	copying bool
	again   bool

	diskReadPending bool
	objectOK        bool
	headersSent     bool
	closed          bool

	sio       IOState
	meta      *SwapMeta
	swapHdrSz int64
}

// NewClient attaches a reader to e and locks it.
func (s *Store) NewClient(e *Entry) *Client {
	if e.destroyed {
		panic("store: NewClient on destroyed " + e.String())
	}

	m := e.ensureMemObject("", MethodNone)

	c := &Client{entry: e, objectOK: true}
	c.ref = s.clients.add(c)

	m.addClient(c)
	c.typ = e.clientType()
	e.Lock("client")

	e.log().WithField("type", c.typ).Debug("client attached")

	return c
}

// clientType decides where a new client reads from. The client is
// already counted in nclients.
func (e *Entry) clientType() ClientType {
	m := e.mem

	if m.InmemLo() > 0 {
		return DiskClient
	}

	if e.HasFlag(FlagAborted) {
		return MemClient
	}

	if e.storeStatus == StoreOk {
		if m.EndOffset() > 0 && (m.objectSize < 0 || m.EndOffset() == m.objectSize) {
			return MemClient
		}

		return DiskClient
	}

	// The first reader of a pending entry reads what the producer writes.
	if m.nclients == 1 {
		return MemClient
	}

	if e.swapStatus == SwapNone {
		return MemClient
	}

	return DiskClient
}

// Entry returns the entry the client reads.
func (c *Client) Entry() *Entry { return c.entry }

// Type returns the client classification.
func (c *Client) Type() ClientType { return c.typ }

// Pending reports whether a copy request waits for an answer.
func (c *Client) Pending() bool { return c.pending }

// ObjectOK reports whether the client can still deliver the object.
func (c *Client) ObjectOK() bool { return c.objectOK }

// Copy requests the next piece of the object. cb may run before Copy
// returns.
func (c *Client) Copy(req CopyRequest, cb CopyCallback) {
	switch {
	case cb == nil:
		panic("store: Copy without callback")
	case c.closed:
		panic("store: Copy on closed client")
	case c.pending:
		panic("store: Copy while a copy is pending")
	case req.Offset < 0 || req.Length <= 0:
		panic(fmt.Sprintf("store: Copy of bad range %+v", req))
	}

	c.req = req
	c.cb = cb
	c.pending = true
	c.copyAgain()
}

// copyAgain runs doCopy, looping instead of recursing when a callback
// issues the next Copy.
func (c *Client) copyAgain() {
	if c.copying {
		c.again = true

		return
	}

	c.copying = true

	for {
		c.again = false
		c.doCopy()

		if !c.again || !c.pending || c.closed || c.diskReadPending {
			break
		}
	}

	c.copying = false
}

func (c *Client) objectOffset() int64 {
	return c.entry.mem.hdrSize() + c.req.Offset
}

func (c *Client) doCopy() {
	e := c.entry
	m := e.mem

	if !c.pending || c.closed || c.diskReadPending {
		return
	}

	if !c.objectOK || e.HasFlag(FlagAborted) {
		c.fail()

		return
	}

	off := c.objectOffset()

	if c.headersSent && e.storeStatus == StoreOk && m.objectSize >= 0 && off >= m.objectSize {
		c.callback(Result{Offset: c.req.Offset, EOF: true}, "eof")

		return
	}

	if !c.headersSent {
		if m.reply != nil {
			c.sendHeaders()

			return
		}

		switch {
		case c.typ == DiskClient && e.swapFilen >= 0:
			c.diskCopy()
		case e.storeStatus == StorePending:
			// wait for the reply
		default:
			c.fail()
		}

		return
	}

	if e.storeStatus == StorePending && off >= m.EndOffset() {
		return
	}

	if off >= m.InmemLo() && off < m.EndOffset() {
		c.callback(Result{Data: m.data.copyAt(off, c.req.Length), Offset: c.req.Offset}, "memory")

		return
	}

	if c.typ == DiskClient && e.swapFilen >= 0 {
		c.diskCopy()

		return
	}

	c.entry.log().WithField("offset", off).Debug("client lost its bytes")
	c.fail()
}

// sendHeaders delivers the reply together with whatever body bytes are
// already buffered.
func (c *Client) sendHeaders() {
	e := c.entry
	m := e.mem

	c.headersSent = true
	res := Result{Reply: m.Reply(), Offset: c.req.Offset}

	off := c.objectOffset()

	switch {
	case off >= m.InmemLo() && off < m.EndOffset():
		res.Data = m.data.copyAt(off, c.req.Length)
	case e.storeStatus == StoreOk && m.objectSize >= 0 && off >= m.objectSize:
		res.EOF = true
	}

	c.callback(res, "headers")
}

func (c *Client) diskCopy() {
	e := c.entry

	if c.sio == nil {
		sio, err := e.store.disk.Open(e)
		if err != nil {
			e.log().WithError(err).Debug("swapin open failed")
			c.objectOK = false
			c.fail()

			return
		}

		c.sio = sio
	}

	switch {
	case c.meta == nil:
		c.diskRead(metaReadSize, 0, c.metaRead)
	case e.mem.reply == nil:
		c.diskRead(int(c.meta.HeaderSize), c.swapHdrSz, c.headerRead)
	default:
		c.diskRead(c.req.Length, c.swapHdrSz+c.objectOffset(), c.bodyRead)
	}
}

// diskRead reads n bytes at off and hands them to done on the loop. Read
// errors make the client fail.
func (c *Client) diskRead(n int, off int64, done func(b []byte)) {
	s := c.entry.store
	r := c.ref
	sio := c.sio
	buf := make([]byte, n)

	c.diskReadPending = true

	sio.Read(buf, off, func(k int, err error) {
		cl, ok := s.clients.get(r)
		if !ok || cl.sio != sio {
			return
		}

		cl.diskReadPending = false

		if err != nil {
			cl.entry.log().WithError(err).Debug("swapin read failed")
			cl.objectOK = false
			cl.fail()

			return
		}

		done(buf[:k])
	})
}

func (c *Client) metaRead(b []byte) {
	e := c.entry
	m := e.mem

	meta, size, err := DecodeSwapMeta(b)
	if errors.Is(err, errShortMeta) && e.storeStatus == StorePending {
		// not on disk yet
		return
	}

	if err == nil {
		err = c.checkMeta(&meta)
	}

	if err != nil {
		e.log().WithError(err).Warn("swapin metadata rejected")
		c.objectOK = false
		c.fail()

		return
	}

	c.meta = &meta
	c.swapHdrSz = int64(size)

	if e.storeStatus == StoreOk && m.objectSize < 0 && e.swapFileSize > 0 {
		m.objectSize = int64(e.swapFileSize) - c.swapHdrSz //nolint:gosec
	}

	if hs := int(meta.HeaderSize); m.reply == nil && len(b) >= size+hs {
		m.reply = meta.reply(b[size : size+hs])
	}

	c.copyAgain()
}

// checkMeta rejects disk objects that do not belong to the entry.
func (c *Client) checkMeta(meta *SwapMeta) error {
	e := c.entry
	m := e.mem

	if meta.Key != e.key {
		return fmt.Errorf("key %s, want %s: %w", meta.Key, e.key, ErrCorruptMeta)
	}

	if m.url == "" {
		m.url = meta.URL
		m.method = meta.Method
		m.urlSum = urlSum(meta.URL)

		return nil
	}

	if meta.URL != m.url {
		return fmt.Errorf("url %q, want %q: %w", meta.URL, m.url, ErrCorruptMeta)
	}

	return nil
}

func (c *Client) headerRead(b []byte) {
	e := c.entry

	if len(b) < int(c.meta.HeaderSize) {
		if e.storeStatus == StorePending {
			return
		}

		c.fail()

		return
	}

	if e.mem.reply == nil {
		e.mem.reply = c.meta.reply(b)
	}

	c.copyAgain()
}

func (c *Client) bodyRead(b []byte) {
	e := c.entry

	if len(b) == 0 {
		if e.storeStatus == StorePending {
			return
		}

		c.callback(Result{Offset: c.req.Offset, EOF: true}, "disk")

		return
	}

	c.callback(Result{Data: b, Offset: c.req.Offset}, "disk")
}

func (c *Client) callback(res Result, source string) {
	if !c.objectOK {
		res = Result{Offset: c.req.Offset, Error: true}
		source = "error"
	}

	cb := c.cb
	c.cb = nil
	c.pending = false

	c.entry.store.metrics.Copies.WithLabelValues(source).Inc()
	cb(res)
}

func (c *Client) fail() {
	c.objectOK = false
	c.callback(Result{}, "error")
}

// Close detaches the client. A pending request is dropped without an
// answer. When the last client of a pending entry leaves, the entry may be
// aborted.
func (c *Client) Close() {
	if c.closed {
		return
	}

	c.closed = true
	c.pending = false
	c.cb = nil

	e := c.entry
	s := e.store

	if c.sio != nil {
		c.sio.Close(CloseReaderDone)
		c.sio = nil
	}

	s.clients.remove(c.ref)

	if m := e.mem; m != nil {
		m.removeClient(c)

		if e.storeStatus == StoreOk && e.swapStatus != SwapDone {
			e.swapOut()
		}

		if m.nclients == 0 {
			e.checkQuickAbort()
		}
	}

	e.Unlock("client")
}

func (e *Entry) checkQuickAbort() {
	if e.storeStatus != StorePending || e.HasFlag(FlagSpecial) {
		return
	}

	if t := e.store.transients; t != nil && t.Readers(e) > 0 {
		return
	}

	if !e.quickAbortWanted() {
		return
	}

	e.log().Debug("quick abort")
	e.store.metrics.QuickAborts.Inc()
	e.Abort()
}

// quickAbortWanted decides whether finishing the download is worth it.
func (e *Entry) quickAbortWanted() bool {
	q := e.store.opts.QuickAbort
	m := e.mem

	if !e.HasFlag(FlagCachable) || e.HasFlag(FlagKeyPrivate) {
		return true
	}

	expect := int64(-1)
	if r := m.reply; r != nil && r.ContentLength >= 0 {
		expect = r.ContentLength + m.hdrSize()
	}

	cur := m.EndOffset()

	switch {
	case expect < 0:
		return true
	case cur > expect:
		return true
	case q.Min < 0:
		return false
	case expect-cur < q.Min*1024:
		return false
	case expect-cur > q.Max*1024:
		return true
	case expect < 100:
		return false
	case cur/(expect/100) > int64(q.Pct):
		return false
	}

	return true
}

// Dump writes the client state.
func (c *Client) Dump(w io.Writer) {
	_, _ = fmt.Fprintf(w, "client %s offset %d pending=%t ok=%t headers=%t\n",
		c.typ, c.req.Offset, c.pending, c.objectOK, c.headersSent)
}
