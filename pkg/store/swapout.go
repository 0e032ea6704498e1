package store

// swapOut moves buffered bytes to disk when the entry may be stored there,
// and trims memory that nobody needs anymore.
func (e *Entry) swapOut() {
	m := e.mem
	if m == nil {
		return
	}

	if !e.mayStartSwapOut() {
		e.trimMemory(false)

		return
	}

	e.trimMemory(true)

	// Wait for a full page unless the object is complete.
	if e.storeStatus == StorePending && m.EndOffset()-m.swapout.queueOffset < PageSize {
		return
	}

	if m.swapout.sio == nil && !e.startSwapOut() {
		e.trimMemory(false)

		return
	}

	e.doPages()
	e.trimMemory(true)

	if e.storeStatus == StoreOk && m.swapout.queueOffset == m.EndOffset() {
		e.swapOutFileClose(CloseWriterDone)
	}
}

// mayStartSwapOut updates the swap-out decision. An impossible swap-out
// stays impossible.
func (e *Entry) mayStartSwapOut() bool {
	m := e.mem
	d := &m.swapout.decision

	if e.swapStatus == SwapDone || e.swapStatus == SwapFailed {
		return false
	}

	switch {
	case *d == SwapOutImpossible:
		return false
	case m.swapout.sio != nil:
		return true
	case *d == SwapOutStarted:
		// started and already closed
		return false
	}

	impossible := func(reason string) bool {
		e.log().WithField("reason", reason).Debug("swapout impossible")
		*d = SwapOutImpossible

		return false
	}

	if *d == SwapOutPossible {
		switch {
		case !m.isContiguous():
			return impossible("trimmed")
		case e.tooBig():
			e.store.metrics.CheckCachable.WithLabelValues("no.too_big").Inc()
			e.ReleaseRequest()

			return impossible("not cachable")
		}

		return true
	}

	switch {
	case e.store.disk == nil:
		return impossible("no disk")
	case e.HasFlag(FlagSpecial):
		return impossible("special")
	case m.smpCollapsed:
		return impossible("collapsed reader")
	case e.swapStatus != SwapNone:
		return impossible("already on disk")
	case !m.isContiguous():
		return impossible("trimmed")
	case len(m.url) > maxURLSize:
		return impossible("url too long")
	case !e.checkCachable():
		return impossible("not cachable")
	}

	expected := int64(-1)
	if r := m.reply; r != nil && r.ContentLength >= 0 {
		expected = r.ContentLength + m.hdrSize()
	}

	if e.storeStatus == StoreOk {
		expected = e.objectLen()
	}

	if !e.store.disk.CanStore(expected) {
		return impossible("no disk space")
	}

	*d = SwapOutPossible

	return true
}

func (e *Entry) trimMemory(preserveSwappable bool) {
	m := e.mem
	if m == nil || e.memStatus == InMemory || e.HasFlag(FlagSpecial) {
		return
	}

	if preserveSwappable {
		m.trimSwappable(e.store.opts.MaxInMemObjSize)
	} else {
		m.trimUnswappable(e.store.opts.MaxInMemObjSize)
	}
}

func (e *Entry) swapMeta() SwapMeta {
	m := e.mem

	meta := SwapMeta{
		Key:           e.key,
		Timestamp:     e.timestamp,
		LastRef:       e.lastRef,
		Expires:       e.expires,
		LastMod:       e.lastMod,
		RefCount:      e.refCount,
		Flags:         e.flags,
		ContentLength: -1,
		Method:        m.method,
		URL:           m.url,
	}

	if r := m.reply; r != nil {
		meta.Status = r.Status
		meta.ContentLength = r.ContentLength
		meta.Date = r.Date
		meta.HeaderSize = uint32(len(r.Header)) //nolint:gosec // headers are small
	}

	return meta
}

func (e *Entry) startSwapOut() bool {
	s := e.store
	m := e.mem

	meta := e.swapMeta()

	hdr, err := meta.AppendBinary(nil)
	if err != nil {
		m.swapout.decision = SwapOutImpossible

		return false
	}

	r := e.ref
	cb := IOCallbacks{
		Wrote: func() {
			if e, ok := s.entries.get(r); ok {
				e.invokeHandlers()
				s.broadcast(e)
			}
		},
		Closed: func(err error) {
			if e, ok := s.entries.get(r); ok {
				e.swapOutFileClosed(err)
			}
		},
	}

	e.Lock("swapout")

	sio, filen, err := s.disk.Create(e, cb)
	if err != nil {
		e.log().WithError(err).Debug("swapout create failed")
		s.metrics.SwapOuts.WithLabelValues("create_failed").Inc()
		m.swapout.decision = SwapOutImpossible
		e.Unlock("swapout")

		return false
	}

	e.swapFilen = filen
	e.swapDirn = s.disk.Index()
	e.swapStatus = SwapWriting
	m.swapout.sio = sio
	m.swapout.decision = SwapOutStarted
	m.swapout.hdrSize = int64(len(hdr))

	sio.Write(hdr)
	s.metrics.SwapOuts.WithLabelValues("started").Inc()
	e.log().Debug("swapout started")

	return true
}

// doPages hands every buffered byte past the queue offset to the disk.
func (e *Entry) doPages() {
	m := e.mem

	for m.swapout.queueOffset < m.EndOffset() {
		off := m.swapout.queueOffset
		if off < m.InmemLo() {
			panic("store: swapout lost bytes of " + e.String())
		}

		chunk := m.data.copyAt(off, PageSize)
		m.swapout.sio.Write(chunk)
		m.swapout.queueOffset += int64(len(chunk))
	}
}

func (e *Entry) swapOutFileClose(how CloseHow) {
	m := e.mem
	if m == nil || m.swapout.sio == nil {
		return
	}

	sio := m.swapout.sio
	m.swapout.sio = nil
	sio.Close(how)
}

func (e *Entry) swapOutFileClosed(err error) {
	s := e.store

	if e.swapStatus != SwapWriting {
		panic("store: swapout closed twice for " + e.String())
	}

	if m := e.mem; m != nil {
		m.swapout.sio = nil
	}

	if err != nil {
		e.log().WithError(err).Debug("swapout failed")
		s.metrics.SwapOuts.WithLabelValues("failed").Inc()
		e.unlink()
		e.swapStatus = SwapFailed

		if e.mem != nil {
			e.mem.swapout.decision = SwapOutImpossible
		}

		e.ReleaseRequest()
	} else {
		e.swapFileSize = uint64(e.objectLen() + e.mem.swapout.hdrSize) //nolint:gosec
		e.swapStatus = SwapDone
		s.metrics.SwapOuts.WithLabelValues("done").Inc()
		e.log().WithField("size", e.swapFileSize).Debug("swapout done")
	}

	if e.storeStatus == StoreOk {
		s.transientsCompleteWriting(e)
	} else {
		s.broadcast(e)
	}

	e.invokeHandlers()
	e.Unlock("swapout")
}
