package store

import (
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/calvinalkan/smpcache/pkg/ipc"
)

// MemObject is the in-process content of an entry: reply, buffered bytes,
// attached clients and swap-out progress. It exists only while the entry
// has clients, a producer or memory-cached bytes.
type MemObject struct {
	url    string
	method Method
	urlSum uint64
	flags  RequestFlags

	reply   *Reply
	updated *Reply

	data       dataBuffer
	objectSize int64 // frozen by Complete; -1 before

	clients  []*Client
	nclients int

	swapout struct {
		queueOffset int64 // object bytes handed to sio
		sio         IOState
		decision    SwapOutDecision
		hdrSize     int64 // swap metadata bytes in front of the object
	}

	abortFn func()

	// Shared in-transit table slot.
	xit struct {
		index ipc.AnchorID
		io    ioDirection
	}

	smpCollapsed bool
	collapsed    collapsedState
}

func newMemObject(url string, method Method) *MemObject {
	m := &MemObject{url: url, method: method, objectSize: -1}
	m.urlSum = urlSum(url)
	m.xit.index = -1

	return m
}

func urlSum(url string) uint64 { return xxhash.Sum64String(url) }

// URL returns the object URL.
func (m *MemObject) URL() string { return m.url }

// Method returns the request method.
func (m *MemObject) Method() Method { return m.method }

// Reply returns the newest reply: the updated one if any, else the base one.
func (m *MemObject) Reply() *Reply {
	if m.updated != nil {
		return m.updated
	}

	return m.reply
}

// BaseReply returns the reply whose header is stored in the object bytes.
func (m *MemObject) BaseReply() *Reply { return m.reply }

// EndOffset returns the number of object bytes produced so far.
func (m *MemObject) EndOffset() int64 { return m.data.end }

// InmemLo returns the lowest object offset still buffered.
func (m *MemObject) InmemLo() int64 { return m.data.lo }

// Size returns the number of buffered bytes.
func (m *MemObject) Size() int64 { return m.data.size() }

// ObjectSize returns the final object size, or -1 while pending.
func (m *MemObject) ObjectSize() int64 { return m.objectSize }

// Clients returns the number of attached clients.
func (m *MemObject) Clients() int { return m.nclients }

// SwapOutDecision returns the swap-out decision.
func (m *MemObject) SwapOutDecision() SwapOutDecision { return m.swapout.decision }

// QueueOffset returns how many object bytes were handed to the disk.
func (m *MemObject) QueueOffset() int64 { return m.swapout.queueOffset }

func (m *MemObject) hdrSize() int64 { return m.reply.HeaderSize() }

func (m *MemObject) write(p []byte) { m.data.write(p) }

func (m *MemObject) isContiguous() bool { return m.data.lo == 0 }

// lowestMemReaderOffset returns the smallest object offset a memory client
// still needs, or the end offset without memory clients.
func (m *MemObject) lowestMemReaderOffset() int64 {
	lowest := m.EndOffset()

	for _, c := range m.clients {
		if c.typ != MemClient {
			continue
		}

		lowest = min(lowest, m.hdrSize()+c.req.Offset)
	}

	return lowest
}

// policyLowestOffsetToKeep returns the lowest offset the memory cache
// policy wants to keep: everything for objects that may stay in memory,
// else only what memory readers still need.
func (m *MemObject) policyLowestOffsetToKeep(swap bool, maxInMem int64) int64 {
	if m.EndOffset()-m.InmemLo() > maxInMem || swap {
		return m.lowestMemReaderOffset()
	}

	return m.InmemLo()
}

func (m *MemObject) trimSwappable(maxInMem int64) {
	lo := min(m.policyLowestOffsetToKeep(true, maxInMem), m.swapout.queueOffset)
	m.data.trimTo(lo)
}

func (m *MemObject) trimUnswappable(maxInMem int64) {
	m.data.trimTo(m.policyLowestOffsetToKeep(false, maxInMem))
}

func (m *MemObject) addClient(c *Client) {
	m.clients = append(m.clients, c)
	m.nclients++
}

func (m *MemObject) removeClient(c *Client) bool {
	for i, x := range m.clients {
		if x == c {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			m.nclients--

			return true
		}
	}

	return false
}

func (m *MemObject) reset() {
	m.data.reset()
	m.objectSize = -1
	m.reply = nil
	m.updated = nil
}

// Dump writes the object state.
func (m *MemObject) Dump(w io.Writer) {
	_, _ = fmt.Fprintf(w, "\t%s %s\n", m.method, m.url)
	_, _ = fmt.Fprintf(w, "\tinmem_lo: %d\n", m.InmemLo())
	_, _ = fmt.Fprintf(w, "\tinmem_hi: %d\n", m.EndOffset())
	_, _ = fmt.Fprintf(w, "\tobject_sz: %d\n", m.objectSize)
	_, _ = fmt.Fprintf(w, "\tswapout: %d bytes queued, %s\n", m.swapout.queueOffset, m.swapout.decision)
	_, _ = fmt.Fprintf(w, "\tclients: %d\n", m.nclients)

	for i, c := range m.clients {
		_, _ = fmt.Fprintf(w, "\tClient #%d: %s offset %d", i, c.typ, c.req.Offset)

		if c.pending {
			_, _ = fmt.Fprint(w, " pending")
		}

		if c.diskReadPending {
			_, _ = fmt.Fprint(w, " disk-read")
		}

		_, _ = fmt.Fprintln(w)
	}
}
