package store

import "strings"

// Flags are entry flag bits.
type Flags uint32

// Entry flags.
const (
	FlagSpecial Flags = 1 << iota
	FlagDelaySending
	FlagReleaseRequest
	FlagCachable
	FlagKeyPrivate
	FlagFwdHdrWait
	FlagNegCached
	FlagValidated
	FlagBadLength
	FlagAborted
)

var flagNames = [...]string{
	"SPECIAL", "DELAY_SENDING", "RELEASE_REQUEST", "CACHABLE", "KEY_PRIVATE",
	"FWD_HDR_WAIT", "NEGCACHED", "VALIDATED", "BAD_LENGTH", "ABORTED",
}

func (f Flags) String() string {
	var names []string

	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}

	return strings.Join(names, ",")
}

// StoreStatus tells whether the producer is still adding bytes.
type StoreStatus uint8

// Store statuses.
const (
	StorePending StoreStatus = iota
	StoreOk
)

func (s StoreStatus) String() string {
	if s == StoreOk {
		return "OK"
	}

	return "PENDING"
}

// MemStatus tells whether an entry is kept in the memory cache.
type MemStatus uint8

// Memory statuses.
const (
	NotInMemory MemStatus = iota
	InMemory
)

func (s MemStatus) String() string {
	if s == InMemory {
		return "IN_MEMORY"
	}

	return "NOT_IN_MEMORY"
}

// SwapStatus is the state of the entry's disk copy.
type SwapStatus uint8

// Swap statuses.
const (
	SwapNone SwapStatus = iota
	SwapWriting
	SwapDone
	SwapFailed
)

var swapStatusNames = [...]string{"NONE", "WRITING", "DONE", "FAILED"}

func (s SwapStatus) String() string { return swapStatusNames[s] }

// PingStatus is the state of peer queries for the entry.
type PingStatus uint8

// Ping statuses.
const (
	PingNone PingStatus = iota
	PingWaiting
	PingDone
)

var pingStatusNames = [...]string{"NONE", "WAITING", "DONE"}

func (s PingStatus) String() string { return pingStatusNames[s] }

// SwapOutDecision records whether the entry may be written to disk.
// Impossible is final.
type SwapOutDecision uint8

// Swap-out decisions.
const (
	SwapOutNeedsCheck SwapOutDecision = iota
	SwapOutImpossible
	SwapOutPossible
	SwapOutStarted
)

var decisionNames = [...]string{"NEEDS_CHECK", "IMPOSSIBLE", "POSSIBLE", "STARTED"}

func (d SwapOutDecision) String() string { return decisionNames[d] }

// ClientType says where a client reads from when memory cannot serve it.
type ClientType uint8

// Client types.
const (
	MemClient ClientType = iota
	DiskClient
)

func (t ClientType) String() string {
	if t == DiskClient {
		return "disk"
	}

	return "memory"
}

// CloseHow is the reason an [IOState] is closed.
type CloseHow uint8

// Close reasons.
const (
	CloseWriterDone CloseHow = iota
	CloseWriterGone
	CloseReaderDone
)

// ioDirection is how a process uses a shared table entry.
type ioDirection uint8

const (
	ioUndecided ioDirection = iota
	ioWriting
	ioReading
	ioDone
)
