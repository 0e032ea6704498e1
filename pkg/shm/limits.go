package shm

// Hardcoded implementation limits.
//
// All limit violations are treated as programming/configuration errors and
// return ErrInvalidInput.
const (
	// Maximum allowed record size (bytes).
	maxRecordSize = 1 << 20 // 1 MiB

	// Maximum number of records in one segment.
	maxCapacity = 1 << 30

	// Maximum allowed segment file size (bytes). mmap length is an int.
	maxSegmentBytes = uint64(1) << 40 // 1 TiB

	// Number of caller-owned 64-bit counters kept in the header.
	CounterCount = 8
)
