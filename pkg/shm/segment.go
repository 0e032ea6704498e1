package shm

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Options describes a segment layout.
type Options struct {
	// Path is the backing file. Put it on a tmpfs (e.g. /dev/shm) to keep
	// the segment out of the page-cache writeback path.
	Path string

	// Kind is a caller-defined tag stored in the header. [Attach] rejects
	// segments whose kind does not match, so an anchor segment can never be
	// mistaken for a slice segment with the same record size.
	Kind uint32

	// RecordSize is the size of one record in bytes. It is rounded up to a
	// multiple of 8. Zero on [Attach] means "take it from the header".
	RecordSize int

	// Capacity is the number of records. Zero on [Attach] means "take it
	// from the header".
	Capacity int
}

// Segment is a memory-mapped, fixed-capacity array of fixed-size records
// shared by every process that maps the same file.
//
// Record contents are owned by the caller; the segment only guarantees that
// every record and counter starts 8-byte aligned. Concurrent access to
// record bytes must use the atomic accessors of this package or happen under
// a protocol that excludes other writers.
type Segment struct {
	path       string
	fd         int
	data       []byte
	kind       uint32
	recordSize int
	capacity   int
	id         uuid.UUID
	createdAt  time.Time
	closed     atomic.Bool
}

// Create creates a new segment, replacing any segment left at opts.Path.
//
// The file is built under a temporary name and renamed into place, so
// processes attaching concurrently either see the old complete segment or
// the new one.
//
// Possible errors:
//   - [ErrInvalidInput]: empty path, bad record size or capacity
//   - [ErrIncompatible]: platform without 64-bit atomics
//   - syscall errors: mkdir, create, ftruncate, write, rename, mmap
func Create(opts Options) (*Segment, error) {
	if !is64Bit {
		return nil, fmt.Errorf("64-bit atomics required: %w", ErrIncompatible)
	}

	header, size, err := newHeader(opts)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(opts.Path)

	mkdirErr := os.MkdirAll(dir, 0o750)
	if mkdirErr != nil {
		return nil, fmt.Errorf("create directory: %w", mkdirErr)
	}

	randBytes := make([]byte, 8)
	_, _ = rand.Read(randBytes) // Ignore error; best-effort randomness.
	tmpPath := fmt.Sprintf("%s.tmp.%x", opts.Path, randBytes)

	fd, createErr := unix.Open(tmpPath, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if createErr != nil {
		return nil, fmt.Errorf("create temp file: %w", createErr)
	}

	fail := func(err error) (*Segment, error) {
		_ = unix.Close(fd)
		_ = unix.Unlink(tmpPath)

		return nil, err
	}

	// Truncate to full size (sparse file, zero-filled records).
	truncErr := unix.Ftruncate(fd, int64(size))
	if truncErr != nil {
		return fail(fmt.Errorf("ftruncate: %w", truncErr))
	}

	_, writeErr := unix.Pwrite(fd, encodeHeader(&header), 0)
	if writeErr != nil {
		return fail(fmt.Errorf("write header: %w", writeErr))
	}

	renameErr := unix.Rename(tmpPath, opts.Path)
	if renameErr != nil {
		return fail(fmt.Errorf("rename: %w", renameErr))
	}

	return mapSegment(opts.Path, fd, size, header)
}

// Attach maps an existing segment created by [Create].
//
// Non-zero RecordSize, Capacity and Kind in opts must match the header.
//
// Possible errors:
//   - [ErrInvalidInput]: empty path
//   - [ErrCorrupt]: file too small, bad magic, CRC mismatch, size mismatch
//   - [ErrIncompatible]: version, kind, record size or capacity mismatch
//   - syscall errors: open, stat, read, mmap
func Attach(opts Options) (*Segment, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is empty: %w", ErrInvalidInput)
	}

	fd, openErr := unix.Open(opts.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if openErr != nil {
		return nil, fmt.Errorf("open segment: %w", openErr)
	}

	var stat unix.Stat_t

	statErr := unix.Fstat(fd, &stat)
	if statErr != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("stat segment: %w", statErr)
	}

	if stat.Size < shm1HeaderSize {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("file size %d smaller than header: %w", stat.Size, ErrCorrupt)
	}

	headerBuf := make([]byte, shm1HeaderSize)

	n, readErr := unix.Pread(fd, headerBuf, 0)
	if readErr != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("read header: %w", readErr)
	}

	if n != shm1HeaderSize {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("short header read %d: %w", n, ErrCorrupt)
	}

	header, size, validateErr := validateHeader(headerBuf, stat.Size, opts)
	if validateErr != nil {
		_ = unix.Close(fd)

		return nil, validateErr
	}

	return mapSegment(opts.Path, fd, size, header)
}

// Remove deletes the segment file. Processes that still map it keep their
// mapping until they call [Segment.Close].
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove segment: %w", err)
	}

	return nil
}

func newHeader(opts Options) (shm1Header, int, error) {
	if opts.Path == "" {
		return shm1Header{}, 0, fmt.Errorf("path is empty: %w", ErrInvalidInput)
	}

	if opts.RecordSize <= 0 || opts.RecordSize > maxRecordSize {
		return shm1Header{}, 0, fmt.Errorf("record size %d out of range (1..%d): %w", opts.RecordSize, maxRecordSize, ErrInvalidInput)
	}

	if opts.Capacity <= 0 || opts.Capacity > maxCapacity {
		return shm1Header{}, 0, fmt.Errorf("capacity %d out of range (1..%d): %w", opts.Capacity, maxCapacity, ErrInvalidInput)
	}

	recordSize := align8(uint64(opts.RecordSize))

	size, err := segmentSize(recordSize, uint64(opts.Capacity))
	if err != nil {
		return shm1Header{}, 0, err
	}

	recordSize32, err := intToUint32Checked(int(recordSize))
	if err != nil {
		return shm1Header{}, 0, err
	}

	return shm1Header{
		Magic:      shm1Magic,
		Version:    shm1Version,
		HeaderSize: shm1HeaderSize,
		RecordSize: recordSize32,
		Capacity:   uint64(opts.Capacity),
		Kind:       opts.Kind,
		InstanceID: uuid.New(),
		CreatedAt:  time.Now().UnixNano(),
	}, size, nil
}

func validateHeader(buf []byte, fileSize int64, opts Options) (shm1Header, int, error) {
	header := decodeHeader(buf)

	if header.Magic != shm1Magic {
		return shm1Header{}, 0, fmt.Errorf("bad magic %q: %w", header.Magic[:], ErrCorrupt)
	}

	if !validateHeaderCRC(buf) {
		return shm1Header{}, 0, fmt.Errorf("header crc mismatch: %w", ErrCorrupt)
	}

	if header.Version != shm1Version || header.HeaderSize != shm1HeaderSize {
		return shm1Header{}, 0, fmt.Errorf("version %d header size %d: %w", header.Version, header.HeaderSize, ErrIncompatible)
	}

	if opts.Kind != 0 && header.Kind != opts.Kind {
		return shm1Header{}, 0, fmt.Errorf("kind %#x, want %#x: %w", header.Kind, opts.Kind, ErrIncompatible)
	}

	if opts.RecordSize != 0 && uint64(header.RecordSize) != align8(uint64(opts.RecordSize)) {
		return shm1Header{}, 0, fmt.Errorf("record size %d, want %d: %w", header.RecordSize, opts.RecordSize, ErrIncompatible)
	}

	if opts.Capacity != 0 && header.Capacity != uint64(opts.Capacity) {
		return shm1Header{}, 0, fmt.Errorf("capacity %d, want %d: %w", header.Capacity, opts.Capacity, ErrIncompatible)
	}

	if header.RecordSize == 0 || header.RecordSize%recordAlign != 0 || header.Capacity == 0 || header.Capacity > maxCapacity {
		return shm1Header{}, 0, fmt.Errorf("record size %d capacity %d: %w", header.RecordSize, header.Capacity, ErrCorrupt)
	}

	size, err := segmentSize(uint64(header.RecordSize), header.Capacity)
	if err != nil {
		return shm1Header{}, 0, fmt.Errorf("layout overflow: %w", ErrCorrupt)
	}

	if int64(size) != fileSize {
		return shm1Header{}, 0, fmt.Errorf("file size %d, layout needs %d: %w", fileSize, size, ErrCorrupt)
	}

	return header, size, nil
}

func mapSegment(path string, fd, size int, header shm1Header) (*Segment, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &Segment{
		path:       path,
		fd:         fd,
		data:       data,
		kind:       header.Kind,
		recordSize: int(header.RecordSize),
		capacity:   int(header.Capacity),
		id:         header.InstanceID,
		createdAt:  time.Unix(0, header.CreatedAt),
	}, nil
}

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// ID returns the instance id assigned when the segment was created.
// Two attachments with the same id map the same segment instance.
func (s *Segment) ID() uuid.UUID { return s.id }

// CreatedAt returns the segment creation time.
func (s *Segment) CreatedAt() time.Time { return s.createdAt }

// Kind returns the caller-defined kind tag.
func (s *Segment) Kind() uint32 { return s.kind }

// RecordSize returns the (8-byte aligned) record size in bytes.
func (s *Segment) RecordSize() int { return s.recordSize }

// Capacity returns the number of records.
func (s *Segment) Capacity() int { return s.capacity }

// Record returns the bytes of record i. It panics if i is out of range or
// the segment is closed.
func (s *Segment) Record(i int) []byte {
	if s.closed.Load() {
		panic("shm: record access on closed segment " + s.path)
	}

	if i < 0 || i >= s.capacity {
		panic(fmt.Sprintf("shm: record %d out of range [0, %d) in %s", i, s.capacity, s.path))
	}

	off := shm1HeaderSize + i*s.recordSize

	return s.data[off : off+s.recordSize : off+s.recordSize]
}

// Counter returns the 8 bytes of header counter i, for use with the atomic
// accessors. Counters start at zero and are owned by the caller.
func (s *Segment) Counter(i int) []byte {
	if i < 0 || i >= CounterCount {
		panic(fmt.Sprintf("shm: counter %d out of range [0, %d)", i, CounterCount))
	}

	off := offCounters + i*8

	return s.data[off : off+8 : off+8]
}

// Sync flushes the whole mapping to the backing file.
func (s *Segment) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}

	return msyncRange(s.data, 0, len(s.data))
}

// Close unmaps the segment. The file stays in place for other processes.
func (s *Segment) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	var errs []error

	if err := unix.Munmap(s.data); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}

	if err := unix.Close(s.fd); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	s.data = nil

	return errors.Join(errs...)
}
