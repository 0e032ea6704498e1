package shm_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/calvinalkan/smpcache/pkg/shm"
)

const testKind = 0x7e57

func newTestSegment(tb testing.TB, capacity int) (*shm.Segment, shm.Options) {
	tb.Helper()

	opts := shm.Options{
		Path:       filepath.Join(tb.TempDir(), "seg.shm"),
		Kind:       testKind,
		RecordSize: 12,
		Capacity:   capacity,
	}

	seg, err := shm.Create(opts)
	if err != nil {
		tb.Fatalf("Create: %v", err)
	}

	tb.Cleanup(func() { _ = seg.Close() })

	return seg, opts
}

func Test_Create_Rounds_Record_Size_To_Eight_Bytes(t *testing.T) {
	t.Parallel()

	seg, _ := newTestSegment(t, 4)

	if seg.RecordSize() != 16 {
		t.Fatalf("RecordSize=%d, want 16", seg.RecordSize())
	}

	if seg.Capacity() != 4 {
		t.Fatalf("Capacity=%d, want 4", seg.Capacity())
	}
}

func Test_Attach_Sees_Writes_Of_Creator_When_Same_File(t *testing.T) {
	t.Parallel()

	seg, opts := newTestSegment(t, 8)

	other, err := shm.Attach(shm.Options{Path: opts.Path, Kind: testKind})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	defer func() { _ = other.Close() }()

	if other.ID() != seg.ID() {
		t.Fatalf("instance id mismatch: %s vs %s", other.ID(), seg.ID())
	}

	shm.StoreUint64(seg.Record(7), 0xfeedface)

	if got := shm.LoadUint64(other.Record(7)); got != 0xfeedface {
		t.Fatalf("record 7 via second mapping = %#x, want 0xfeedface", got)
	}

	shm.AddUint64(other.Counter(3), 5)

	if got := shm.LoadUint64(seg.Counter(3)); got != 5 {
		t.Fatalf("counter 3 = %d, want 5", got)
	}
}

func Test_Attach_Returns_ErrIncompatible_When_Layout_Differs(t *testing.T) {
	t.Parallel()

	_, opts := newTestSegment(t, 8)

	tests := []struct {
		name string
		opts shm.Options
	}{
		{name: "kind", opts: shm.Options{Path: opts.Path, Kind: testKind + 1}},
		{name: "record size", opts: shm.Options{Path: opts.Path, RecordSize: 64}},
		{name: "capacity", opts: shm.Options{Path: opts.Path, Capacity: 9}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			seg, err := shm.Attach(tc.opts)
			if err == nil {
				_ = seg.Close()

				t.Fatal("Attach must fail")
			}

			if !errors.Is(err, shm.ErrIncompatible) {
				t.Fatalf("Attach error = %v, want ErrIncompatible", err)
			}
		})
	}
}

func Test_Attach_Returns_ErrCorrupt_When_Header_Is_Damaged(t *testing.T) {
	t.Parallel()

	_, opts := newTestSegment(t, 2)

	f, err := os.OpenFile(opts.Path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Flip a capacity byte without fixing the CRC.
	_, err = f.WriteAt([]byte{0xff}, 0x10)
	_ = f.Close()

	if err != nil {
		t.Fatalf("write: %v", err)
	}

	seg, err := shm.Attach(shm.Options{Path: opts.Path})
	if err == nil {
		_ = seg.Close()

		t.Fatal("Attach must fail on damaged header")
	}

	if !errors.Is(err, shm.ErrCorrupt) {
		t.Fatalf("Attach error = %v, want ErrCorrupt", err)
	}
}

func Test_Create_Returns_ErrInvalidInput_When_Options_Are_Out_Of_Range(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, opts := range []shm.Options{
		{Path: "", RecordSize: 8, Capacity: 1},
		{Path: filepath.Join(dir, "a"), RecordSize: 0, Capacity: 1},
		{Path: filepath.Join(dir, "b"), RecordSize: 8, Capacity: 0},
	} {
		_, err := shm.Create(opts)
		if !errors.Is(err, shm.ErrInvalidInput) {
			t.Fatalf("Create(%+v) error = %v, want ErrInvalidInput", opts, err)
		}
	}
}

func Test_Record_Panics_When_Index_Out_Of_Range(t *testing.T) {
	t.Parallel()

	seg, _ := newTestSegment(t, 3)

	defer func() {
		if recover() == nil {
			t.Fatal("Record(3) must panic")
		}
	}()

	_ = seg.Record(3)
}

func Test_Close_Returns_ErrClosed_When_Called_Twice(t *testing.T) {
	t.Parallel()

	seg, _ := newTestSegment(t, 1)

	if err := seg.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := seg.Close(); !errors.Is(err, shm.ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func Test_Counters_Stay_Exact_When_Processes_Add_Concurrently(t *testing.T) {
	t.Parallel()

	seg, opts := newTestSegment(t, 1)

	const workers, adds = 4, 1000

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			view, err := shm.Attach(shm.Options{Path: opts.Path})
			if err != nil {
				t.Errorf("Attach: %v", err)

				return
			}

			defer func() { _ = view.Close() }()

			for range adds {
				shm.AddUint64(view.Counter(0), 1)
			}
		}()
	}

	wg.Wait()

	if got := shm.LoadUint64(seg.Counter(0)); got != workers*adds {
		t.Fatalf("counter = %d, want %d", got, workers*adds)
	}
}

func Test_Remove_Succeeds_When_File_Is_Missing(t *testing.T) {
	t.Parallel()

	if err := shm.Remove(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}
