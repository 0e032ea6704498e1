package store_test

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/smpcache/pkg/evloop"
	"github.com/calvinalkan/smpcache/pkg/ipc"
	"github.com/calvinalkan/smpcache/pkg/store"
)

var testHeader = []byte("HTTP/1.1 200 OK\r\n\r\n")

// newStore returns a memory-only store. fn may adjust the options.
func newStore(tb testing.TB, fn func(*store.Options)) *store.Store {
	tb.Helper()

	var clock int64 = 1000

	opts := store.Options{
		Loop:            evloop.New(),
		MaxObjectSize:   1 << 20,
		MaxInMemObjSize: 1 << 20,
		Now: func() int64 {
			clock++

			return clock
		},
	}

	if fn != nil {
		fn(&opts)
	}

	s, err := store.New(opts)
	require.NoError(tb, err)

	tb.Cleanup(s.Close)

	return s
}

func pending(s *store.Store, url string, contentLength int64) *store.Entry {
	e := s.CreateEntry(url, store.MethodGet, store.ReqCachable)
	e.ReplaceReply(&store.Reply{Status: 200, ContentLength: contentLength, Header: testHeader})

	return e
}

func fill(n int) []byte {
	return bytes.Repeat([]byte{'x'}, n)
}

// stream copies an entry sequentially, asking for the next piece as soon
// as one arrives.
type stream struct {
	c      *store.Client
	reply  *store.Reply
	got    []byte
	calls  int
	eof    bool
	failed bool
}

func newStream(s *store.Store, e *store.Entry) *stream {
	st := &stream{c: s.NewClient(e)}
	st.next()

	return st
}

func (st *stream) next() {
	st.c.Copy(store.CopyRequest{Offset: int64(len(st.got)), Length: 1 << 16}, st.onResult)
}

func (st *stream) onResult(r store.Result) {
	st.calls++

	if r.Reply != nil {
		st.reply = r.Reply
	}

	if r.Error {
		st.failed = true

		return
	}

	if r.Offset != int64(len(st.got)) {
		panic("result offset out of order")
	}

	st.got = append(st.got, r.Data...)

	if r.EOF {
		st.eof = true

		return
	}

	st.next()
}

func Test_Client_Receives_Body_In_Order_When_Producer_Writes_Incrementally(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	e := pending(s, "http://example.com/stream", 3*store.PageSize)

	st := newStream(s, e)
	require.NotNil(t, st.reply, "headers are sent before any body byte")

	want := fill(3 * store.PageSize)
	for i := 0; i < len(want); i += 1000 {
		e.Write(want[i:min(i+1000, len(want))])
	}

	e.Complete()

	require.True(t, st.eof)
	require.False(t, st.failed)

	if diff := cmp.Diff(want, st.got); diff != "" {
		t.Fatalf("body (-want +got):\n%s", diff)
	}
}

func Test_Abort_Fails_Every_Pending_Client_Exactly_Once_When_Clients_Wait_At_Different_Offsets(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	e := pending(s, "http://example.com/abort", -1)
	e.Write(fill(100))

	aborted := 0
	e.RegisterAbort(func() { aborted++ })

	var results [2][]store.Result

	clients := []*store.Client{s.NewClient(e), s.NewClient(e)}
	offsets := []int64{100, 150}

	for i, c := range clients {
		c.Copy(store.CopyRequest{Offset: 0, Length: 100}, func(store.Result) {})
		c.Copy(store.CopyRequest{Offset: offsets[i], Length: 100}, func(r store.Result) {
			results[i] = append(results[i], r)
		})
		require.True(t, c.Pending())
	}

	e.Abort()
	s.Loop().Drain()

	for i := range clients {
		require.Len(t, results[i], 1, "client %d", i)
		require.True(t, results[i][0].Error)
		require.Empty(t, results[i][0].Data)
		require.False(t, clients[i].ObjectOK())
	}

	require.Equal(t, 1, aborted)
	require.True(t, e.HasFlag(store.FlagAborted|store.FlagReleaseRequest))
	require.Equal(t, store.StoreOk, e.StoreStatus())
	require.Panics(t, e.Abort)

	// Completing an aborted entry is harmless.
	e.Complete()
}

func Test_Write_Panics_When_Reply_Was_Not_Set(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	e := s.CreateEntry("http://example.com/noreply", store.MethodGet, store.ReqCachable)

	require.Panics(t, func() { e.Write([]byte("x")) })
}

func Test_Abort_Panics_When_Entry_Was_Already_Aborted(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	e := pending(s, "http://example.com/twice", -1)

	fired := 0
	e.RegisterAbort(func() { fired++ })

	e.Abort()
	s.Loop().Drain()

	require.Equal(t, 1, fired)
	require.NotZero(t, e.Flags()&store.FlagAborted)
	require.Panics(t, e.Abort)
}

func Test_Clients_Wait_When_Sending_Is_Delayed(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	e := pending(s, "http://example.com/delay", -1)
	e.Buffer()

	st := newStream(s, e)
	require.Equal(t, 1, st.calls, "headers")

	e.Write(fill(10))

	require.Equal(t, 1, st.calls)

	e.Flush()

	require.Equal(t, 2, st.calls)
	require.Len(t, st.got, 10)
}

func Test_CreateEntry_Uses_Private_Key_When_Request_Is_Not_Cachable(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	e := s.CreateEntry("http://example.com/private", store.MethodPost, 0)

	require.True(t, e.HasFlag(store.FlagKeyPrivate|store.FlagReleaseRequest))
	require.Nil(t, s.GetPublic(store.MethodPost, "http://example.com/private"))
	require.Same(t, e, s.Get(e.Key()))
}

func Test_CreateEntry_Replaces_Older_Entry_When_Url_Is_Cached(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)

	old := pending(s, "http://example.com/v", 1)
	old.Write([]byte("1"))
	old.Complete()
	old.Unlock("producer")

	require.Same(t, old, s.GetPublic(store.MethodGet, "http://example.com/v"))

	fresh := pending(s, "http://example.com/v", -1)

	require.Same(t, fresh, s.GetPublic(store.MethodGet, "http://example.com/v"))
	require.True(t, old.Destroyed())
}

func Test_Complete_Marks_Bad_Length_When_Body_Differs_From_Content_Length(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	e := pending(s, "http://example.com/short", 100)
	e.Write(fill(10))
	e.Complete()

	require.True(t, e.HasFlag(store.FlagBadLength|store.FlagReleaseRequest))
	require.Equal(t, int64(len(testHeader)+10), e.MemObject().ObjectSize())
}

func Test_Last_Client_Close_Aborts_Pending_Entry_When_Remaining_Download_Is_Too_Large(t *testing.T) {
	t.Parallel()

	s := newStore(t, func(o *store.Options) {
		o.QuickAbort = store.QuickAbort{Min: 1, Max: 4, Pct: 95}
	})

	e := pending(s, "http://example.com/huge", 100*1024)
	e.Write(fill(1024))

	c := s.NewClient(e)
	c.Close()

	require.True(t, e.HasFlag(store.FlagAborted))
	require.InDelta(t, 1, testutil.ToFloat64(s.Metrics().QuickAborts), 0)
}

func Test_Last_Client_Close_Keeps_Pending_Entry_When_Quick_Abort_Is_Disabled(t *testing.T) {
	t.Parallel()

	s := newStore(t, func(o *store.Options) {
		o.QuickAbort = store.QuickAbort{Min: -1}
	})

	e := pending(s, "http://example.com/keep", 100*1024)
	e.Write(fill(1024))

	c := s.NewClient(e)
	c.Close()

	require.False(t, e.HasFlag(store.FlagAborted))
	require.Equal(t, store.StorePending, e.StoreStatus())
	require.Zero(t, testutil.ToFloat64(s.Metrics().QuickAborts))
}

func Test_Memory_Cache_Drops_Least_Recently_Used_Object_When_Over_Limit(t *testing.T) {
	t.Parallel()

	s := newStore(t, func(o *store.Options) {
		o.MaxInMemObjSize = 1024
		o.MemCacheSize = 600
	})

	first := pending(s, "http://example.com/1", 500)
	first.Write(fill(500))
	first.Complete()
	first.Unlock("producer")

	require.Equal(t, store.InMemory, first.MemStatus())

	second := pending(s, "http://example.com/2", 500)
	second.Write(fill(500))
	second.Complete()
	second.Unlock("producer")

	require.True(t, first.Destroyed())
	require.Equal(t, store.InMemory, second.MemStatus())

	st := s.Stats()
	require.Equal(t, 1, st.InMemory)
	require.LessOrEqual(t, st.MemInUse, int64(600))
	require.Nil(t, s.GetPublic(store.MethodGet, "http://example.com/1"))
}

func Test_Memory_Cache_Drops_Oldest_Object_When_Reference_Times_Are_Far_Apart(t *testing.T) {
	t.Parallel()

	now := int64(math.MinInt64 + 1000)

	s := newStore(t, func(o *store.Options) {
		o.MaxInMemObjSize = 1024
		o.MemCacheSize = 1100
		o.Now = func() int64 { return now }
	})

	complete := func(url string) *store.Entry {
		e := pending(s, url, 500)
		e.Write(fill(500))
		e.Complete()
		e.Unlock("producer")

		return e
	}

	old := complete("http://example.com/old")

	now = math.MaxInt64 - 1000

	recent := complete("http://example.com/recent")
	complete("http://example.com/newest")

	require.True(t, old.Destroyed())
	require.Equal(t, store.InMemory, recent.MemStatus())
}

func Test_Unlock_Releases_Entry_When_It_Is_Still_Pending(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	e := pending(s, "http://example.com/left", -1)

	require.Zero(t, e.Unlock("producer"))
	require.True(t, e.HasFlag(store.FlagReleaseRequest))
}

func Test_New_Returns_ErrInvalidOptions_When_Options_Are_Unusable(t *testing.T) {
	t.Parallel()

	_, err := store.New(store.Options{MaxObjectSize: 1})
	require.ErrorIs(t, err, store.ErrInvalidOptions)

	_, err = store.New(store.Options{Loop: evloop.New()})
	require.ErrorIs(t, err, store.ErrInvalidOptions)
}

// fakeDisk serves one complete object location and records unlinks.
type fakeDisk struct {
	rebuilding bool
	loc        store.Location
	unlinked   []ipc.AnchorID
	connected  int
}

func (*fakeDisk) Index() int { return 0 }

func (*fakeDisk) CanStore(int64) bool { return false }

func (d *fakeDisk) Rebuilding() bool { return d.rebuilding }

func (*fakeDisk) MarkForUnlink(*store.Entry) {}

func (d *fakeDisk) Lookup(store.Key) (store.Location, bool) {
	d.connected++

	return d.loc, true
}

func (d *fakeDisk) AnchorCollapsed(store.Key) (store.Location, bool) {
	return store.Location{}, false
}

func (d *fakeDisk) Create(*store.Entry, store.IOCallbacks) (store.IOState, ipc.AnchorID, error) {
	return nil, -1, store.ErrDiskFull
}

func (d *fakeDisk) Open(*store.Entry) (store.IOState, error) {
	return nil, store.ErrNotFound
}

func (d *fakeDisk) Unlink(e *store.Entry) {
	d.unlinked = append(d.unlinked, e.SwapFilen())
	d.connected--
}

func (d *fakeDisk) Disconnect(*store.Entry) { d.connected-- }

func Test_Release_Waits_For_Rebuild_When_Entry_Is_On_Disk(t *testing.T) {
	t.Parallel()

	disk := &fakeDisk{
		rebuilding: true,
		loc:        store.Location{Filen: 3, Basics: ipc.Basics{SwapFileSize: 100}, Complete: true},
	}

	s := newStore(t, func(o *store.Options) { o.Disk = disk })

	e := s.GetPublic(store.MethodGet, "http://example.com/old")
	require.NotNil(t, e)
	require.Equal(t, store.SwapDone, e.SwapStatus())

	e.Release()

	require.False(t, e.Destroyed())
	require.Equal(t, 1, s.Stats().LateReleases)
	require.InDelta(t, 1, testutil.ToFloat64(s.Metrics().LateReleases), 0)
	require.Empty(t, disk.unlinked)

	disk.rebuilding = false

	require.NoError(t, s.Loop().RunUntil(func() bool { return e.Destroyed() }, 5*time.Second))
	require.Equal(t, []ipc.AnchorID{3}, disk.unlinked)
	require.Zero(t, disk.connected)
}
