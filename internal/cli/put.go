package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/smpcache/internal/logging"
	"github.com/calvinalkan/smpcache/pkg/store"
)

// putChunk is how much of the file is handed to the store per write.
const putChunk = 64 << 10

// ErrNotStored is returned when the cache declined to keep an object.
var ErrNotStored = errors.New("object not stored")

// PutCmd returns the put command.
func PutCmd(d *deps) *Command {
	flags := flag.NewFlagSet("put", flag.ContinueOnError)
	contentType := flags.StringP("content-type", "t", "application/octet-stream", "Content-Type of the stored reply")

	cmd := &Command{
		Flags: flags,
		Usage: "put <url> <file>",
		Short: "Store a file under a URL",
		Long:  "Store the contents of file (- for stdin) as a 200 reply for GET url.",

		Segments: SegmentsWorker,
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != 2 {
			return usageErr(cmd)
		}

		body, err := readInput(o, d.abs(args[1]))
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		return d.withWorker(func(w *worker) error {
			return execPut(o, d, w, args[0], body, *contentType)
		})
	}

	return cmd
}

func readInput(o *IO, path string) ([]byte, error) {
	if path == "-" {
		if o.in == nil {
			return nil, errors.New("no stdin")
		}

		return io.ReadAll(o.in)
	}

	return os.ReadFile(path)
}

func replyFor(body []byte, contentType string, now time.Time) *store.Reply {
	header := fmt.Sprintf("HTTP/1.1 200 OK\r\nDate: %s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		now.UTC().Format(time.RFC1123), contentType, len(body))

	return &store.Reply{
		Status:        200,
		ContentLength: int64(len(body)),
		Date:          now.Unix(),
		Expires:       -1,
		LastModified:  now.Unix(),
		Header:        []byte(header),
	}
}

func execPut(o *IO, d *deps, w *worker, url string, body []byte, contentType string) error {
	e := w.store.CreateEntry(url, store.MethodGet, store.ReqCachable)
	defer e.Unlock("put")

	e.ReplaceReply(replyFor(body, contentType, time.Now()))

	for off := 0; off < len(body); off += putChunk {
		e.Write(body[off:min(off+putChunk, len(body))])
	}

	e.Complete()

	// The disk writer chains slot writes through the loop.
	w.loop.Drain()

	d.log.WithFields(logging.EntryFields(e)).Debug("put")

	if e.SwapStatus() != store.SwapDone {
		reason := "disk write failed"
		if m := e.MemObject(); m != nil && m.SwapOutDecision() == store.SwapOutImpossible {
			reason = "rejected by cachability checks"
		}

		return fmt.Errorf("%w: %s: %s", ErrNotStored, url, reason)
	}

	o.Printf("stored %s: %d bytes in anchor %d\n", url, len(body), e.SwapFilen())

	return nil
}
