package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/smpcache/internal/logging"
	"github.com/calvinalkan/smpcache/pkg/store"
)

// getChunk is the size of one client copy request.
const getChunk = 64 << 10

// Errors returned by get and free.
var (
	ErrNotCached  = errors.New("not cached")
	ErrReadFailed = errors.New("reading object failed")
)

// GetCmd returns the get command.
func GetCmd(d *deps) *Command {
	flags := flag.NewFlagSet("get", flag.ContinueOnError)
	output := flags.StringP("output", "o", "", "Write the body to `file` instead of stdout")
	headers := flags.BoolP("include", "i", false, "Include the stored header block")

	cmd := &Command{
		Flags: flags,
		Usage: "get <url> [flags]",
		Short: "Print a cached object",
		Long:  "Look up GET url in the cache and print its body.",

		Segments: SegmentsWorker,
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if len(args) != 1 {
			return usageErr(cmd)
		}

		return d.withWorker(func(w *worker) error {
			reply, body, err := fetch(ctx, d, w, args[0])
			if err != nil {
				return err
			}

			if *headers && reply != nil {
				body = append(bytes.Clone(reply.Header), body...)
			}

			if *output != "" {
				err = atomic.WriteFile(d.abs(*output), bytes.NewReader(body))
				if err != nil {
					return fmt.Errorf("cannot write %s: %w", *output, err)
				}

				o.Printf("wrote %d bytes to %s\n", len(body), *output)

				return nil
			}

			_, err = o.Write(body)

			return err
		})
	}

	return cmd
}

// fetch copies the whole object at url through a store client.
func fetch(ctx context.Context, d *deps, w *worker, url string) (*store.Reply, []byte, error) {
	e := w.store.GetPublic(store.MethodGet, url)
	if e == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotCached, url)
	}

	d.log.WithFields(logging.EntryFields(e)).Debug("get")

	c := w.store.NewClient(e)
	defer c.Close()

	var (
		reply  *store.Reply
		body   []byte
		done   bool
		failed bool
	)

	var next func(off int64)

	next = func(off int64) {
		c.Copy(store.CopyRequest{Offset: off, Length: getChunk}, func(r store.Result) {
			if r.Reply != nil {
				reply = r.Reply
			}

			if r.Error {
				failed = true

				return
			}

			body = append(body, r.Data...)

			if r.EOF {
				done = true

				return
			}

			next(off + int64(len(r.Data)))
		})
	}

	next(0)

	err := w.wait(ctx, func() bool { return done || failed })
	if err != nil {
		return nil, nil, err
	}

	if failed || !c.ObjectOK() {
		return nil, nil, fmt.Errorf("%w: %s", ErrReadFailed, url)
	}

	return reply, body, nil
}
