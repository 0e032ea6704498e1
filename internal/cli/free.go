package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/smpcache/internal/logging"
	"github.com/calvinalkan/smpcache/pkg/store"
)

// FreeCmd returns the free command.
func FreeCmd(d *deps) *Command {
	cmd := &Command{
		Flags: flag.NewFlagSet("free", flag.ContinueOnError),
		Usage: "free <url>",
		Short: "Remove an object from the cache",
		Long: `Release GET url. Its disk slots are freed once the last worker
reading it lets go.`,
		Segments: SegmentsWorker,
	}

	cmd.Exec = func(_ context.Context, o *IO, args []string) error {
		if len(args) != 1 {
			return usageErr(cmd)
		}

		return d.withWorker(func(w *worker) error {
			return execFree(o, d, w, args[0])
		})
	}

	return cmd
}

func execFree(o *IO, d *deps, w *worker, url string) error {
	e := w.store.GetPublic(store.MethodGet, url)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotCached, url)
	}

	if e.StoreStatus() == store.StorePending {
		o.Warn("object is still being fetched by another worker", "run free again once it completes")
	}

	d.log.WithFields(logging.EntryFields(e)).Info("free")

	e.Release()
	w.loop.Drain()

	o.Println("freed", url)

	return nil
}
