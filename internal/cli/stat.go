package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
)

// StatCmd returns the stat command.
func StatCmd(d *deps) *Command {
	flags := flag.NewFlagSet("stat", flag.ContinueOnError)
	output := flags.StringP("output", "o", "", "Write the report to `file` instead of stdout")

	return &Command{
		Flags: flags,
		Usage: "stat [flags]",
		Short: "Show shared segment usage",
		Long:  "Report entry, slot and lock usage of the shared tables and pending notifications.",

		Segments: SegmentsWorker,
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return d.withWorker(func(w *worker) error {
				var buf bytes.Buffer

				err := report(&buf, w)
				if err != nil {
					return err
				}

				if *output == "" {
					_, err = o.Write(buf.Bytes())

					return err
				}

				err = atomic.WriteFile(d.abs(*output), &buf)
				if err != nil {
					return fmt.Errorf("cannot write %s: %w", *output, err)
				}

				o.Println("wrote", *output)

				return nil
			})
		},
	}
}

func report(out io.Writer, w *worker) error {
	cfg := w.cfg

	_, _ = fmt.Fprintf(out, "worker %d of %d, segments in %s\n\n", cfg.WorkerID, cfg.Workers, cfg.SegmentDirAbs)

	_, _ = fmt.Fprintln(out, "# disk")
	w.dir.Map().Dump(out)

	st := w.dir.Stats()
	_, _ = fmt.Fprintf(out, "this worker: created %d, completed %d, aborted %d\n", st.Created, st.Completed, st.Aborted)

	if w.transients != nil {
		_, _ = fmt.Fprintln(out, "\n# transients")
		w.transients.Map().Dump(out)
	}

	if w.queue != nil {
		_, _ = fmt.Fprintln(out, "\n# notifications")

		for from := range w.queue.Workers() {
			if from == w.queue.LocalID() {
				continue
			}

			_, _ = fmt.Fprintf(out, "from worker %d: %d pending\n", from, w.queue.Len(from))
		}

		reader := w.queue.Reader(w.queue.LocalID())
		_, _ = fmt.Fprintf(out, "blocked=%v signaled=%v\n", reader.Blocked(), reader.Signaled())
	}

	families, err := w.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	_, _ = fmt.Fprintln(out, "\n# metrics")

	var lines []string

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string

			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}

			value := m.GetGauge().GetValue() + m.GetCounter().GetValue()
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), value))
		}
	}

	sort.Strings(lines)

	for _, l := range lines {
		_, _ = fmt.Fprintln(out, l)
	}

	return nil
}
