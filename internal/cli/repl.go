package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

// ReplCmd returns the repl command.
func ReplCmd(d *deps) *Command {
	return &Command{
		Flags: flag.NewFlagSet("repl", flag.ContinueOnError),
		Usage: "repl",
		Short: "Run commands against one attached worker",
		Long: `Attach once and read commands line by line. Every command except
init and repl is available; the worker stays attached between them, so
objects read earlier stay in its memory cache.`,
		Segments: SegmentsSession,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			w, err := openWorker(d)
			if err != nil {
				return err
			}

			d.shared = w

			defer func() { d.shared = nil }()

			r := &repl{d: d, o: o, lines: newLineReader(o.in, d.env)}

			return errors.Join(r.run(ctx), r.lines.Close(), w.Close())
		},
	}
}

// lineReader is the part of liner.State the REPL uses.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// scanReader reads lines from a non-terminal input.
type scanReader struct {
	s *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.s.Scan() {
		return r.s.Text(), nil
	}

	if err := r.s.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (*scanReader) AppendHistory(string) {}

func (*scanReader) Close() error { return nil }

// linerReader wraps liner with a history file.
type linerReader struct {
	*liner.State
	history string
}

func (r *linerReader) Close() error {
	if r.history != "" {
		if f, err := os.Create(r.history); err == nil {
			_, _ = r.WriteHistory(f)
			_ = f.Close()
		}
	}

	return r.State.Close()
}

func newLineReader(in io.Reader, env map[string]string) lineReader {
	if f, ok := in.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		st := liner.NewLiner()
		st.SetCtrlCAborts(true)
		st.SetCompleter(completer)

		r := &linerReader{State: st}

		if home := env["HOME"]; home != "" {
			r.history = filepath.Join(home, ".smpcache_history")

			if f, err := os.Open(r.history); err == nil {
				_, _ = st.ReadHistory(f)
				_ = f.Close()
			}
		}

		return r
	}

	if in == nil {
		in = strings.NewReader("")
	}

	return &scanReader{s: bufio.NewScanner(in)}
}

// replCommands lists the commands usable inside the REPL.
func replCommands(d *deps) map[string]*Command {
	m := commands(d)

	for name, c := range m {
		if !c.inRepl() {
			delete(m, name)
		}
	}

	return m
}

func completer(line string) []string {
	names := []string{"help", "exit", "quit"}

	for name := range replCommands(&deps{}) {
		names = append(names, name)
	}

	sort.Strings(names)

	var completions []string

	for _, name := range names {
		if strings.HasPrefix(name, strings.ToLower(line)) {
			completions = append(completions, name)
		}
	}

	return completions
}

type repl struct {
	d     *deps
	o     *IO
	lines lineReader
}

func (r *repl) run(ctx context.Context) error {
	cfg := r.d.cfg
	r.o.Printf("smpcache worker %d of %d (%s). Type 'help' for commands.\n", cfg.WorkerID, cfg.Workers, cfg.SegmentDirAbs)

	for ctx.Err() == nil {
		line, err := r.lines.Prompt("smpcache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		r.lines.AppendHistory(line)

		// Deliver notifications and timers that arrived while idle.
		r.d.shared.loop.RunOnce()

		parts := strings.Fields(line)

		switch name := strings.ToLower(parts[0]); name {
		case "exit", "quit", "q":
			return nil
		case "help", "?":
			r.printHelp()
		default:
			cmd, ok := replCommands(r.d)[name]
			if !ok {
				r.o.ErrPrintln("error: unknown command:", name)

				continue
			}

			cmd.Run(ctx, r.o, parts[1:])
		}
	}

	return ctx.Err()
}

func (r *repl) printHelp() {
	cmds := replCommands(r.d)

	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	list := make([]*Command, 0, len(names)+1)
	for _, name := range names {
		list = append(list, cmds[name])
	}

	list = append(list, &Command{Usage: "exit", Short: "Leave the REPL"})

	r.o.Println("Commands:")

	for _, line := range listing(list) {
		r.o.Println(line)
	}
}
