package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Segments says how a command uses the shared cache segments.
type Segments uint8

const (
	// SegmentsNone commands only read the configuration.
	SegmentsNone Segments = iota

	// SegmentsWorker commands attach as the configured worker, or reuse the
	// REPL's worker.
	SegmentsWorker

	// SegmentsCreate commands create the segments under the exclusive lock.
	SegmentsCreate

	// SegmentsSession commands keep one worker attached until they return.
	SegmentsSession
)

// note is the help paragraph describing s.
func (s Segments) note() string {
	switch s {
	case SegmentsWorker:
		return "Attaches to the segments as worker_id (see --worker). Inside the REPL\nthe session's worker is used."
	case SegmentsCreate:
		return "Holds the segment lock exclusively; workers cannot attach meanwhile."
	case SegmentsSession:
		return "Keeps worker_id attached until exit or end of input."
	default:
		return ""
	}
}

// Command is one smpcache subcommand.
type Command struct {
	// Flags are the command's own flags. Global flags come before the
	// command name.
	Flags *flag.FlagSet

	// Usage is the command name followed by its arguments, as in
	// "put <url> <file>".
	Usage string

	// Short is the listing text. Long defaults to it.
	Short string
	Long  string

	Segments Segments

	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// inRepl reports whether the REPL offers c. The REPL already holds the
// worker, so commands that create segments or open a session are left out.
func (c *Command) inRepl() bool {
	return c.Segments == SegmentsNone || c.Segments == SegmentsWorker
}

// listing formats cmds as an aligned usage column followed by Short.
func listing(cmds []*Command) []string {
	width := 0
	for _, c := range cmds {
		width = max(width, len(c.Usage))
	}

	lines := make([]string, 0, len(cmds))
	for _, c := range cmds {
		lines = append(lines, fmt.Sprintf("  %-*s  %s", width, c.Usage, c.Short))
	}

	return lines
}

// PrintHelp prints "smpcache <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: smpcache", c.Usage)
	o.Println()
	o.Println(cmp.Or(c.Long, c.Short))

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")
		o.Printf("%s", c.Flags.FlagUsages())
	}

	if note := c.Segments.note(); note != "" {
		o.Println()
		o.Println(note)
	}
}

// Run parses args and executes the command. It returns the exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)

	switch {
	case errors.Is(err, flag.ErrHelp):
		c.PrintHelp(o)

		return 0
	case err != nil:
		o.ErrPrintln("error:", err)
		o.ErrPrintln("run 'smpcache " + c.Name() + " --help' for usage")

		return 1
	}

	err = c.Exec(ctx, o, c.Flags.Args())
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return 0
}
