package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/smpcache/internal/config"
	"github.com/calvinalkan/smpcache/internal/logging"
)

// deps is what every command needs: the resolved config, the logger and,
// inside the REPL, the worker that stays open between commands.
type deps struct {
	cfg     config.Config
	log     logrus.FieldLogger
	env     map[string]string
	session string
	shared  *worker
}

// Run is the main entry point. Returns exit code.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("smpcache", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	segmentDir := globals.String("dir", "", "Override segment_dir")
	workerID := globals.Int("worker", 0, "Override worker_id")
	help := globals.BoolP("help", "h", false, "Show help")

	if len(args) < 2 {
		printUsage(out, globals)

		return 0
	}

	err := globals.Parse(args[1:])
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals)

		return 1
	}

	rest := globals.Args()

	if *help || len(rest) == 0 {
		printUsage(out, globals)

		return 0
	}

	input := config.LoadInput{
		WorkDir:    *workDir,
		ConfigPath: *configPath,
		Overrides:  config.Overrides{SegmentDir: *segmentDir},
		Env:        env,
	}

	if globals.Changed("worker") {
		input.Overrides.WorkerID = workerID
	}

	cfg, err := config.Load(input)
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals)

		return 1
	}

	logger, err := logging.New(cfg, errOut)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	defer func() { _ = logging.Close(logger) }()

	d := &deps{cfg: cfg, env: env, session: uuid.NewString()}
	d.log = logger.WithFields(logging.WorkerFields(cfg, d.session))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	name := rest[0]

	cmd, ok := commands(d)[name]
	if !ok {
		fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, globals)

		return 1
	}

	o := NewIO(in, out, errOut)

	code := cmd.Run(ctx, o, rest[1:])
	if code != 0 {
		return code
	}

	return o.Finish()
}

// commandList returns the commands in help order.
func commandList(d *deps) []*Command {
	return []*Command{
		InitCmd(d),
		PutCmd(d),
		GetCmd(d),
		FreeCmd(d),
		StatCmd(d),
		PrintConfigCmd(d),
		ReplCmd(d),
	}
}

func commands(d *deps) map[string]*Command {
	all := commandList(d)
	m := make(map[string]*Command, len(all))

	for _, c := range all {
		m[c.Name()] = c
	}

	return m
}

// abs resolves a command argument against the effective working directory.
func (d *deps) abs(path string) string {
	if path == "-" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(d.cfg.EffectiveCwd, path)
}

var errUsage = errors.New("usage")

// usageErr reports wrong arguments for cmd.
func usageErr(cmd *Command) error {
	return fmt.Errorf("%w: smpcache %s", errUsage, cmd.Usage)
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

// printUsage lists the global flags, then the commands: setup commands
// first, then the ones that run as a worker.
func printUsage(w io.Writer, globals *flag.FlagSet) {
	var setup, object []*Command

	for _, c := range commandList(&deps{}) {
		if c.Segments == SegmentsWorker {
			object = append(object, c)
		} else {
			setup = append(setup, c)
		}
	}

	fprintln(w, "smpcache - shared-memory object cache")
	fprintln(w)
	fprintln(w, "Usage: smpcache [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, globals.FlagUsages())
	fprintln(w, "Commands:")

	for _, line := range listing(setup) {
		fprintln(w, line)
	}

	fprintln(w)
	fprintln(w, "Worker commands (attach as --worker, also available in the repl):")

	for _, line := range listing(object) {
		fprintln(w, line)
	}
}
