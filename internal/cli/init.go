package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/smpcache/internal/config"
	"github.com/calvinalkan/smpcache/pkg/evloop"
	"github.com/calvinalkan/smpcache/pkg/ipc"
	"github.com/calvinalkan/smpcache/pkg/shm"
	"github.com/calvinalkan/smpcache/pkg/slotdir"
	"github.com/calvinalkan/smpcache/pkg/store"
)

// ErrAlreadyInitialized is returned by init when segments exist.
var ErrAlreadyInitialized = errors.New("cache segments already exist (use --force to replace or --rebuild to reindex)")

// InitCmd returns the init command.
func InitCmd(d *deps) *Command {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	force := flags.BoolP("force", "f", false, "Replace existing segments and drop cached objects")
	rebuild := flags.Bool("rebuild", false, "Keep the database file and rebuild the index from it")
	writeConfig := flags.Bool("write-config", false, "Save the effective config to "+config.FileName)

	return &Command{
		Flags: flags,
		Usage: "init [flags]",
		Short: "Create the shared segments",
		Long: `Create the disk database, its index, the transients table and the
notification queue. Workers attach to them with the other commands.

With --rebuild the database file is kept and the index is rebuilt from
the slot headers, so objects stored before survive.`,
		Segments: SegmentsCreate,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execInit(ctx, o, d, *force, *rebuild, *writeConfig)
		},
	}
}

func execInit(ctx context.Context, o *IO, d *deps, force, rebuild, writeConfig bool) error {
	cfg := d.cfg
	seg := segmentsOf(cfg)

	if force && rebuild {
		return errors.New("--force and --rebuild are mutually exclusive")
	}

	lk, err := shm.LockSet(seg.lock, true, waitTimeout)
	if err != nil {
		return fmt.Errorf("locking segments: %w", err)
	}

	defer func() { _ = lk.Close() }()

	_, statErr := os.Stat(seg.db)
	exists := statErr == nil

	switch {
	case rebuild && !exists:
		return fmt.Errorf("%w: %s", ErrNotInitialized, seg.db)
	case exists && !force && !rebuild:
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, seg.db)
	}

	err = os.MkdirAll(cfg.SegmentDirAbs, 0o750)
	if err != nil {
		return fmt.Errorf("cannot create segment dir: %w", err)
	}

	mode := slotdir.ModeCreate
	if rebuild {
		mode = slotdir.ModeRebuild
	}

	loop := evloop.New()

	dir, err := slotdir.Open(dirOptions(d, loop, mode))
	if err != nil {
		return fmt.Errorf("creating disk: %w", err)
	}

	err = waitRebuild(ctx, loop, dir)

	loop.Drain()
	err = errors.Join(err, dir.Close())

	if err != nil {
		return err
	}

	tr, err := store.CreateTransients(store.TransientsOptions{
		Path:    seg.transients,
		Entries: transientEntries(cfg),
		Logger:  d.log,
	})
	if err != nil {
		return fmt.Errorf("creating transients: %w", err)
	}

	err = tr.Close()
	if err != nil {
		return err
	}

	q, err := ipc.CreateQueue(queueOptions(cfg))
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}

	err = q.Close()
	if err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"slots":     cfg.Slots,
		"slot_size": cfg.SlotSize,
		"rebuilt":   dir.Stats().Rebuilt,
	}).Info("segments created")

	o.Printf("initialized %s: %d slots of %d bytes, %d workers\n",
		seg.db, cfg.Slots, cfg.SlotSize, cfg.Workers)

	if rebuild {
		st := dir.Stats()
		o.Printf("rebuilt %d objects (%d damaged chains skipped)\n", st.Rebuilt, st.RebuildErrors)
	}

	if writeConfig {
		path := filepath.Join(cfg.EffectiveCwd, config.FileName)

		err = config.Save(path, cfg)
		if err != nil {
			return err
		}

		o.Println("wrote", path)
	}

	return nil
}

func waitRebuild(ctx context.Context, loop *evloop.Loop, dir *slotdir.Dir) error {
	if !dir.Rebuilding() {
		return nil
	}

	err := loop.RunUntil(func() bool { return !dir.Rebuilding() || ctx.Err() != nil }, waitTimeout)
	if err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}

	return ctx.Err()
}
