package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/smpcache/internal/config"
	"github.com/calvinalkan/smpcache/pkg/evloop"
	"github.com/calvinalkan/smpcache/pkg/ipc"
	"github.com/calvinalkan/smpcache/pkg/shm"
	"github.com/calvinalkan/smpcache/pkg/slotdir"
	"github.com/calvinalkan/smpcache/pkg/store"
)

const (
	// waitTimeout bounds how long a command waits for disk I/O.
	waitTimeout = 30 * time.Second

	// signalCheckInterval is how often a worker looks for wake-ups raised
	// by peers.
	signalCheckInterval = 10 * time.Millisecond
)

// ErrNotInitialized is returned when the shared segments do not exist.
var ErrNotInitialized = errors.New("cache segments not found (run 'smpcache init' first)")

// worker is one attached cache worker: its loop, its view of the shared
// disk index, transients table and queue, and its store.
type worker struct {
	cfg        config.Config
	loop       *evloop.Loop
	dir        *slotdir.Dir
	transients *store.Transients
	queue      *ipc.MultiQueue
	store      *store.Store
	registry   *prometheus.Registry
}

// segments lists the shared segment paths of cfg.
type segments struct {
	lock       string
	db         string
	transients string
	queue      string
}

func segmentsOf(cfg config.Config) segments {
	return segments{
		lock:       cfg.Path("lock"),
		db:         cfg.Path("db"),
		transients: cfg.Path("transients"),
		queue:      cfg.Path("queue"),
	}
}

func transientEntries(cfg config.Config) int {
	if cfg.Anchors > 0 {
		return cfg.Anchors
	}

	return cfg.Slots
}

func dirOptions(d *deps, loop *evloop.Loop, mode slotdir.Mode) slotdir.Options {
	return slotdir.Options{
		Path:          segmentsOf(d.cfg).db,
		Slots:         d.cfg.Slots,
		SlotSize:      d.cfg.SlotSize,
		Entries:       d.cfg.Anchors,
		MaxObjectSize: d.cfg.MaxObjectSize,
		Mode:          mode,
		Loop:          loop,
		Logger:        d.log,
	}
}

func queueOptions(cfg config.Config) ipc.QueueOptions {
	return ipc.QueueOptions{
		Path:     segmentsOf(cfg).queue,
		Workers:  cfg.Workers,
		Capacity: cfg.QueueCapacity,
		ItemSize: store.NotificationSize,
		LocalID:  cfg.WorkerID,
	}
}

// openWorker attaches to segments created by init.
func openWorker(d *deps) (*worker, error) {
	cfg := d.cfg
	seg := segmentsOf(cfg)

	_, err := os.Stat(seg.db)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotInitialized, seg.db)
		}

		return nil, err
	}

	// Hold init off while attaching.
	lk, err := shm.LockSet(seg.lock, false, waitTimeout)
	if err != nil {
		return nil, fmt.Errorf("locking segments: %w", err)
	}

	defer func() { _ = lk.Close() }()

	w := &worker{cfg: cfg, loop: evloop.New(), registry: prometheus.NewRegistry()}

	w.dir, err = slotdir.Open(dirOptions(d, w.loop, slotdir.ModeAttach))
	if err != nil {
		return nil, fmt.Errorf("attaching disk: %w", err)
	}

	if cfg.CollapsedForwarding {
		w.transients, err = store.AttachTransients(store.TransientsOptions{
			Path:    seg.transients,
			Entries: transientEntries(cfg),
			Logger:  d.log,
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("attaching transients: %w", err), w.Close())
		}

		w.queue, err = ipc.AttachQueue(queueOptions(cfg))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("attaching queue: %w", err), w.Close())
		}
	}

	w.registry.MustRegister(store.NewMapCollector("disk", w.dir.Map()))

	if w.transients != nil {
		w.registry.MustRegister(store.NewMapCollector("transients", w.transients.Map()))
	}

	w.store, err = store.New(store.Options{
		Loop:            w.loop,
		Disk:            w.dir,
		Transients:      w.transients,
		Queue:           w.queue,
		Waker:           peerWaker(d),
		WorkerID:        cfg.WorkerID,
		MaxObjectSize:   cfg.MaxObjectSize,
		MinObjectSize:   cfg.MinObjectSize,
		MaxInMemObjSize: cfg.MaxInMemObjSize,
		MemCacheSize:    cfg.MemCacheSize,
		QuickAbort: store.QuickAbort{
			Min: cfg.QuickAbortMin,
			Max: cfg.QuickAbortMax,
			Pct: cfg.QuickAbortPct,
		},
		CollapsedPollInterval: time.Duration(cfg.CollapsedPollInterval),
		SignalCheckInterval:   signalCheckInterval,
		Logger:                d.log,
		Metrics:               store.NewMetrics(w.registry),
	})
	if err != nil {
		return nil, errors.Join(err, w.Close())
	}

	d.log.Debug("worker attached")

	return w, nil
}

// peerWaker records wake-ups of peer workers. Peers run in other processes
// and pick the raised queue flag up on their next signal check.
func peerWaker(d *deps) store.Waker {
	return store.WakerFunc(func(peer int) {
		d.log.WithField("peer", peer).Debug("signaled peer")
	})
}

// Close detaches the worker. Pending disk I/O is finished first.
func (w *worker) Close() error {
	if w.store != nil {
		w.store.Close()
	}

	w.loop.Drain()

	var errs []error

	if w.dir != nil {
		errs = append(errs, w.dir.Close())
	}

	if w.transients != nil {
		errs = append(errs, w.transients.Close())
	}

	if w.queue != nil {
		errs = append(errs, w.queue.Close())
	}

	return errors.Join(errs...)
}

// wait runs the loop until cond holds, ctx is cancelled or waitTimeout passes.
func (w *worker) wait(ctx context.Context, cond func() bool) error {
	err := w.loop.RunUntil(func() bool { return cond() || ctx.Err() != nil }, waitTimeout)
	if err != nil {
		return fmt.Errorf("waiting for cache: %w", err)
	}

	return ctx.Err()
}

// withWorker runs fn with the REPL's worker, or with a worker attached for
// this one call.
func (d *deps) withWorker(fn func(*worker) error) (err error) {
	if d.shared != nil {
		return fn(d.shared)
	}

	w, err := openWorker(d)
	if err != nil {
		return err
	}

	defer func() { err = errors.Join(err, w.Close()) }()

	return fn(w)
}
