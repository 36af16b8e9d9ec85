package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"gridlock/internal/config"
	"gridlock/internal/idem"
	"gridlock/internal/ledger"
	"gridlock/internal/lock"
	"gridlock/internal/report"
)

// Worker watches the inbox and carries task files through the pipeline.
type Worker struct {
	cfg       *config.Config
	layout    Layout
	ledger    *ledger.Ledger
	guard     *idem.Guard
	processor *Processor
}

// New assembles a worker from configuration: lock backend, ledger, guard,
// executor, and report sink, all rooted under the workspace.
func New(cfg *config.Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout := NewLayout(cfg.Workspace)
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	led, err := ledger.Open(layout.Ledger())
	if err != nil {
		return nil, err
	}

	var backend lock.Backend
	switch cfg.Lock.Backend {
	case "sqlite":
		backend, err = lock.OpenSQLiteBackend(cfg.Lock.SQLitePath, cfg.Lock.TTL())
	default:
		backend, err = lock.NewFileBackend(layout.Locks(), cfg.Lock.TTL())
	}
	if err != nil {
		return nil, err
	}

	mgr := lock.NewManager(backend, lock.ManagerConfig{
		Base:     cfg.Lock.BackoffBase(),
		MaxDelay: cfg.Lock.BackoffMax(),
		Retries:  cfg.Lock.Retries,
		OnOverride: func(prev *lock.Record, next lock.Record) {
			p := &ledger.Payload{Owner: next.Owner, Epoch: next.Epoch}
			if prev != nil {
				p.PrevOwner = prev.Owner
			}
			_, _ = led.Append(ledger.Entry{
				Actor:    next.Owner,
				Action:   ledger.ActionStaleLockOverride,
				Resource: next.Resource,
				TaskID:   next.TaskID,
				Payload:  p,
			})
		},
	})

	guard, err := idem.Open(layout.IdemDB())
	if err != nil {
		return nil, err
	}

	exec, err := NewFileExecutor(layout.Snapshots())
	if err != nil {
		guard.Close()
		return nil, err
	}
	sink, err := report.NewSink(layout.Reports())
	if err != nil {
		guard.Close()
		return nil, err
	}

	processor := NewProcessor(ProcessorConfig{
		Layout: layout,
		Locks:  mgr,
		Ledger: led,
		Guard:  guard,
		Exec:   exec,
		Sink:   sink,
	})

	return &Worker{
		cfg:       cfg,
		layout:    layout,
		ledger:    led,
		guard:     guard,
		processor: processor,
	}, nil
}

// Close releases the idempotency index.
func (w *Worker) Close() error { return w.guard.Close() }

// Run starts the worker. Blocks until ctx is cancelled. On startup it
// requeues orphaned processing files and drains any tasks already waiting in
// the inbox.
func (w *Worker) Run(ctx context.Context) error {
	pidPath := filepath.Join(w.layout.StateDir(), "worker.pid")
	if err := acquirePIDLock(pidPath); err != nil {
		return fmt.Errorf("worker: acquire PID lock: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	if err := w.requeueOrphans(); err != nil {
		return fmt.Errorf("worker: requeue orphans: %w", err)
	}

	handler := func(path string) {
		if err := w.processor.Process(ctx, path); err != nil {
			fmt.Fprintf(os.Stderr, "worker: process %s: %v\n", filepath.Base(path), err)
		}
	}

	if err := ScanExisting(w.layout.Inbox(), handler); err != nil {
		return fmt.Errorf("worker: scan existing: %w", err)
	}

	if !w.cfg.Worker.WatchEnabled {
		pw := NewPollWatcher(w.layout.Inbox(), handler, w.cfg.Worker.Poll())
		return pw.Run(ctx)
	}
	iw := NewInboxWatcher(w.layout.Inbox(), handler)
	return iw.Run(ctx)
}

// requeueOrphans moves files left in processing/ back to the inbox. A task
// interrupted mid-pipeline is safe to retry: the idempotency guard turns any
// already-landed work into a duplicate no-op.
func (w *Worker) requeueOrphans() error {
	entries, err := os.ReadDir(w.layout.Processing())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isTaskFile(e.Name()) {
			continue
		}
		src := filepath.Join(w.layout.Processing(), e.Name())
		dst := filepath.Join(w.layout.Inbox(), e.Name())
		if err := moveFile(src, dst); err != nil {
			fmt.Fprintf(os.Stderr, "worker: requeue %s: %v\n", e.Name(), err)
		}
	}
	return nil
}

// acquirePIDLock writes the current PID to the file and checks for stale
// locks.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(string(data))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another worker is running (PID %d)", pid)
				}
			}
		}
		// Stale PID file — remove it.
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
