// Package worker implements the coordination daemon. Task files arrive as
// JSON in the inbox directory and are carried through the full pipeline:
// idempotency check, lock acquisition, three-way reconciliation, resource
// apply, ledger append, operation report.
package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// dirPerm is the permission for worker-managed directories.
const dirPerm = 0750

// Layout holds the coordination directory tree under one workspace root.
// Every process coordinating on the workspace derives the same paths from it.
type Layout struct {
	Root string
}

// NewLayout roots a layout at the given workspace directory.
func NewLayout(root string) Layout {
	if root == "" {
		root = "."
	}
	return Layout{Root: root}
}

// Inbox is where task files are dropped.
func (l Layout) Inbox() string { return filepath.Join(l.Root, "inbox") }

// Processing holds task files currently being worked on.
func (l Layout) Processing() string { return filepath.Join(l.Root, "inbox", "processing") }

// Archive holds completed task files.
func (l Layout) Archive() string { return filepath.Join(l.Root, "inbox", "archive") }

// Failed holds task files that could not be completed.
func (l Layout) Failed() string { return filepath.Join(l.Root, "inbox", "failed") }

// Locks is the lock service directory.
func (l Layout) Locks() string { return filepath.Join(l.Root, "locks") }

// Ledger is the audit ledger directory.
func (l Layout) Ledger() string { return filepath.Join(l.Root, "ledger") }

// StateDir holds the materialized state document.
func (l Layout) StateDir() string { return filepath.Join(l.Root, "state") }

// StatePath is the state document itself.
func (l Layout) StatePath() string { return filepath.Join(l.StateDir(), "state.json") }

// Backups holds timestamped state backups.
func (l Layout) Backups() string { return filepath.Join(l.Root, "backups") }

// Reports is the operation report directory.
func (l Layout) Reports() string { return filepath.Join(l.Root, "reports") }

// Snapshots holds resource snapshots, current and by ref.
func (l Layout) Snapshots() string { return filepath.Join(l.Root, "snapshots") }

// IdemDB is the idempotency side-index database.
func (l Layout) IdemDB() string { return filepath.Join(l.Root, "state", "idem.db") }

// EnsureDirs creates the full layout. Idempotent.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.Inbox(),
		l.Processing(),
		l.Archive(),
		l.Failed(),
		l.Locks(),
		l.Ledger(),
		l.StateDir(),
		l.Backups(),
		l.Reports(),
		l.Snapshots(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("worker: create directory %s: %w", dir, err)
		}
	}
	return nil
}

// moveFile moves src to dst using os.Rename. If rename fails with EXDEV
// (cross-device link, common with bind mounts), it falls back to
// copy + remove.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) || errno != syscall.EXDEV {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies src to dst preserving permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
