package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gridlock/internal/merge"
)

// Executor is the resource side of the pipeline: fetch snapshots, apply a
// merged result, and verify what landed. The filesystem implementation below
// is the default; a remote spreadsheet backend satisfies the same interface.
type Executor interface {
	// Current returns the live snapshot of a resource. An unknown resource
	// returns an empty snapshot, not an error.
	Current(resource string) (merge.Snapshot, error)
	// At returns the snapshot previously stored under ref.
	At(resource, ref string) (merge.Snapshot, error)
	// Apply makes snap the live snapshot and stores it under its ref.
	Apply(resource string, snap merge.Snapshot) error
	// Verify re-reads the live snapshot and checks it hashes to ref.
	Verify(resource, ref string) error
}

// FileExecutor keeps resource snapshots as JSON files under the snapshots
// directory: snapshots/<resource>/current.json plus one file per historical
// ref, so merge bases stay fetchable after the resource moves on.
type FileExecutor struct {
	dir string
}

// NewFileExecutor roots an executor at dir, creating it if needed.
func NewFileExecutor(dir string) (*FileExecutor, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("executor: create directory: %w", err)
	}
	return &FileExecutor{dir: dir}, nil
}

// Current implements Executor.
func (x *FileExecutor) Current(resource string) (merge.Snapshot, error) {
	return x.read(filepath.Join(x.resourceDir(resource), "current.json"))
}

// At implements Executor.
func (x *FileExecutor) At(resource, ref string) (merge.Snapshot, error) {
	if ref == "" {
		return merge.Snapshot{Cells: map[string]string{}}, nil
	}
	path := filepath.Join(x.resourceDir(resource), refName(ref)+".json")
	snap, err := x.read(path)
	if err != nil {
		return merge.Snapshot{}, err
	}
	if snap.Ref == "" {
		return merge.Snapshot{}, fmt.Errorf("executor: no snapshot %s for %s", ref, resource)
	}
	return snap, nil
}

// Apply implements Executor. The historical copy is written first so a crash
// between the two writes never loses the only copy of a ref.
func (x *FileExecutor) Apply(resource string, snap merge.Snapshot) error {
	if snap.Ref == "" {
		snap.Ref = snap.Hash()
	}
	dir := x.resourceDir(resource)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("executor: create resource directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("executor: marshal snapshot: %w", err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(filepath.Join(dir, refName(snap.Ref)+".json"), data); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "current.json"), data)
}

// Verify implements Executor.
func (x *FileExecutor) Verify(resource, ref string) error {
	snap, err := x.Current(resource)
	if err != nil {
		return err
	}
	if got := snap.Hash(); got != ref {
		return fmt.Errorf("executor: %s verification failed: live snapshot is %s, want %s", resource, got, ref)
	}
	return nil
}

func (x *FileExecutor) read(path string) (merge.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return merge.Snapshot{Cells: map[string]string{}}, nil
		}
		return merge.Snapshot{}, fmt.Errorf("executor: read snapshot: %w", err)
	}
	var snap merge.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return merge.Snapshot{}, fmt.Errorf("executor: parse snapshot: %w", err)
	}
	if snap.Cells == nil {
		snap.Cells = map[string]string{}
	}
	return snap, nil
}

func (x *FileExecutor) resourceDir(resource string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return filepath.Join(x.dir, r.Replace(resource))
}

// refName flattens a "sha256:<hex>" ref into a filename.
func refName(ref string) string {
	return strings.ReplaceAll(ref, ":", "-")
}

// writeFileAtomic writes data via tmp + rename in the target's directory.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("executor: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("executor: rename: %w", err)
	}
	return nil
}
