package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileBackend keeps one <resource>.lock JSON file per resource. First
// acquisition relies on O_CREATE|O_EXCL for atomicity; stale overrides
// are serialized through a marker file so at most one overrider touches
// the lock record.
type FileBackend struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// NewFileBackend creates a file-backed lock store rooted at dir.
// A zero ttl falls back to DefaultTTL.
func NewFileBackend(dir string, ttl time.Duration) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("lock: create directory: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileBackend{dir: dir, ttl: ttl, now: time.Now}, nil
}

// TryAcquire implements Backend.
func (b *FileBackend) TryAcquire(ctx context.Context, req Record) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	now := b.now().UTC()
	req.AcquiredAt = now
	path := b.path(req.Resource)

	// Fast path: no lock file yet. Exclusive create is the atomic primitive.
	req.Epoch = 1
	created, err := b.createExclusive(path, req)
	if err != nil {
		return Record{}, false, err
	}
	if created {
		return req, false, nil
	}

	existing, err := b.read(path)
	if err != nil {
		// Unreadable or half-written lock record: treat as abandoned and
		// claim it, bumping past whatever epoch it may have carried.
		req.Epoch = 2
		return b.claimStale(path, req, nil)
	}

	// Same owner refreshes its own live lock without an epoch bump. The
	// refresh is only legal while the lock is fresh; a stale lock goes
	// through the override path even for its former owner, so a refresh
	// can never race a concurrent overrider.
	if existing.Owner == req.Owner && !existing.Stale(now, b.ttl) {
		req.Epoch = existing.Epoch
		if err := b.writeRecord(path, req); err != nil {
			return Record{}, false, err
		}
		return req, false, nil
	}

	if existing.Stale(now, b.ttl) {
		req.Epoch = existing.Epoch + 1
		return b.claimStale(path, req, existing)
	}

	return Record{}, false, &BusyError{Holder: *existing}
}

// Release implements Backend. The record must still match owner and epoch;
// anything else means the lock was superseded and the file is left alone.
func (b *FileBackend) Release(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.path(rec.Resource)
	existing, err := b.read(path)
	if err != nil {
		return nil // already gone or unreadable: released
	}
	if existing.Owner != rec.Owner || existing.Epoch != rec.Epoch {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Get implements Backend.
func (b *FileBackend) Get(ctx context.Context, resource string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := b.read(b.path(resource))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// List implements Backend.
func (b *FileBackend) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	des, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("lock: read directory: %w", err)
	}
	var out []Record
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".lock") {
			continue
		}
		rec, err := b.read(filepath.Join(b.dir, de.Name()))
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (b *FileBackend) path(resource string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return filepath.Join(b.dir, r.Replace(resource)+".lock")
}

// createExclusive attempts O_CREATE|O_EXCL. Returns false without error when
// the file already exists.
func (b *FileBackend) createExclusive(path string, rec Record) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("lock: create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("lock: marshal record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("lock: write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("lock: sync record: %w", err)
	}
	return true, nil
}

// claimStale takes over a stale or unreadable lock record. Overriders first
// take a marker file via exclusive create, so at most one of them mutates
// the lock file; the rest report Busy back into the manager's retry loop.
// Holding the marker, the winner confirms the record is still the one it
// judged stale, then replaces it in place with the bumped epoch. This
// mirrors the epoch-guarded update the SQLite backend performs in one
// statement. prior is nil when the existing record could not be parsed.
func (b *FileBackend) claimStale(path string, req Record, prior *Record) (Record, bool, error) {
	marker := path + ".override"
	mf, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			// A crashed overrider can orphan its marker; anything older
			// than the TTL is reaped so the next attempt gets through.
			if fi, statErr := os.Stat(marker); statErr == nil && b.now().Sub(fi.ModTime()) > b.ttl {
				os.Remove(marker)
			}
			return Record{}, false, fmt.Errorf("lock: override of %s in progress: %w", req.Resource, ErrBusy)
		}
		return Record{}, false, fmt.Errorf("lock: create override marker: %w", err)
	}
	mf.Close()
	defer os.Remove(marker)

	// Re-read under the marker. A changed record means another caller
	// already claimed the lock between our staleness check and now.
	current, err := b.read(path)
	switch {
	case err == nil:
		if prior == nil || current.Owner != prior.Owner || current.Epoch != prior.Epoch {
			return Record{}, false, &BusyError{Holder: *current}
		}
	case os.IsNotExist(err):
		// Released in the meantime: fall back to exclusive create so a
		// concurrent fresh acquirer cannot be clobbered.
		created, createErr := b.createExclusive(path, req)
		if createErr != nil {
			return Record{}, false, createErr
		}
		if !created {
			return Record{}, false, fmt.Errorf("lock: lost override race for %s: %w", req.Resource, ErrBusy)
		}
		return req, true, nil
	default:
		// Still unreadable: abandoned, proceed with the takeover.
	}

	// Rename-over keeps the lock file present throughout, so the fast
	// path's exclusive create can never slip in mid-override.
	if err := b.writeRecord(path, req); err != nil {
		return Record{}, false, err
	}
	return req, true, nil
}

// writeRecord replaces the lock file via tmp+rename. Callers must hold the
// right to mutate the record: the live owner refreshing its own lock, or an
// overrider holding the claim marker.
func (b *FileBackend) writeRecord(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lock: marshal record: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, ".lock-*")
	if err != nil {
		return fmt.Errorf("lock: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("lock: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("lock: sync temp: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("lock: rename: %w", err)
	}
	return nil
}

func (b *FileBackend) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("lock: parse %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}
