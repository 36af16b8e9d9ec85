package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores lock records in a shared SQLite database, for
// deployments where workers run on more than one host but can reach a common
// database file. The unique-row insert is the atomic creation primitive;
// stale overrides use an optimistic epoch-guarded update.
type SQLiteBackend struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

const locksSchema = `
CREATE TABLE IF NOT EXISTS locks (
	resource    TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	epoch       INTEGER NOT NULL,
	acquired_at TEXT NOT NULL
);`

// OpenSQLiteBackend opens (or creates) the shared lock database.
func OpenSQLiteBackend(path string, ttl time.Duration) (*SQLiteBackend, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("lock: open sqlite: %w", err)
	}
	if _, err := db.Exec(locksSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("lock: create schema: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLiteBackend{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

// TryAcquire implements Backend.
func (b *SQLiteBackend) TryAcquire(ctx context.Context, req Record) (Record, bool, error) {
	now := b.now().UTC()
	req.AcquiredAt = now
	req.Epoch = 1

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO locks(resource, owner, task_id, epoch, acquired_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(resource) DO NOTHING`,
		req.Resource, req.Owner, req.TaskID, req.Epoch, now.Format(time.RFC3339Nano))
	if err != nil {
		return Record{}, false, fmt.Errorf("lock: insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return req, false, nil
	}

	existing, err := b.Get(ctx, req.Resource)
	if err != nil {
		return Record{}, false, err
	}
	if existing == nil {
		// Row vanished between insert and read; the releaser won, retry
		// cheaply with one more exclusive insert.
		return b.TryAcquire(ctx, req)
	}

	switch {
	case existing.Owner == req.Owner:
		req.Epoch = existing.Epoch
		return b.update(ctx, req, existing.Epoch, false)
	case existing.Stale(now, b.ttl):
		req.Epoch = existing.Epoch + 1
		return b.update(ctx, req, existing.Epoch, true)
	default:
		return Record{}, false, &BusyError{Holder: *existing}
	}
}

// update claims the row only if the epoch is unchanged since we read it, so
// concurrent overriders cannot both win.
func (b *SQLiteBackend) update(ctx context.Context, req Record, prevEpoch int64, overrode bool) (Record, bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE locks SET owner = ?, task_id = ?, epoch = ?, acquired_at = ?
		 WHERE resource = ? AND epoch = ?`,
		req.Owner, req.TaskID, req.Epoch, req.AcquiredAt.Format(time.RFC3339Nano),
		req.Resource, prevEpoch)
	if err != nil {
		return Record{}, false, fmt.Errorf("lock: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		current, err := b.Get(ctx, req.Resource)
		if err != nil {
			return Record{}, false, err
		}
		if current == nil {
			return Record{}, false, fmt.Errorf("lock: resource %s contended: %w", req.Resource, ErrBusy)
		}
		return Record{}, false, &BusyError{Holder: *current}
	}
	return req, overrode, nil
}

// Release implements Backend.
func (b *SQLiteBackend) Release(ctx context.Context, rec Record) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource = ? AND owner = ? AND epoch = ?`,
		rec.Resource, rec.Owner, rec.Epoch)
	if err != nil {
		return fmt.Errorf("lock: delete: %w", err)
	}
	return nil
}

// Get implements Backend.
func (b *SQLiteBackend) Get(ctx context.Context, resource string) (*Record, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT resource, owner, task_id, epoch, acquired_at FROM locks WHERE resource = ?`,
		resource)
	rec, err := scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// List implements Backend.
func (b *SQLiteBackend) List(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT resource, owner, task_id, epoch, acquired_at FROM locks ORDER BY resource`)
	if err != nil {
		return nil, fmt.Errorf("lock: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(scan func(...any) error) (*Record, error) {
	var rec Record
	var acquiredAt string
	if err := scan(&rec.Resource, &rec.Owner, &rec.TaskID, &rec.Epoch, &acquiredAt); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, acquiredAt)
	if err != nil {
		return nil, fmt.Errorf("lock: parse acquired_at: %w", err)
	}
	rec.AcquiredAt = ts
	return &rec, nil
}
