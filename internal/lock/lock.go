// Package lock provides exclusive, time-bounded ownership of named resources
// for independent worker processes. The storage backend is pluggable: the
// default keeps one lock file per resource on a shared filesystem; a SQLite
// backend serves workers spread across hosts that share a database file.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a lock may go unrefreshed before any other caller
// may override it as stale.
const DefaultTTL = 120 * time.Second

// ErrBusy reports that the resource is locked by another live owner.
// It is retryable and never escapes the Manager's backoff loop.
var ErrBusy = errors.New("lock: resource busy")

// ErrLockTimeout reports that acquisition exhausted its backoff retries.
// Terminal for this attempt; the caller decides whether to escalate.
var ErrLockTimeout = errors.New("lock: acquisition timed out")

// Record is the persisted state of one lock. Epoch increases monotonically
// across stale overrides so a superseded holder can be fenced off: a release
// or write carrying a stale epoch is refused by the backend.
type Record struct {
	Resource   string    `json:"resource_id"`
	Owner      string    `json:"owner_id"`
	TaskID     string    `json:"task_id"`
	Epoch      int64     `json:"epoch"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long the lock has been held as of now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.AcquiredAt)
}

// Stale reports whether the lock has outlived the TTL.
func (r Record) Stale(now time.Time, ttl time.Duration) bool {
	return r.Age(now) > ttl
}

// Backend is the storage port for lock records. Creation must be atomic at
// the storage layer so two callers can never both believe they acquired a
// fresh lock.
type Backend interface {
	// TryAcquire makes a single acquisition attempt. On success it returns
	// the stored record (epoch assigned) and whether a stale lock was
	// overridden; contention returns an error wrapping ErrBusy.
	TryAcquire(ctx context.Context, req Record) (rec Record, overrode bool, err error)

	// Release drops the lock if rec still owns it (same owner and epoch).
	// Releasing an unheld or superseded lock is a no-op, never an error.
	Release(ctx context.Context, rec Record) error

	// Get returns the current record for a resource, or nil when unlocked.
	// Staleness is not filtered here; callers judge age themselves.
	Get(ctx context.Context, resource string) (*Record, error)

	// List returns every lock record the backend currently holds.
	List(ctx context.Context) ([]Record, error)
}

// BusyError wraps ErrBusy with the competing holder for diagnostics.
type BusyError struct {
	Holder Record
}

func (e *BusyError) Error() string {
	return "lock: resource " + e.Holder.Resource + " busy (held by " + e.Holder.Owner + ")"
}

func (e *BusyError) Unwrap() error { return ErrBusy }
