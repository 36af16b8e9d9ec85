package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Handle is proof of a held lock, passed back on release and handed to the
// resource executor so writes can be fenced against stale holders.
type Handle struct {
	Record Record
}

// ManagerConfig tunes the acquisition backoff loop.
type ManagerConfig struct {
	// Base is the first retry delay; doubles each attempt. Default 1s.
	Base time.Duration
	// MaxDelay caps any single backoff sleep. Default 60s.
	MaxDelay time.Duration
	// Retries is how many backoff cycles run after the first attempt
	// before giving up with ErrLockTimeout. Default 5.
	Retries int
	// OnOverride, when set, is called after a stale lock was overridden.
	// prev is the superseded record as far as it could be read.
	OnOverride func(prev *Record, next Record)
}

// Manager wraps a Backend with the contention policy: exponential backoff
// with jitter on Busy, stale-override logging, and idempotent release.
type Manager struct {
	backend Backend
	cfg     ManagerConfig
	sleep   func(context.Context, time.Duration) error
}

// NewManager creates a Manager over the given backend.
func NewManager(backend Backend, cfg ManagerConfig) *Manager {
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 5
	}
	return &Manager{backend: backend, cfg: cfg, sleep: sleepCtx}
}

// Acquire obtains the lock for resource on behalf of owner, retrying
// contended attempts with exponential backoff. Busy results never surface to
// the caller; after exhausting retries the error wraps ErrLockTimeout.
func (m *Manager) Acquire(ctx context.Context, resource, owner, taskID string) (Handle, error) {
	req := Record{Resource: resource, Owner: owner, TaskID: taskID}

	var lastHolder *Record
	for attempt := 0; attempt <= m.cfg.Retries; attempt++ {
		prev, _ := m.backend.Get(ctx, resource)

		rec, overrode, err := m.backend.TryAcquire(ctx, req)
		if err == nil {
			if overrode && m.cfg.OnOverride != nil {
				m.cfg.OnOverride(prev, rec)
			}
			return Handle{Record: rec}, nil
		}
		if !errors.Is(err, ErrBusy) {
			return Handle{}, err
		}

		var busy *BusyError
		if errors.As(err, &busy) {
			lastHolder = &busy.Holder
		}
		if attempt == m.cfg.Retries {
			break
		}
		if err := m.sleep(ctx, m.backoff(attempt)); err != nil {
			return Handle{}, err
		}
	}

	if lastHolder != nil {
		return Handle{}, fmt.Errorf("lock: %s still held by %s after %d retries: %w",
			resource, lastHolder.Owner, m.cfg.Retries, ErrLockTimeout)
	}
	return Handle{}, fmt.Errorf("lock: %s contended after %d retries: %w",
		resource, m.cfg.Retries, ErrLockTimeout)
}

// Release drops the lock. Idempotent: releasing an unheld, already-released,
// or superseded lock is a no-op.
func (m *Manager) Release(ctx context.Context, h Handle) error {
	if h.Record.Resource == "" {
		return nil
	}
	return m.backend.Release(ctx, h.Record)
}

// Held returns the current lock for a resource filtered for staleness by the
// given ttl, or nil when the resource is effectively unlocked.
func (m *Manager) Held(ctx context.Context, resource string, ttl time.Duration) (*Record, error) {
	rec, err := m.backend.Get(ctx, resource)
	if err != nil || rec == nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if rec.Stale(time.Now().UTC(), ttl) {
		return nil, nil
	}
	return rec, nil
}

// backoff computes min(base * 2^attempt + jitter, maxDelay).
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.Base << uint(attempt)
	if d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(m.cfg.Base)/2 + 1))
	if d+jitter > m.cfg.MaxDelay {
		return m.cfg.MaxDelay
	}
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
