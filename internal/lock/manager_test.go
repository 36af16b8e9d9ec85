package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubBackend scripts TryAcquire outcomes for backoff-loop tests.
type stubBackend struct {
	results []error // one per attempt; nil means success
	calls   int
}

func (s *stubBackend) TryAcquire(_ context.Context, req Record) (Record, bool, error) {
	var err error
	if s.calls < len(s.results) {
		err = s.results[s.calls]
	}
	s.calls++
	if err != nil {
		return Record{}, false, err
	}
	req.Epoch = 1
	return req, false, nil
}

func (s *stubBackend) Release(context.Context, Record) error        { return nil }
func (s *stubBackend) Get(context.Context, string) (*Record, error) { return nil, nil }
func (s *stubBackend) List(context.Context) ([]Record, error)       { return nil, nil }

func noSleep(m *Manager) []time.Duration {
	var slept []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return slept
}

func TestAcquireRetriesThroughBusy(t *testing.T) {
	busy := &BusyError{Holder: Record{Resource: "sheet-1", Owner: "worker-b"}}
	b := &stubBackend{results: []error{busy, busy, nil}}
	m := NewManager(b, ManagerConfig{Base: time.Millisecond, Retries: 5})
	m.sleep = func(context.Context, time.Duration) error { return nil }

	h, err := m.Acquire(context.Background(), "sheet-1", "worker-a", "t1")
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if h.Record.Owner != "worker-a" {
		t.Fatalf("unexpected handle: %+v", h)
	}
	if b.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", b.calls)
	}
}

func TestAcquireTimesOutAfterRetries(t *testing.T) {
	busy := &BusyError{Holder: Record{Resource: "sheet-1", Owner: "worker-b"}}
	b := &stubBackend{results: []error{busy, busy, busy, busy, busy, busy, busy}}
	m := NewManager(b, ManagerConfig{Base: time.Millisecond, Retries: 5})
	m.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := m.Acquire(context.Background(), "sheet-1", "worker-a", "t1")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if errors.Is(err, ErrBusy) {
		t.Fatal("Busy must not leak past the manager boundary")
	}
	// First attempt plus five retries.
	if b.calls != 6 {
		t.Fatalf("expected 6 attempts, got %d", b.calls)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	m := NewManager(&stubBackend{}, ManagerConfig{Base: time.Second, MaxDelay: 5 * time.Second, Retries: 5})

	prev := time.Duration(0)
	for attempt := 0; attempt < 2; attempt++ {
		d := m.backoff(attempt)
		floor := m.cfg.Base << uint(attempt)
		if d < floor {
			t.Fatalf("attempt %d: backoff %v below floor %v", attempt, d, floor)
		}
		if d <= prev {
			t.Fatalf("attempt %d: backoff %v did not grow past %v", attempt, d, prev)
		}
		prev = d
	}
	for attempt := 3; attempt < 10; attempt++ {
		if d := m.backoff(attempt); d > m.cfg.MaxDelay {
			t.Fatalf("attempt %d: backoff %v exceeds cap %v", attempt, d, m.cfg.MaxDelay)
		}
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	busy := &BusyError{Holder: Record{Resource: "sheet-1", Owner: "worker-b"}}
	b := &stubBackend{results: []error{busy, busy, busy}}
	m := NewManager(b, ManagerConfig{Base: time.Minute, Retries: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Acquire(ctx, "sheet-1", "worker-a", "t1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReleaseEmptyHandleIsNoop(t *testing.T) {
	m := NewManager(&stubBackend{}, ManagerConfig{})
	if err := m.Release(context.Background(), Handle{}); err != nil {
		t.Fatalf("releasing empty handle errored: %v", err)
	}
}

func TestOverrideCallbackFires(t *testing.T) {
	b := newTestFileBackend(t, 50*time.Second)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return start }

	ctx := context.Background()
	if _, _, err := b.TryAcquire(ctx, Record{Resource: "sheet-1", Owner: "worker-a", TaskID: "t1"}); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	b.now = func() time.Time { return start.Add(2 * time.Minute) }
	var gotPrev *Record
	var gotNext Record
	m := NewManager(b, ManagerConfig{
		Base:    time.Millisecond,
		Retries: 1,
		OnOverride: func(prev *Record, next Record) {
			gotPrev, gotNext = prev, next
		},
	})
	m.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := m.Acquire(ctx, "sheet-1", "worker-b", "t2"); err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	if gotPrev == nil || gotPrev.Owner != "worker-a" {
		t.Fatalf("override callback did not capture previous holder: %+v", gotPrev)
	}
	if gotNext.Owner != "worker-b" || gotNext.Epoch != 2 {
		t.Fatalf("override callback got wrong next record: %+v", gotNext)
	}
}

func TestHeldFiltersStaleLocks(t *testing.T) {
	b := newTestFileBackend(t, DefaultTTL)
	ctx := context.Background()

	start := time.Now().UTC().Add(-10 * time.Minute)
	b.now = func() time.Time { return start }
	if _, _, err := b.TryAcquire(ctx, Record{Resource: "sheet-1", Owner: "worker-a", TaskID: "t1"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m := NewManager(b, ManagerConfig{})
	rec, err := m.Held(ctx, "sheet-1", DefaultTTL)
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if rec != nil {
		t.Fatalf("lock acquired 10m ago with 2m TTL should read as unheld, got %+v", rec)
	}
}
