package health

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gridlock/internal/ledger"
	"gridlock/internal/lock"
	"gridlock/internal/report"
)

func newTestChecker(t *testing.T) (*Checker, string) {
	t.Helper()
	root := t.TempDir()
	l, err := ledger.Open(filepath.Join(root, "ledger"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	b, err := lock.NewFileBackend(filepath.Join(root, "locks"), time.Minute)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	sink, err := report.NewSink(filepath.Join(root, "reports"))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	c := NewChecker(Checker{
		Locks:       b,
		LockTTL:     time.Minute,
		Ledger:      l,
		StatePath:   filepath.Join(root, "state", "state.json"),
		StateMaxAge: 10 * time.Minute,
		Reports:     sink,
	})
	return c, root
}

func findingFor(sum Summary, component string) *Finding {
	for i := range sum.Findings {
		if sum.Findings[i].Component == component {
			return &sum.Findings[i]
		}
	}
	return nil
}

func TestRunEmptyWorkspaceIsHealthy(t *testing.T) {
	c, root := newTestChecker(t)
	writeState(t, root, `{"directives":{}}`)

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Status != StatusHealthy {
		t.Fatalf("status = %s, findings = %+v", sum.Status, sum.Findings)
	}
	if len(sum.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", sum.Findings)
	}
}

func TestRunFlagsZombieLock(t *testing.T) {
	c, root := newTestChecker(t)
	writeState(t, root, `{}`)

	ctx := context.Background()
	if _, _, err := c.Locks.TryAcquire(ctx, lock.Record{Resource: "budget-q3", Owner: "agent-a", TaskID: "t-1"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Status != StatusDegraded {
		t.Fatalf("status = %s", sum.Status)
	}
	f := findingFor(sum, "lock")
	if f == nil {
		t.Fatalf("no lock finding in %+v", sum.Findings)
	}
	if !strings.Contains(f.Detail, "budget-q3") || !strings.Contains(f.Detail, "agent-a") {
		t.Fatalf("detail = %q", f.Detail)
	}
}

func TestFreshLockIsNotFlagged(t *testing.T) {
	c, root := newTestChecker(t)
	writeState(t, root, `{}`)

	ctx := context.Background()
	if _, _, err := c.Locks.TryAcquire(ctx, lock.Record{Resource: "budget-q3", Owner: "agent-a"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f := findingFor(sum, "lock"); f != nil {
		t.Fatalf("unexpected lock finding: %+v", f)
	}
}

func TestRunFlagsBrokenLedgerAsDown(t *testing.T) {
	c, root := newTestChecker(t)
	writeState(t, root, `{}`)

	for i := 0; i < 3; i++ {
		e := ledger.Entry{Resource: "roster", Actor: "agent-a", Action: ledger.ActionLockAcquired}
		if _, err := c.Ledger.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	seg := filepath.Join(root, "ledger", "roster.jsonl")
	data, err := os.ReadFile(seg)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	tampered := strings.Replace(string(data), "agent-a", "agent-x", 1)
	if err := os.WriteFile(seg, []byte(tampered), 0o600); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Status != StatusDown {
		t.Fatalf("status = %s, findings = %+v", sum.Status, sum.Findings)
	}
	f := findingFor(sum, "ledger")
	if f == nil || f.Status != StatusDown {
		t.Fatalf("ledger finding = %+v", f)
	}
	if !strings.Contains(f.Detail, "roster") {
		t.Fatalf("detail = %q", f.Detail)
	}
}

func TestRunFlagsMissingStateDocument(t *testing.T) {
	c, _ := newTestChecker(t)

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	f := findingFor(sum, "state")
	if f == nil || f.Status != StatusDegraded {
		t.Fatalf("state finding = %+v", f)
	}
	if !strings.Contains(f.Detail, "missing") {
		t.Fatalf("detail = %q", f.Detail)
	}
}

func TestRunFlagsStateHashMismatchAsDown(t *testing.T) {
	c, root := newTestChecker(t)
	writeState(t, root, `{"directives":{}}`)
	if err := os.WriteFile(c.StatePath+".hash", []byte("sha256:deadbeef\n"), 0o600); err != nil {
		t.Fatalf("write hash: %v", err)
	}

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Status != StatusDown {
		t.Fatalf("status = %s", sum.Status)
	}
	f := findingFor(sum, "state")
	if f == nil || !strings.Contains(f.Detail, "hash") {
		t.Fatalf("state finding = %+v", f)
	}
}

func TestRunFlagsStaleStateBehindLedger(t *testing.T) {
	c, root := newTestChecker(t)
	writeState(t, root, `{}`)

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(c.StatePath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	e := ledger.Entry{Resource: "timeline", Actor: "agent-b", Action: ledger.ActionLockAcquired}
	if _, err := c.Ledger.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	f := findingFor(sum, "state")
	if f == nil || f.Status != StatusDegraded {
		t.Fatalf("state finding = %+v", f)
	}
	if !strings.Contains(f.Action, "rebuild") {
		t.Fatalf("action = %q", f.Action)
	}
}

func TestOldStateWithQuietLedgerIsHealthy(t *testing.T) {
	c, root := newTestChecker(t)
	writeState(t, root, `{}`)

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(c.StatePath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f := findingFor(sum, "state"); f != nil {
		t.Fatalf("unexpected state finding: %+v", f)
	}
}

func TestRunFlagsAppliedChangeWithoutReport(t *testing.T) {
	c, root := newTestChecker(t)
	writeState(t, root, `{}`)

	e := ledger.Entry{
		Resource: "budget-q3",
		Actor:    "agent-a",
		Action:   ledger.ActionChangeApplied,
		Payload:  &ledger.Payload{OpID: "op-777"},
	}
	if _, err := c.Ledger.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	f := findingFor(sum, "reports")
	if f == nil || f.Status != StatusDegraded {
		t.Fatalf("reports finding = %+v", f)
	}
	if !strings.Contains(f.Detail, "op-777") {
		t.Fatalf("detail = %q", f.Detail)
	}

	rec := report.Record{OpID: "op-777", TaskID: "t-1", Actor: "agent-a", Resource: "budget-q3", Status: report.StatusSuccess}
	if err := c.Reports.Write(rec); err != nil {
		t.Fatalf("write report: %v", err)
	}
	sum, err = c.Run(context.Background())
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if f := findingFor(sum, "reports"); f != nil {
		t.Fatalf("finding should clear once the report lands: %+v", f)
	}
}

func writeState(t *testing.T, root, body string) {
	t.Helper()
	path := filepath.Join(root, "state", "state.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir state: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write state: %v", err)
	}
}
