package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gridlock/internal/ids"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	return l
}

func testEntry(resource string, action Action) Entry {
	return Entry{
		Actor:    "worker-a",
		Action:   action,
		Resource: resource,
		TaskID:   "task-1",
		Payload:  &Payload{OpID: "op-abc", SnapshotRef: "sha256:abc123"},
	}
}

func TestSequentialAppendsProduceValidChain(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < 5; i++ {
		if _, err := l.Append(testEntry("sheet-1", ActionChangeApplied)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	result := l.Verify("sheet-1")
	if !result.Consistent {
		t.Fatalf("expected consistent chain, got break at %d: %s", result.FirstBreakAt, result.Reason)
	}
	if result.Entries != 5 {
		t.Fatalf("expected 5 entries, got %d", result.Entries)
	}
}

func TestAppendReturnsContentHash(t *testing.T) {
	l := newTestLedger(t)

	ref, err := l.Append(testEntry("sheet-1", ActionChangeApplied))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.HasPrefix(ref, "sha256:") {
		t.Fatalf("expected sha256 ref, got %q", ref)
	}

	entries, err := l.Entries("sheet-1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if entries[0].ContentHash != ref {
		t.Fatalf("returned ref %s does not match stored content hash %s", ref, entries[0].ContentHash)
	}
	if entries[0].PrevHash != GenesisHash {
		t.Fatalf("first entry prev_hash = %s, want genesis", entries[0].PrevHash)
	}
}

func TestSegmentsAreIndependentPerResource(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.Append(testEntry("sheet-1", ActionChangeApplied)); err != nil {
		t.Fatalf("append sheet-1: %v", err)
	}
	if _, err := l.Append(testEntry("sheet-2", ActionChangeApplied)); err != nil {
		t.Fatalf("append sheet-2: %v", err)
	}

	entries, err := l.Entries("sheet-2")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry in sheet-2 segment, got %d", len(entries))
	}
	if entries[0].PrevHash != GenesisHash {
		t.Fatal("sheet-2 chain should start at genesis, not chain onto sheet-1")
	}

	resources, err := l.Resources()
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if len(resources) != 2 || resources[0] != "sheet-1" || resources[1] != "sheet-2" {
		t.Fatalf("unexpected resources: %v", resources)
	}
}

func TestReopenRecoversChainTail(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(testEntry("sheet-1", ActionChangeApplied)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Reopen and continue the chain.
	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := l2.Append(testEntry("sheet-1", ActionLockReleased)); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}

	result := l2.Verify("sheet-1")
	if !result.Consistent {
		t.Fatalf("expected consistent chain after reopen, break at %d: %s", result.FirstBreakAt, result.Reason)
	}
	if result.Entries != 4 {
		t.Fatalf("expected 4 entries, got %d", result.Entries)
	}
}

func TestEntriesSinceFiltersByTimestamp(t *testing.T) {
	l := newTestLedger(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := testEntry("sheet-1", ActionChangeApplied)
		e.Timestamp = base.Add(time.Duration(i) * time.Minute).Format(ids.TimestampFormat)
		if _, err := l.Append(e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	since, err := l.EntriesSince("sheet-1", base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("entries since: %v", err)
	}
	if len(since) != 3 {
		t.Fatalf("expected 3 entries at or after cut, got %d", len(since))
	}
	if since[0].Timestamp != base.Add(2*time.Minute).Format(ids.TimestampFormat) {
		t.Fatalf("cut entry itself should be included, got first ts %s", since[0].Timestamp)
	}
}

func TestLastRefTracksMostRecentChange(t *testing.T) {
	l := newTestLedger(t)

	ref, err := l.LastRef("sheet-1")
	if err != nil {
		t.Fatalf("last ref: %v", err)
	}
	if ref != "" {
		t.Fatalf("expected empty ref for fresh resource, got %q", ref)
	}

	e := testEntry("sheet-1", ActionChangeApplied)
	e.Payload = &Payload{OpID: "op-1", SnapshotRef: "sha256:first"}
	if _, err := l.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Non-change entries must not disturb LastRef.
	if _, err := l.Append(testEntry("sheet-1", ActionLockReleased)); err != nil {
		t.Fatalf("append: %v", err)
	}

	ref, err = l.LastRef("sheet-1")
	if err != nil {
		t.Fatalf("last ref: %v", err)
	}
	if ref != "sha256:first" {
		t.Fatalf("expected sha256:first, got %q", ref)
	}
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	l := newTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(testEntry("sheet-1", ActionChangeApplied)); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	result := l.Verify("sheet-1")
	if !result.Consistent {
		t.Fatalf("expected consistent chain, break at %d: %s", result.FirstBreakAt, result.Reason)
	}
	if result.Entries != 10 {
		t.Fatalf("expected 10 entries, got %d", result.Entries)
	}
}

func TestResourceIDsWithSlashesAreFlattened(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.Append(testEntry("team/alpha:sheet", ActionChangeApplied)); err != nil {
		t.Fatalf("append: %v", err)
	}
	result := l.Verify("team/alpha:sheet")
	if !result.Consistent || result.Entries != 1 {
		t.Fatalf("expected 1 consistent entry, got %+v", result)
	}
}

func TestDeterministicHashing(t *testing.T) {
	e := testEntry("sheet-1", ActionChangeApplied)
	e.Timestamp = "2026-03-01T12:00:00.000Z"

	h1 := HashBody(e)
	h2 := HashBody(e)
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}

	// The chain link is part of the hashed body: the same payload at a
	// different position must hash differently.
	e.PrevHash = "sha256:whatever"
	if HashBody(e) == h1 {
		t.Fatal("prev_hash must be folded into the content hash")
	}
	e.PrevHash = ""

	// And any body change must change the hash.
	e.Actor = "worker-b"
	if HashBody(e) == h1 {
		t.Fatal("body change did not change the content hash")
	}
}

// corruptLine rewrites one line of a segment file through raw file surgery.
func corruptLine(t *testing.T, path string, lineNum int, mutate func(string) string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[lineNum-1] = mutate(lines[lineNum-1])
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write segment: %v", err)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 10; i++ {
		if _, err := l.Append(testEntry("sheet-1", ActionChangeApplied)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Flip one byte of entry 6's actor field.
	corruptLine(t, l.segmentPath("sheet-1"), 6, func(s string) string {
		return strings.Replace(s, "worker-a", "worker-x", 1)
	})

	result := l.Verify("sheet-1")
	if result.Consistent {
		t.Fatal("expected tampered chain to be inconsistent")
	}
	if result.FirstBreakAt != 6 {
		t.Fatalf("expected first break at entry 6, got %d (%s)", result.FirstBreakAt, result.Reason)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(testEntry("sheet-1", ActionChangeApplied)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	path := l.segmentPath("sheet-1")
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	remaining := []string{lines[0], lines[2]}
	os.WriteFile(path, []byte(strings.Join(remaining, "\n")+"\n"), 0o600)

	result := l.Verify("sheet-1")
	if result.Consistent {
		t.Fatal("expected chain with deleted entry to be inconsistent")
	}
	if result.FirstBreakAt != 2 {
		t.Fatalf("expected first break at entry 2, got %d", result.FirstBreakAt)
	}
}

func TestVerifyDetectsDeletedDuplicateEntry(t *testing.T) {
	l := newTestLedger(t)

	// Three byte-identical bodies, as produced by rapid appends landing in
	// the same millisecond. Only the chain position tells them apart.
	for i := 0; i < 3; i++ {
		e := testEntry("sheet-1", ActionChangeApplied)
		e.Timestamp = "2026-03-01T12:00:00.000Z"
		if _, err := l.Append(e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	path := l.segmentPath("sheet-1")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	remaining := []string{lines[0], lines[2]}
	if err := os.WriteFile(path, []byte(strings.Join(remaining, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	result := l.Verify("sheet-1")
	if result.Consistent {
		t.Fatal("expected chain with deleted duplicate to be inconsistent")
	}
	if result.FirstBreakAt != 2 {
		t.Fatalf("expected first break at entry 2, got %d (%s)", result.FirstBreakAt, result.Reason)
	}
}

func TestVerifyDetectsForgedHashPair(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(testEntry("sheet-1", ActionChangeApplied)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Rewrite entry 2's body and recompute its content hash so the entry is
	// internally consistent; the chain must still break at entry 3.
	corruptLine(t, l.segmentPath("sheet-1"), 2, func(s string) string {
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		e.Actor = "forger"
		e.ContentHash = HashBody(e)
		out, _ := json.Marshal(e)
		return string(out)
	})

	result := l.Verify("sheet-1")
	if result.Consistent {
		t.Fatal("expected forged entry to break the chain")
	}
	if result.FirstBreakAt != 3 {
		t.Fatalf("expected downstream break at entry 3, got %d (%s)", result.FirstBreakAt, result.Reason)
	}
}

func TestVerifyMissingSegmentIsConsistent(t *testing.T) {
	l := newTestLedger(t)
	result := l.Verify("never-written")
	if !result.Consistent || result.Entries != 0 {
		t.Fatalf("empty history should be consistent, got %+v", result)
	}
}
