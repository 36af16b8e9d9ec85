// Package health classifies a coordination workspace as healthy, degraded,
// or down by querying the lock service, verifying ledger segments, and
// checking the state document against what the ledger implies.
package health

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gridlock/internal/ids"
	"gridlock/internal/ledger"
	"gridlock/internal/lock"
	"gridlock/internal/report"
)

// Overall status values, ordered by severity.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Finding is one observed problem with a suggested action.
type Finding struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
	Action    string `json:"action,omitempty"`
}

// Summary is the outcome of one health check pass.
type Summary struct {
	Status    string    `json:"status"`
	CheckedAt string    `json:"checked_at"`
	Findings  []Finding `json:"findings,omitempty"`
}

// Checker queries the coordination components. All fields are optional;
// a nil component skips its checks.
type Checker struct {
	Locks       lock.Backend
	LockTTL     time.Duration
	Ledger      *ledger.Ledger
	StatePath   string
	StateMaxAge time.Duration
	Reports     *report.Sink
	now         func() time.Time
}

// NewChecker builds a checker with defaults filled in.
func NewChecker(c Checker) *Checker {
	if c.LockTTL <= 0 {
		c.LockTTL = lock.DefaultTTL
	}
	if c.StateMaxAge <= 0 {
		c.StateMaxAge = 10 * time.Minute
	}
	c.now = time.Now
	return &c
}

// Run executes every configured check and rolls the findings up into one
// overall status: any down finding makes the summary down, else any
// degraded finding makes it degraded.
func (c *Checker) Run(ctx context.Context) (Summary, error) {
	now := c.now().UTC()
	sum := Summary{Status: StatusHealthy, CheckedAt: now.Format(ids.TimestampFormat)}

	add := func(f Finding) {
		sum.Findings = append(sum.Findings, f)
		if f.Status == StatusDown {
			sum.Status = StatusDown
		} else if f.Status == StatusDegraded && sum.Status != StatusDown {
			sum.Status = StatusDegraded
		}
	}

	if c.Locks != nil {
		if err := c.checkLocks(ctx, now, add); err != nil {
			return sum, err
		}
	}
	if c.Ledger != nil {
		if err := c.checkLedger(add); err != nil {
			return sum, err
		}
	}
	if c.StatePath != "" {
		c.checkState(now, add)
	}
	if c.Reports != nil && c.Ledger != nil {
		if err := c.checkReports(add); err != nil {
			return sum, err
		}
	}

	return sum, nil
}

// checkLocks flags zombie locks: held past TTL with no release in sight.
func (c *Checker) checkLocks(ctx context.Context, now time.Time, add func(Finding)) error {
	recs, err := c.Locks.List(ctx)
	if err != nil {
		return fmt.Errorf("health: list locks: %w", err)
	}
	for _, rec := range recs {
		if !rec.Stale(now, c.LockTTL) {
			continue
		}
		add(Finding{
			Component: "lock",
			Status:    StatusDegraded,
			Detail: fmt.Sprintf("zombie lock on %s: held by %s for %s (TTL %s)",
				rec.Resource, rec.Owner, rec.Age(now).Round(time.Second), c.LockTTL),
			Action: "safe to override: the next acquirer will take it over with a bumped epoch",
		})
	}
	return nil
}

// checkLedger verifies every segment's hash chain. A broken chain means the
// resource's history cannot be trusted until manually reconciled.
func (c *Checker) checkLedger(add func(Finding)) error {
	results, err := c.Ledger.VerifyAll()
	if err != nil {
		return fmt.Errorf("health: verify ledger: %w", err)
	}
	for _, vr := range results {
		if vr.Consistent {
			continue
		}
		add(Finding{
			Component: "ledger",
			Status:    StatusDown,
			Detail: fmt.Sprintf("segment %s inconsistent at entry %d: %s",
				vr.Resource, vr.FirstBreakAt, vr.Reason),
			Action: "quarantine the segment and reconcile from resource snapshots before trusting reports",
		})
	}
	return nil
}

// checkState verifies the materialized document exists, matches its recorded
// hash, and is not stale relative to ledger activity.
func (c *Checker) checkState(now time.Time, add func(Finding)) {
	data, err := os.ReadFile(c.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			add(Finding{
				Component: "state",
				Status:    StatusDegraded,
				Detail:    "state document missing",
				Action:    "run a rebuild to materialize it from the ledger",
			})
			return
		}
		add(Finding{Component: "state", Status: StatusDown, Detail: fmt.Sprintf("state unreadable: %v", err)})
		return
	}

	recorded, err := os.ReadFile(c.StatePath + ".hash")
	if err == nil {
		h := sha256.Sum256(data)
		want := "sha256:" + hex.EncodeToString(h[:])
		if got := strings.TrimSpace(string(recorded)); got != want {
			add(Finding{
				Component: "state",
				Status:    StatusDown,
				Detail:    fmt.Sprintf("state document does not match its recorded hash (%s vs %s)", want, got),
				Action:    "discard the document and rebuild from the ledger",
			})
			return
		}
	}

	fi, err := os.Stat(c.StatePath)
	if err == nil && now.Sub(fi.ModTime().UTC()) > c.StateMaxAge && c.ledgerNewerThan(fi.ModTime().UTC()) {
		add(Finding{
			Component: "state",
			Status:    StatusDegraded,
			Detail: fmt.Sprintf("state document is %s old while the ledger has newer entries",
				now.Sub(fi.ModTime().UTC()).Round(time.Second)),
			Action: "run sync or rebuild to catch up",
		})
	}
}

// ledgerNewerThan reports whether any segment recorded an entry after t.
func (c *Checker) ledgerNewerThan(t time.Time) bool {
	if c.Ledger == nil {
		return false
	}
	resources, err := c.Ledger.Resources()
	if err != nil {
		return false
	}
	for _, res := range resources {
		entries, err := c.Ledger.EntriesSince(res, t)
		if err == nil && len(entries) > 0 {
			return true
		}
	}
	return false
}

// checkReports flags applied changes that never produced an operation
// report: a worker that died between ledger append and report write.
func (c *Checker) checkReports(add func(Finding)) error {
	seen := make(map[string]bool)
	days, err := c.Reports.Days()
	if err != nil {
		return fmt.Errorf("health: list reports: %w", err)
	}
	for _, day := range days {
		recs, err := c.Reports.Read(day)
		if err != nil {
			return fmt.Errorf("health: read reports: %w", err)
		}
		for _, r := range recs {
			seen[r.OpID] = true
		}
	}

	resources, err := c.Ledger.Resources()
	if err != nil {
		return fmt.Errorf("health: list resources: %w", err)
	}
	var missing []string
	for _, res := range resources {
		entries, err := c.Ledger.Entries(res)
		if err != nil {
			return fmt.Errorf("health: read ledger: %w", err)
		}
		for _, e := range entries {
			if e.Action != ledger.ActionChangeApplied || e.Payload == nil || e.Payload.OpID == "" {
				continue
			}
			if !seen[e.Payload.OpID] {
				missing = append(missing, e.Payload.OpID)
			}
		}
	}
	if len(missing) > 0 {
		add(Finding{
			Component: "reports",
			Status:    StatusDegraded,
			Detail:    fmt.Sprintf("%d applied change(s) have no operation report: %s", len(missing), strings.Join(missing, ", ")),
			Action:    "reconcile against the ledger; the entries themselves are authoritative",
		})
	}
	return nil
}
