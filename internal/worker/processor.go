package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gridlock/internal/idem"
	"gridlock/internal/ids"
	"gridlock/internal/ledger"
	"gridlock/internal/lock"
	"gridlock/internal/merge"
	"gridlock/internal/report"
)

// ProcessorConfig wires the pipeline stages together.
type ProcessorConfig struct {
	Layout Layout
	Locks  *lock.Manager
	Ledger *ledger.Ledger
	Guard  *idem.Guard
	Exec   Executor
	Sink   *report.Sink
	Policy merge.Policy // nil escalates every conflict
}

// Processor carries one task file through the full pipeline. Every exit path
// writes an operation report; task files end up in archive/ or failed/.
type Processor struct {
	cfg ProcessorConfig
}

// NewProcessor creates a processor with the given configuration.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Policy == nil {
		cfg.Policy = merge.EscalatePolicy{}
	}
	return &Processor{cfg: cfg}
}

// idemParams is the canonical parameter set hashed into the idempotency key.
// Submission time is deliberately excluded: a redelivered task with a fresh
// timestamp is still the same operation.
type idemParams struct {
	Resource string       `json:"resource_id"`
	BaseRef  string       `json:"base_snapshot_ref"`
	Edits    []merge.Edit `json:"proposed_edits"`
}

// Process handles a single task file: read, validate, move to processing,
// execute, report, archive.
func (p *Processor) Process(ctx context.Context, taskPath string) error {
	// Reject symlinks before reading: an inbox symlink must not turn
	// arbitrary filesystem content into a task.
	fi, err := os.Lstat(taskPath)
	if err != nil {
		return fmt.Errorf("worker: stat task file: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("worker: rejected symlink: %s", filepath.Base(taskPath))
	}

	data, err := os.ReadFile(taskPath)
	if err != nil {
		return fmt.Errorf("worker: read task file: %w", err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return p.reject(taskPath, filepath.Base(taskPath), "", fmt.Sprintf("invalid JSON: %v", err))
	}
	if err := ValidateTask(&task); err != nil {
		return p.reject(taskPath, task.TaskID, task.Actor, fmt.Sprintf("validation failed: %v", err))
	}

	processingPath := filepath.Join(p.cfg.Layout.Processing(), task.TaskID+".json")
	if err := moveFile(taskPath, processingPath); err != nil {
		return fmt.Errorf("worker: move to processing: %w", err)
	}

	rec := p.execute(ctx, &task)
	if err := p.cfg.Sink.Write(rec); err != nil {
		return fmt.Errorf("worker: write report: %w", err)
	}

	dest := p.cfg.Layout.Archive()
	if rec.Status == report.StatusFailure {
		dest = p.cfg.Layout.Failed()
	}
	if err := moveFile(processingPath, filepath.Join(dest, task.TaskID+".json")); err != nil {
		return fmt.Errorf("worker: archive task: %w", err)
	}
	return nil
}

// execute runs the pipeline for a parsed task and returns the operation
// record. It never returns an error: failures become failure records.
func (p *Processor) execute(ctx context.Context, task *Task) report.Record {
	started := time.Now()
	rec := report.Record{
		OpID:      task.TaskID,
		TaskID:    task.TaskID,
		Actor:     task.Actor,
		Resource:  task.Resource,
		StartedAt: started.UTC().Format(ids.TimestampFormat),
	}
	fail := func(err error) report.Record {
		rec.Status = report.StatusFailure
		rec.Error = err.Error()
		rec.DurationMS = time.Since(started).Milliseconds()
		return rec
	}

	params := idemParams{Resource: task.Resource, BaseRef: task.BaseRef, Edits: task.Edits}

	// Exactly-once: has this operation already landed?
	decision, err := p.cfg.Guard.ShouldApply(task.TaskID, params)
	if err != nil {
		return fail(fmt.Errorf("idempotency check: %w", err))
	}
	if !decision.Apply {
		rec.Status = report.StatusSuccess
		rec.Duplicate = true
		rec.EntryHash = decision.Result
		rec.DurationMS = time.Since(started).Milliseconds()
		return rec
	}

	handle, err := p.cfg.Locks.Acquire(ctx, task.Resource, task.Actor, task.TaskID)
	if err != nil {
		return fail(fmt.Errorf("acquire lock: %w", err))
	}
	if _, err := p.cfg.Ledger.Append(ledger.Entry{
		Actor:    task.Actor,
		Action:   ledger.ActionLockAcquired,
		Resource: task.Resource,
		TaskID:   task.TaskID,
		Payload:  &ledger.Payload{Epoch: handle.Record.Epoch},
	}); err != nil {
		_ = p.cfg.Locks.Release(ctx, handle)
		return fail(fmt.Errorf("record lock: %w", err))
	}
	defer func() {
		_ = p.cfg.Locks.Release(ctx, handle)
		_, _ = p.cfg.Ledger.Append(ledger.Entry{
			Actor:    task.Actor,
			Action:   ledger.ActionLockReleased,
			Resource: task.Resource,
			TaskID:   task.TaskID,
		})
	}()

	current, err := p.cfg.Exec.Current(task.Resource)
	if err != nil {
		return fail(fmt.Errorf("fetch current snapshot: %w", err))
	}
	priorRef, priorActor, err := p.cfg.Ledger.LastChange(task.Resource)
	if err != nil {
		return fail(fmt.Errorf("read ledger: %w", err))
	}

	// A base ref that resolves to a retained snapshot is a valid merge
	// ancestor even when newer changes have landed since planning; the
	// cell-level delta reconciles those. A base ref the snapshot store does
	// not know is a stale view, surfaced as a version mismatch against the
	// last recorded ref.
	prior := merge.Prior{Actor: priorActor}
	base := merge.Snapshot{Cells: map[string]string{}}
	if task.BaseRef != "" {
		b, err := p.cfg.Exec.At(task.Resource, task.BaseRef)
		if err == nil {
			base = b
			prior.Ref = task.BaseRef
		} else if priorRef != "" {
			prior.Ref = priorRef
		} else {
			return fail(fmt.Errorf("fetch base snapshot: %w", err))
		}
	}

	cs := task.ChangeSet()
	result := merge.Merge(base, cs, current, prior)

	var merged *merge.Merged
	var resolved *merge.Outcome
	if result.Conflict != nil {
		outcome := p.cfg.Policy.Resolve(*result.Conflict, base, cs, current)
		if _, err := p.cfg.Ledger.Append(ledger.Entry{
			Actor:    task.Actor,
			Action:   ledger.ActionConflictDetected,
			Resource: task.Resource,
			TaskID:   task.TaskID,
			Payload: &ledger.Payload{
				OpID:       task.TaskID,
				Cells:      overlapCells(result.Conflict),
				BaseRef:    task.BaseRef,
				Result:     string(result.Conflict.Kind),
				Resolution: string(outcome.Resolution),
				ResolvedBy: outcome.ResolvedBy,
			},
		}); err != nil {
			return fail(fmt.Errorf("record conflict: %w", err))
		}
		if outcome.Merged == nil {
			return fail(fmt.Errorf("conflict escalated: %s", merge.RenderConflict(*result.Conflict)))
		}
		merged = outcome.Merged
		resolved = &outcome
	} else {
		merged = result.Merged
	}

	if merged.Noop() {
		// The edits are already in place; nothing to write, but the
		// operation is done and must not re-apply on redelivery.
		if err := p.cfg.Guard.MarkApplied(task.TaskID, params, task.Resource, current.Ref); err != nil {
			return fail(fmt.Errorf("mark applied: %w", err))
		}
		rec.Status = report.StatusSuccess
		rec.EntryHash = current.Ref
		rec.DurationMS = time.Since(started).Milliseconds()
		return rec
	}

	if err := p.cfg.Exec.Apply(task.Resource, merged.Result); err != nil {
		return fail(fmt.Errorf("apply snapshot: %w", err))
	}
	if err := p.cfg.Exec.Verify(task.Resource, merged.Result.Ref); err != nil {
		return fail(err)
	}

	key, err := idem.Key(task.TaskID, params)
	if err != nil {
		return fail(fmt.Errorf("derive idempotency key: %w", err))
	}
	cells := make([]string, 0, len(merged.Edits))
	for _, e := range merged.Edits {
		cells = append(cells, e.Cell)
	}
	entryRef, err := p.cfg.Ledger.Append(ledger.Entry{
		Actor:    task.Actor,
		Action:   ledger.ActionChangeApplied,
		Resource: task.Resource,
		TaskID:   task.TaskID,
		Payload: &ledger.Payload{
			OpID:        task.TaskID,
			IdemKey:     key,
			Cells:       cells,
			SnapshotRef: merged.Result.Ref,
			BaseRef:     merged.BaseRef,
		},
	})
	if err != nil {
		return fail(fmt.Errorf("record change: %w", err))
	}
	if resolved != nil {
		if _, err := p.cfg.Ledger.Append(ledger.Entry{
			Actor:    task.Actor,
			Action:   ledger.ActionConflictResolved,
			Resource: task.Resource,
			TaskID:   task.TaskID,
			Payload: &ledger.Payload{
				OpID:       task.TaskID,
				Resolution: string(resolved.Resolution),
				ResolvedBy: resolved.ResolvedBy,
				Result:     entryRef,
			},
		}); err != nil {
			return fail(fmt.Errorf("record resolution: %w", err))
		}
	}

	if err := p.cfg.Guard.MarkApplied(task.TaskID, params, task.Resource, entryRef); err != nil {
		return fail(fmt.Errorf("mark applied: %w", err))
	}

	rec.Status = report.StatusSuccess
	rec.EntryHash = entryRef
	rec.Cells = cells
	rec.DurationMS = time.Since(started).Milliseconds()
	return rec
}

// reject reports an unprocessable task file and moves it to failed/.
func (p *Processor) reject(taskPath, id, actor, msg string) error {
	if actor == "" {
		actor = "unknown"
	}
	rec := report.Record{
		OpID:     id,
		TaskID:   id,
		Actor:    actor,
		Resource: "",
		Status:   report.StatusFailure,
		Error:    msg,
	}
	if err := p.cfg.Sink.Write(rec); err != nil {
		return fmt.Errorf("worker: write report: %w", err)
	}
	dest := filepath.Join(p.cfg.Layout.Failed(), filepath.Base(taskPath))
	if err := moveFile(taskPath, dest); err != nil {
		return fmt.Errorf("worker: move rejected task: %w", err)
	}
	return nil
}

func overlapCells(c *merge.Conflict) []string {
	cells := make([]string, 0, len(c.Overlapping))
	for _, o := range c.Overlapping {
		cells = append(cells, o.Cell)
	}
	return cells
}
