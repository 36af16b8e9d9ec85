package merge

import (
	"fmt"
	"sort"
)

// Prior describes the last change the ledger recorded for the resource:
// the snapshot ref it produced and the actor who applied it. A zero Prior
// means no change has ever been recorded, which skips the version check.
type Prior struct {
	Ref   string
	Actor string
}

// Result is the outcome of a reconciliation: exactly one of Merged or
// Conflict is set.
type Result struct {
	Merged   *Merged
	Conflict *Conflict
}

// Merge performs the three-way reconciliation of local edits against the
// current remote snapshot, using base as the common ancestor.
//
// Rules, in order:
//  1. base must match prior.Ref, else the proposer planned against a stale
//     view and the result is a version_mismatch conflict;
//  2. remote delta = cells where current differs from base;
//  3. local edits on cells the remote delta did not touch apply cleanly;
//  4. local edits that agree with the remote value are no-op duplicates;
//  5. local edits that disagree with a remote change conflict as
//     overlapping_range — nothing is applied automatically.
func Merge(base Snapshot, local ChangeSet, current Snapshot, prior Prior) Result {
	if prior.Ref != "" && local.BaseRef != prior.Ref {
		return Result{Conflict: &Conflict{
			Resource: local.Resource,
			Kind:     KindVersionMismatch,
			Actors:   involved(local.Actor, prior.Actor),
			Detail: fmt.Sprintf("base snapshot %s is stale: ledger records %s as current",
				local.BaseRef, prior.Ref),
		}}
	}

	remote := delta(base, current)

	var apply []Edit
	var overlaps []Overlap
	for _, e := range local.Edits {
		re, touched := remote[e.Cell]
		if !touched {
			apply = append(apply, e)
			continue
		}
		if re.New == e.New {
			// Both sides want the same value: clean no-op duplicate.
			continue
		}
		overlaps = append(overlaps, Overlap{Cell: e.Cell, Local: e, Remote: re})
	}

	if len(overlaps) > 0 {
		sort.Slice(overlaps, func(i, j int) bool { return overlaps[i].Cell < overlaps[j].Cell })
		return Result{Conflict: &Conflict{
			Resource:    local.Resource,
			Kind:        KindOverlappingRange,
			Overlapping: overlaps,
			Actors:      involved(local.Actor, prior.Actor),
			Detail:      fmt.Sprintf("%d cell(s) changed concurrently with differing target values", len(overlaps)),
		}}
	}

	result := current.Clone()
	for _, e := range apply {
		result.Cells[e.Cell] = e.New
	}
	result.Ref = result.Hash()

	return Result{Merged: &Merged{
		Resource: local.Resource,
		BaseRef:  current.Ref,
		Edits:    apply,
		Result:   result,
	}}
}

// delta returns the cell-level difference between base and current as
// remote edits keyed by cell.
func delta(base, current Snapshot) map[string]Edit {
	out := make(map[string]Edit)
	for cell, cur := range current.Cells {
		if old := base.Get(cell); old != cur {
			out[cell] = Edit{Cell: cell, Old: old, New: cur}
		}
	}
	for cell, old := range base.Cells {
		if _, ok := current.Cells[cell]; !ok {
			out[cell] = Edit{Cell: cell, Old: old, New: ""}
		}
	}
	return out
}

func involved(local, remote string) []string {
	if remote == "" || remote == local {
		return []string{local}
	}
	return []string{local, remote}
}
