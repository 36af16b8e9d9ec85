package merge

// Resolution is the recorded decision for a conflict.
type Resolution string

const (
	ResolutionKeepLocal   Resolution = "keep_local"
	ResolutionKeepRemote  Resolution = "keep_remote"
	ResolutionManualMerge Resolution = "manual_merge"
	ResolutionEscalated   Resolution = "escalated"
)

// Outcome is what a policy decided: the resolution label and, when the
// policy produced something applicable, the merged set to apply. A nil
// Merged with ResolutionEscalated hands the conflict to an operator.
type Outcome struct {
	Resolution Resolution
	ResolvedBy string
	Merged     *Merged
}

// Policy decides what happens to a conflict the engine could not auto-merge.
// Implementations must be side-effect-free; the caller records the outcome
// in the ledger.
type Policy interface {
	Resolve(c Conflict, base Snapshot, local ChangeSet, current Snapshot) Outcome
}

// EscalatePolicy is the default: never guess, hand every conflict to an
// operator.
type EscalatePolicy struct{}

// Resolve implements Policy.
func (EscalatePolicy) Resolve(c Conflict, _ Snapshot, _ ChangeSet, _ Snapshot) Outcome {
	return Outcome{Resolution: ResolutionEscalated, ResolvedBy: "policy:escalate"}
}

// RecentWinsPolicy resolves overlapping_range conflicts in favor of the
// local changeset, which by construction was submitted after the remote
// change landed. Version mismatches still escalate: a stale base means the
// proposer's whole plan is suspect, not just one cell.
type RecentWinsPolicy struct{}

// Resolve implements Policy.
func (RecentWinsPolicy) Resolve(c Conflict, _ Snapshot, local ChangeSet, current Snapshot) Outcome {
	if c.Kind != KindOverlappingRange {
		return Outcome{Resolution: ResolutionEscalated, ResolvedBy: "policy:recent-wins"}
	}

	result := current.Clone()
	for _, e := range local.Edits {
		result.Cells[e.Cell] = e.New
	}
	result.Ref = result.Hash()

	return Outcome{
		Resolution: ResolutionKeepLocal,
		ResolvedBy: "policy:recent-wins",
		Merged: &Merged{
			Resource: local.Resource,
			BaseRef:  current.Ref,
			Edits:    local.Edits,
			Result:   result,
		},
	}
}
