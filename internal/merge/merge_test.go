package merge

import (
	"testing"
)

func snap(cells map[string]string) Snapshot {
	s := Snapshot{Cells: cells}
	s.Ref = s.Hash()
	return s
}

func TestDisjointEditsAutoMerge(t *testing.T) {
	base := snap(map[string]string{"B5": "100", "C10": "N/A"})
	// Remote changed C10 after planning; local edits B5.
	current := snap(map[string]string{"B5": "100", "C10": "Done"})
	local := ChangeSet{
		Resource: "sheet-1",
		Actor:    "worker-a",
		BaseRef:  base.Ref,
		Edits:    []Edit{{Cell: "B5", Old: "100", New: "150"}},
	}

	res := Merge(base, local, current, Prior{Ref: base.Ref, Actor: "worker-b"})
	if res.Conflict != nil {
		t.Fatalf("expected clean merge, got conflict: %+v", res.Conflict)
	}
	m := res.Merged
	if len(m.Edits) != 1 || m.Edits[0].Cell != "B5" {
		t.Fatalf("unexpected merged edits: %+v", m.Edits)
	}
	if m.Result.Get("B5") != "150" || m.Result.Get("C10") != "Done" {
		t.Fatalf("merged snapshot lost an edit: %+v", m.Result.Cells)
	}
	if m.BaseRef != current.Ref {
		t.Fatalf("merged set must be rebased onto current (%s), got %s", current.Ref, m.BaseRef)
	}
}

func TestSameCellSameValueIsNoopDuplicate(t *testing.T) {
	base := snap(map[string]string{"B5": "100"})
	current := snap(map[string]string{"B5": "150"})
	local := ChangeSet{
		Resource: "sheet-1",
		Actor:    "worker-a",
		BaseRef:  base.Ref,
		Edits:    []Edit{{Cell: "B5", Old: "100", New: "150"}},
	}

	res := Merge(base, local, current, Prior{Ref: base.Ref})
	if res.Conflict != nil {
		t.Fatalf("agreeing edits must not conflict: %+v", res.Conflict)
	}
	if !res.Merged.Noop() {
		t.Fatalf("expected no-op merge, got edits: %+v", res.Merged.Edits)
	}
	if res.Merged.Result.Ref != current.Ref {
		t.Fatal("no-op merge must leave the snapshot untouched")
	}
}

func TestSameCellDifferentValuesConflict(t *testing.T) {
	base := snap(map[string]string{"B5": "100"})
	current := snap(map[string]string{"B5": "175"})
	local := ChangeSet{
		Resource: "sheet-1",
		Actor:    "worker-a",
		BaseRef:  base.Ref,
		Edits:    []Edit{{Cell: "B5", Old: "100", New: "150"}},
	}

	res := Merge(base, local, current, Prior{Ref: base.Ref, Actor: "worker-b"})
	if res.Merged != nil {
		t.Fatalf("expected conflict, got merge: %+v", res.Merged)
	}
	c := res.Conflict
	if c.Kind != KindOverlappingRange {
		t.Fatalf("expected overlapping_range, got %s", c.Kind)
	}
	if len(c.Overlapping) != 1 || c.Overlapping[0].Cell != "B5" {
		t.Fatalf("conflict must name the overlapping cell: %+v", c.Overlapping)
	}
	if c.Overlapping[0].Local.New != "150" || c.Overlapping[0].Remote.New != "175" {
		t.Fatalf("conflict must carry both competing values: %+v", c.Overlapping[0])
	}
	if len(c.Actors) != 2 || c.Actors[0] != "worker-a" || c.Actors[1] != "worker-b" {
		t.Fatalf("conflict must name both actors: %v", c.Actors)
	}
}

func TestStaleBaseIsVersionMismatch(t *testing.T) {
	base := snap(map[string]string{"B5": "100"})
	current := snap(map[string]string{"B5": "100"})
	local := ChangeSet{
		Resource: "sheet-1",
		Actor:    "worker-a",
		BaseRef:  "sha256:ancient",
		Edits:    []Edit{{Cell: "B5", Old: "100", New: "150"}},
	}

	res := Merge(base, local, current, Prior{Ref: current.Ref, Actor: "worker-b"})
	if res.Conflict == nil || res.Conflict.Kind != KindVersionMismatch {
		t.Fatalf("expected version_mismatch, got %+v", res)
	}
}

func TestNoRecordedChangeSkipsVersionCheck(t *testing.T) {
	base := snap(map[string]string{"B5": "100"})
	current := snap(map[string]string{"B5": "100"})
	local := ChangeSet{
		Resource: "sheet-1",
		Actor:    "worker-a",
		BaseRef:  base.Ref,
		Edits:    []Edit{{Cell: "B5", Old: "100", New: "150"}},
	}

	res := Merge(base, local, current, Prior{})
	if res.Conflict != nil {
		t.Fatalf("first-ever change must not version-check: %+v", res.Conflict)
	}
}

func TestRemoteCellDeletionConflictsWithLocalEdit(t *testing.T) {
	base := snap(map[string]string{"B5": "100"})
	current := snap(map[string]string{}) // remote cleared B5
	local := ChangeSet{
		Resource: "sheet-1",
		Actor:    "worker-a",
		BaseRef:  base.Ref,
		Edits:    []Edit{{Cell: "B5", Old: "100", New: "150"}},
	}

	res := Merge(base, local, current, Prior{Ref: base.Ref})
	if res.Conflict == nil || res.Conflict.Kind != KindOverlappingRange {
		t.Fatalf("expected conflict on cleared cell, got %+v", res)
	}
}

func TestMergeIsDeterministic(t *testing.T) {
	base := snap(map[string]string{"A1": "1", "B2": "2", "C3": "3"})
	current := snap(map[string]string{"A1": "x", "B2": "y", "C3": "3"})
	local := ChangeSet{
		Resource: "sheet-1",
		Actor:    "worker-a",
		BaseRef:  base.Ref,
		Edits: []Edit{
			{Cell: "B2", Old: "2", New: "z"},
			{Cell: "A1", Old: "1", New: "w"},
		},
	}

	first := Merge(base, local, current, Prior{Ref: base.Ref})
	for i := 0; i < 10; i++ {
		res := Merge(base, local, current, Prior{Ref: base.Ref})
		if res.Conflict == nil || first.Conflict == nil {
			t.Fatal("expected conflicts on both runs")
		}
		if len(res.Conflict.Overlapping) != len(first.Conflict.Overlapping) {
			t.Fatal("conflict set size varies between runs")
		}
		for j, o := range res.Conflict.Overlapping {
			if o != first.Conflict.Overlapping[j] {
				t.Fatalf("overlap order varies between runs: %+v vs %+v", o, first.Conflict.Overlapping[j])
			}
		}
	}
}

func TestSnapshotHashIsCanonical(t *testing.T) {
	a := snap(map[string]string{"B5": "100", "C10": "Done"})
	b := snap(map[string]string{"C10": "Done", "B5": "100"})
	if a.Ref != b.Ref {
		t.Fatalf("equal cell maps must hash equally: %s vs %s", a.Ref, b.Ref)
	}
	c := snap(map[string]string{"B5": "101", "C10": "Done"})
	if c.Ref == a.Ref {
		t.Fatal("different cell values must hash differently")
	}
}
