package plan

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/partition"
	"github.com/manifold-vcs/manifold/internal/patchset"
)

func mustWs(t *testing.T, name string) ids.WorkspaceId {
	t.Helper()
	ws, err := ids.NewWorkspaceId(name)
	if err != nil {
		t.Fatalf("NewWorkspaceId(%q): %v", name, err)
	}
	return ws
}

func TestBuildDeletesBeforeUpserts(t *testing.T) {
	alice := mustWs(t, "alice")
	buckets := []partition.Bucket{
		{Path: "b.txt", Classification: partition.Clean, Contributors: []partition.Contributor{
			{WorkspaceID: alice, Change: patchset.Change{Path: "b.txt", Kind: patchset.Added}},
		}},
		{Path: "a.txt", Classification: partition.Clean, Contributors: []partition.Contributor{
			{WorkspaceID: alice, Change: patchset.Change{Path: "a.txt", Kind: patchset.Deleted}},
		}},
	}

	p := Build(buckets)
	if len(p.ApplyOrder) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(p.ApplyOrder))
	}
	if p.ApplyOrder[0].Action != Remove || p.ApplyOrder[0].Path != "a.txt" {
		t.Errorf("expected delete of a.txt first, got %+v", p.ApplyOrder[0])
	}
	if p.ApplyOrder[1].Action != Upsert || p.ApplyOrder[1].Path != "b.txt" {
		t.Errorf("expected upsert of b.txt second, got %+v", p.ApplyOrder[1])
	}
}

func TestBuildLexicographicWithinClass(t *testing.T) {
	alice := mustWs(t, "alice")
	buckets := []partition.Bucket{
		{Path: "z.txt", Classification: partition.Clean, Contributors: []partition.Contributor{
			{WorkspaceID: alice, Change: patchset.Change{Path: "z.txt", Kind: patchset.Added}},
		}},
		{Path: "a.txt", Classification: partition.Clean, Contributors: []partition.Contributor{
			{WorkspaceID: alice, Change: patchset.Change{Path: "a.txt", Kind: patchset.Added}},
		}},
	}

	p := Build(buckets)
	if p.ApplyOrder[0].Path != "a.txt" || p.ApplyOrder[1].Path != "z.txt" {
		t.Errorf("expected lexicographic order a.txt,z.txt, got %s,%s", p.ApplyOrder[0].Path, p.ApplyOrder[1].Path)
	}
}

func TestBuildRenameLoweredToDeletePlusUpsert(t *testing.T) {
	alice := mustWs(t, "alice")
	buckets := []partition.Bucket{
		{Path: "new.txt", Classification: partition.Clean, Contributors: []partition.Contributor{
			{WorkspaceID: alice, Change: patchset.Change{Path: "new.txt", Kind: patchset.Renamed, From: "old.txt"}},
		}},
	}

	p := Build(buckets)
	if len(p.ApplyOrder) != 2 {
		t.Fatalf("expected rename to lower to 2 entries, got %d", len(p.ApplyOrder))
	}
	if p.ApplyOrder[0].Action != Remove || p.ApplyOrder[0].Path != "old.txt" {
		t.Errorf("expected delete old.txt first, got %+v", p.ApplyOrder[0])
	}
	if p.ApplyOrder[1].Action != Upsert || p.ApplyOrder[1].Path != "new.txt" || p.ApplyOrder[1].RenameFrom != "old.txt" {
		t.Errorf("expected upsert new.txt annotated with RenameFrom, got %+v", p.ApplyOrder[1])
	}
}

func TestBuildConflictsExcludedFromApplyOrder(t *testing.T) {
	alice := mustWs(t, "alice")
	bob := mustWs(t, "bob")
	buckets := []partition.Bucket{
		{
			Path:           "shared.txt",
			Classification: partition.Conflict,
			ConflictKind:   partition.AddAdd,
			Contributors: []partition.Contributor{
				{WorkspaceID: alice, Change: patchset.Change{Path: "shared.txt", Kind: patchset.Added}},
				{WorkspaceID: bob, Change: patchset.Change{Path: "shared.txt", Kind: patchset.Added}},
			},
		},
	}

	p := Build(buckets)
	if len(p.ApplyOrder) != 0 {
		t.Errorf("expected no apply-order entries for a conflicted bucket, got %d", len(p.ApplyOrder))
	}
	if !p.HasConflicts() {
		t.Fatal("expected HasConflicts() true")
	}
	if len(p.Conflicts) != 1 || p.Conflicts[0].Path != "shared.txt" || p.Conflicts[0].Kind != partition.AddAdd {
		t.Errorf("unexpected conflict report: %+v", p.Conflicts)
	}
	if len(p.Conflicts[0].Contributors) != 2 {
		t.Errorf("expected 2 contributors recorded, got %d", len(p.Conflicts[0].Contributors))
	}
}

func TestBuildEmptyBucketsProducesEmptyPlan(t *testing.T) {
	p := Build(nil)
	if len(p.ApplyOrder) != 0 || len(p.Conflicts) != 0 || p.HasConflicts() {
		t.Errorf("expected empty plan for no buckets, got %+v", p)
	}
}

// TestPartitionThenBuildIsDeterministic checks the partition∘plan
// composition is pure: two independently constructed (but logically
// identical) patch-set inputs, built in different orders, must
// produce byte-identical MergePlans. Planning has no hidden state —
// map iteration order or slice construction order must never leak
// into ApplyOrder or Conflicts.
func TestPartitionThenBuildIsDeterministic(t *testing.T) {
	alice := mustWs(t, "alice")
	bob := mustWs(t, "bob")

	build := func(aliceFirst bool) MergePlan {
		aliceChanges := []patchset.Change{
			{Path: "a.txt", Kind: patchset.Added},
			{Path: "shared.txt", Kind: patchset.Modified},
		}
		bobChanges := []patchset.Change{
			{Path: "b.txt", Kind: patchset.Added},
			{Path: "shared.txt", Kind: patchset.Modified},
		}

		var patchSets []patchset.PatchSet
		alicePS := patchset.PatchSet{WorkspaceID: alice, Changes: aliceChanges}
		bobPS := patchset.PatchSet{WorkspaceID: bob, Changes: bobChanges}
		if aliceFirst {
			patchSets = []patchset.PatchSet{alicePS, bobPS}
		} else {
			patchSets = []patchset.PatchSet{bobPS, alicePS}
		}

		return Build(partition.Partition(patchSets))
	}

	first := build(true)
	second := build(false)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("partition∘Build is not deterministic under input ordering (-first +second):\n%s", diff)
	}
}
