package manifold

import (
	"testing"

	"github.com/manifold-vcs/manifold/internal/config"
	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/objstore"
	"github.com/manifold-vcs/manifold/internal/refs"
	"github.com/rs/zerolog"
)

// newTestEngine wires an Engine over a FakeStore rooted at an empty-tree
// commit, with epoch/current and the mainline branch both already
// pointing at it — the state every test starts a merge from.
func newTestEngine(t *testing.T) (*Engine, ids.EpochId) {
	t.Helper()
	store := objstore.NewFakeStore(t.TempDir())

	tree, err := store.WriteTree(nil)
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	root, err := store.CreateCommit(tree, nil, "root", nil)
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if _, err := store.WriteRefCAS(refs.EpochCurrent(), ids.ZeroOID, root); err != nil {
		t.Fatalf("write epoch/current: %v", err)
	}
	if _, err := store.WriteRefCAS(refs.Branch("main"), ids.ZeroOID, root); err != nil {
		t.Fatalf("write branch ref: %v", err)
	}

	cfg := config.DefaultConfig()
	engine := New(store, cfg, zerolog.Nop())
	if err := engine.Recover(); err != nil {
		t.Fatalf("Recover on a fresh repository should be a no-op: %v", err)
	}
	return engine, root
}

func mustWorkspaceId(t *testing.T, name string) ids.WorkspaceId {
	t.Helper()
	ws, err := ids.NewWorkspaceId(name)
	if err != nil {
		t.Fatalf("NewWorkspaceId(%q): %v", name, err)
	}
	return ws
}

func TestMergeSingleCleanWorkspaceIsNoOp(t *testing.T) {
	engine, root := newTestEngine(t)
	alice := mustWorkspaceId(t, "alice")

	if _, err := engine.Create(alice, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := engine.Merge([]ids.WorkspaceId{alice}, MergeOptions{})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !result.NoOp {
		t.Fatal("expected a clean single-workspace merge to be a no-op")
	}
	if result.NewEpoch != root {
		t.Errorf("expected epoch to remain %s, got %s", root, result.NewEpoch)
	}

	current, _, err := engine.store.ReadRef(refs.EpochCurrent())
	if err != nil {
		t.Fatalf("ReadRef(epoch/current): %v", err)
	}
	if current != root {
		t.Errorf("no-op merge must not advance epoch/current, got %s", current)
	}
}

func TestMergeTwoWorkspacesCleanMerge(t *testing.T) {
	engine, root := newTestEngine(t)
	store := engine.store.(*objstore.FakeStore)
	backend := engine.Backend()

	alice := mustWorkspaceId(t, "alice")
	bob := mustWorkspaceId(t, "bob")
	if _, err := engine.Create(alice, ""); err != nil {
		t.Fatalf("Create(alice): %v", err)
	}
	if _, err := engine.Create(bob, ""); err != nil {
		t.Fatalf("Create(bob): %v", err)
	}

	store.SetWorktreeFile(backend.Path(alice), "alice.txt", []byte("hello from alice"))
	store.SetWorktreeFile(backend.Path(bob), "bob.txt", []byte("hello from bob"))

	result, err := engine.Merge([]ids.WorkspaceId{alice, bob}, MergeOptions{})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if result.NoOp {
		t.Fatal("expected a non-trivial merge, got NoOp")
	}
	if result.NewEpoch == root {
		t.Error("expected a new epoch distinct from the root commit")
	}
	if result.Plan.HasConflicts() {
		t.Fatalf("expected no conflicts, got %d", len(result.Plan.Conflicts))
	}

	commit, err := engine.store.ReadCommit(result.NewEpoch)
	if err != nil {
		t.Fatalf("ReadCommit(new epoch): %v", err)
	}
	entries, err := engine.store.ReadTree(commit.Tree)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["alice.txt"] || !names["bob.txt"] {
		t.Fatalf("expected merged tree to contain both files, got %v", names)
	}

	current, _, err := engine.store.ReadRef(refs.EpochCurrent())
	if err != nil {
		t.Fatalf("ReadRef(epoch/current): %v", err)
	}
	if current != result.NewEpoch {
		t.Errorf("epoch/current should advance to %s, got %s", result.NewEpoch, current)
	}
	branch, _, err := engine.store.ReadRef(refs.Branch("main"))
	if err != nil {
		t.Fatalf("ReadRef(branch): %v", err)
	}
	if branch != result.NewEpoch {
		t.Errorf("mainline branch should advance to %s, got %s", result.NewEpoch, branch)
	}
}

func TestMergeConflictingAddsReturnsMergeConflict(t *testing.T) {
	engine, _ := newTestEngine(t)
	store := engine.store.(*objstore.FakeStore)
	backend := engine.Backend()

	alice := mustWorkspaceId(t, "alice")
	bob := mustWorkspaceId(t, "bob")
	if _, err := engine.Create(alice, ""); err != nil {
		t.Fatalf("Create(alice): %v", err)
	}
	if _, err := engine.Create(bob, ""); err != nil {
		t.Fatalf("Create(bob): %v", err)
	}

	store.SetWorktreeFile(backend.Path(alice), "shared.txt", []byte("alice's version"))
	store.SetWorktreeFile(backend.Path(bob), "shared.txt", []byte("bob's version"))

	result, err := engine.Merge([]ids.WorkspaceId{alice, bob}, MergeOptions{})
	if err == nil {
		t.Fatalf("expected a merge conflict, got result %+v", result)
	}
	if !errs.Is(err, errs.ErrMergeConflict) {
		t.Errorf("expected ErrMergeConflict, got %v", err)
	}

	if exists := engine.state.Exists(); exists {
		t.Error("a refused merge must not leave a merge-state file behind")
	}
}

func TestMergeCheckPreviewsWithoutCommitting(t *testing.T) {
	engine, root := newTestEngine(t)
	store := engine.store.(*objstore.FakeStore)
	backend := engine.Backend()

	alice := mustWorkspaceId(t, "alice")
	if _, err := engine.Create(alice, ""); err != nil {
		t.Fatalf("Create(alice): %v", err)
	}
	store.SetWorktreeFile(backend.Path(alice), "alice.txt", []byte("hello"))

	result, err := engine.Merge([]ids.WorkspaceId{alice}, MergeOptions{Check: true})
	if err != nil {
		t.Fatalf("Merge(--check): %v", err)
	}
	if len(result.Plan.ApplyOrder) != 1 {
		t.Fatalf("expected one planned entry, got %d", len(result.Plan.ApplyOrder))
	}

	current, _, err := engine.store.ReadRef(refs.EpochCurrent())
	if err != nil {
		t.Fatalf("ReadRef(epoch/current): %v", err)
	}
	if current != root {
		t.Errorf("--check must not advance epoch/current, got %s want %s", current, root)
	}
}
