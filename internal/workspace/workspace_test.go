package workspace

import (
	"testing"

	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/objstore"
)

func mustWs(t *testing.T, name string) ids.WorkspaceId {
	t.Helper()
	ws, err := ids.NewWorkspaceId(name)
	if err != nil {
		t.Fatalf("NewWorkspaceId(%q): %v", name, err)
	}
	return ws
}

func newRootEpoch(t *testing.T, store *objstore.FakeStore) ids.EpochId {
	t.Helper()
	tree, err := store.WriteTree(nil)
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	root, err := store.CreateCommit(tree, nil, "root", nil)
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	return root
}

func TestCreateThenExists(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	root := newRootEpoch(t, store)
	backend := NewBackend(store)
	alice := mustWs(t, "alice")

	exists, err := backend.Exists(alice)
	if err != nil || exists {
		t.Fatalf("expected alice not to exist yet: exists=%v err=%v", exists, err)
	}

	ws, err := backend.Create(alice, root)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ws.State != StateActive {
		t.Errorf("expected new workspace to be Active, got %v", ws.State)
	}

	exists, err = backend.Exists(alice)
	if err != nil || !exists {
		t.Fatalf("expected alice to exist after Create: exists=%v err=%v", exists, err)
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	root := newRootEpoch(t, store)
	backend := NewBackend(store)
	alice := mustWs(t, "alice")

	if _, err := backend.Create(alice, root); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := backend.Create(alice, root); err == nil {
		t.Fatal("expected second Create of same workspace to fail")
	}
}

func TestListExcludesBookkeepingRefs(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	root := newRootEpoch(t, store)
	backend := NewBackend(store)

	if _, err := store.WriteRefCAS(ids.MustRefName("refs/manifold/epoch/current"), ids.ZeroOID, root); err != nil {
		t.Fatalf("write epoch/current: %v", err)
	}

	alice := mustWs(t, "alice")
	if _, err := backend.Create(alice, root); err != nil {
		t.Fatalf("Create: %v", err)
	}

	list, err := backend.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != alice {
		t.Fatalf("expected only alice listed, got %+v", list)
	}
}

func TestListReportsStaleWhenEpochAdvanced(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	root := newRootEpoch(t, store)
	backend := NewBackend(store)

	alice := mustWs(t, "alice")
	if _, err := backend.Create(alice, root); err != nil {
		t.Fatalf("Create: %v", err)
	}

	newTree, err := store.WriteTree([]objstore.TreeEntry{})
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	newEpoch, err := store.CreateCommit(newTree, []ids.ObjectId{root}, "advance", nil)
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if _, err := store.WriteRefCAS(ids.MustRefName("refs/manifold/epoch/current"), ids.ZeroOID, newEpoch); err != nil {
		t.Fatalf("write epoch/current: %v", err)
	}

	list, err := backend.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].State != StateStale {
		t.Fatalf("expected alice to be Stale, got %+v", list)
	}
}

func TestMarkDestroyingReflectsInList(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	root := newRootEpoch(t, store)
	backend := NewBackend(store)
	alice := mustWs(t, "alice")

	if _, err := backend.Create(alice, root); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.WriteRefCAS(ids.MustRefName("refs/manifold/epoch/current"), ids.ZeroOID, root); err != nil {
		t.Fatalf("write epoch/current: %v", err)
	}

	if err := backend.MarkDestroying(alice); err != nil {
		t.Fatalf("MarkDestroying: %v", err)
	}

	list, err := backend.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].State != StateDestroying {
		t.Fatalf("expected alice to show Destroying, got %+v", list)
	}

	if err := backend.ClearDestroying(alice); err != nil {
		t.Fatalf("ClearDestroying: %v", err)
	}
	list, err = backend.List()
	if err != nil {
		t.Fatalf("List after clear: %v", err)
	}
	if list[0].State != StateActive {
		t.Fatalf("expected alice to be Active again, got %+v", list)
	}
}

func TestIsCleanDetectsDirtyFiles(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	root := newRootEpoch(t, store)
	backend := NewBackend(store)
	alice := mustWs(t, "alice")

	if _, err := backend.Create(alice, root); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.WriteRefCAS(ids.MustRefName("refs/manifold/epoch/current"), ids.ZeroOID, root); err != nil {
		t.Fatalf("write epoch/current: %v", err)
	}

	clean, err := backend.IsClean(alice)
	if err != nil {
		t.Fatalf("IsClean: %v", err)
	}
	if !clean {
		t.Error("expected a freshly created workspace to be clean")
	}

	store.SetWorktreeFile(backend.Path(alice), "notes.txt", []byte("wip"))

	clean, err = backend.IsClean(alice)
	if err != nil {
		t.Fatalf("IsClean after dirtying: %v", err)
	}
	if clean {
		t.Error("expected workspace with a modified file to be dirty")
	}
}

func TestDestroyRemovesWorkspaceEpochRef(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	root := newRootEpoch(t, store)
	backend := NewBackend(store)
	alice := mustWs(t, "alice")

	if _, err := backend.Create(alice, root); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := backend.Destroy(alice, false); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	exists, err := backend.Exists(alice)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("expected workspace to no longer exist after Destroy")
	}
}

func TestDestroyNotFound(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	backend := NewBackend(store)
	ghost := mustWs(t, "ghost")

	if err := backend.Destroy(ghost, false); err == nil {
		t.Fatal("expected Destroy of a never-created workspace to fail")
	}
}
