package capture

import (
	"testing"

	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/objstore"
	"github.com/manifold-vcs/manifold/internal/refs"
	"github.com/manifold-vcs/manifold/internal/workspace"
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

func TestCapturePinsRecoveryRef(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	root := newRootEpoch(t, store)
	backend := workspace.NewBackend(store)
	engine := NewEngine(store, backend)

	alice := mustWs(t, "alice")
	if _, err := backend.Create(alice, root); err != nil {
		t.Fatalf("Create: %v", err)
	}
	store.SetWorktreeFile(backend.Path(alice), "work.txt", []byte("in progress"))

	result, err := engine.Capture(alice, "destroy")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if result.Oid.IsZero() {
		t.Error("expected a non-zero captured oid")
	}

	got, ok, err := store.ReadRef(result.Ref)
	if err != nil {
		t.Fatalf("ReadRef(%s): %v", result.Ref, err)
	}
	if !ok {
		t.Fatalf("expected recovery ref %s to exist", result.Ref)
	}
	if got != result.Oid {
		t.Errorf("ref points at %s, want %s", got, result.Oid)
	}

	prefix := refs.RecoveryPrefix(alice)
	if len(result.Ref.String()) <= len(prefix) || result.Ref.String()[:len(prefix)] != prefix {
		t.Errorf("expected ref %s to live under recovery prefix %s", result.Ref, prefix)
	}
}

func TestSuccessiveCapturesDoNotCollide(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	root := newRootEpoch(t, store)
	backend := workspace.NewBackend(store)
	engine := NewEngine(store, backend)

	alice := mustWs(t, "alice")
	if _, err := backend.Create(alice, root); err != nil {
		t.Fatalf("Create: %v", err)
	}
	store.SetWorktreeFile(backend.Path(alice), "work.txt", []byte("v1"))

	r1, err := engine.Capture(alice, "destroy")
	if err != nil {
		t.Fatalf("first Capture: %v", err)
	}
	r2, err := engine.Capture(alice, "destroy")
	if err != nil {
		t.Fatalf("second Capture: %v", err)
	}
	if r1.Ref == r2.Ref {
		t.Errorf("expected successive captures to produce distinct refs, both were %s", r1.Ref)
	}
}

func TestCaptureAllJoinsAndSortsByWorkspace(t *testing.T) {
	store := objstore.NewFakeStore(t.TempDir())
	root := newRootEpoch(t, store)
	backend := workspace.NewBackend(store)
	engine := NewEngine(store, backend)

	bob := mustWs(t, "bob")
	alice := mustWs(t, "alice")
	for _, ws := range []ids.WorkspaceId{bob, alice} {
		if _, err := backend.Create(ws, root); err != nil {
			t.Fatalf("Create(%s): %v", ws, err)
		}
		store.SetWorktreeFile(backend.Path(ws), "notes.txt", []byte("wip-"+ws.String()))
	}

	results, err := engine.CaptureAll([]ids.WorkspaceId{bob, alice}, "merge")
	if err != nil {
		t.Fatalf("CaptureAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Workspace != alice || results[1].Workspace != bob {
		t.Errorf("expected results sorted by workspace id (alice, bob), got (%s, %s)", results[0].Workspace, results[1].Workspace)
	}
}
