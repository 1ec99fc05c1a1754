package mergestate

import (
	"testing"

	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
)

func mustWs(t *testing.T, name string) ids.WorkspaceId {
	t.Helper()
	ws, err := ids.NewWorkspaceId(name)
	if err != nil {
		t.Fatalf("NewWorkspaceId(%q): %v", name, err)
	}
	return ws
}

func TestCreateThenExistsThenDelete(t *testing.T) {
	f := New(t.TempDir())
	if f.Exists() {
		t.Fatal("fresh merge-state file should not exist yet")
	}

	alice := mustWs(t, "alice")
	state, err := f.Create([]ids.WorkspaceId{alice}, ids.ZeroOID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if state.Phase != PhasePrepare {
		t.Errorf("expected a fresh merge-state to start in PhasePrepare, got %v", state.Phase)
	}
	if !f.Exists() {
		t.Fatal("merge-state file should exist after Create")
	}

	if err := f.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.Exists() {
		t.Fatal("merge-state file should not exist after Delete")
	}
}

func TestCreateTwiceFailsMergeInProgress(t *testing.T) {
	gitDir := t.TempDir()
	alice := mustWs(t, "alice")

	f1 := New(gitDir)
	if _, err := f1.Create([]ids.WorkspaceId{alice}, ids.ZeroOID); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	f2 := New(gitDir)
	if _, err := f2.Create([]ids.WorkspaceId{alice}, ids.ZeroOID); !errs.Is(err, errs.ErrMergeInProgress) {
		t.Fatalf("expected ErrMergeInProgress on second Create, got %v", err)
	}
}

func TestSaveThenLoadRoundTripsPhaseTransition(t *testing.T) {
	alice := mustWs(t, "alice")
	f := New(t.TempDir())

	state, err := f.Create([]ids.WorkspaceId{alice}, ids.ZeroOID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	state.Phase = PhaseCommit
	state.CandidateOid = "deadbeef"
	state.CaptureRefs = []string{"refs/manifold/recovery/alice/x-destroy"}
	if err := f.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, exists, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected merge-state to exist after Save")
	}
	if loaded.Phase != PhaseCommit {
		t.Errorf("Phase = %v, want PhaseCommit", loaded.Phase)
	}
	if loaded.CandidateOid != "deadbeef" {
		t.Errorf("CandidateOid = %q, want deadbeef", loaded.CandidateOid)
	}
	if len(loaded.CaptureRefs) != 1 || loaded.CaptureRefs[0] != "refs/manifold/recovery/alice/x-destroy" {
		t.Errorf("unexpected CaptureRefs: %v", loaded.CaptureRefs)
	}
}

func TestLoadOnMissingFileReportsNotExists(t *testing.T) {
	f := New(t.TempDir())
	state, exists, err := f.Load()
	if err != nil {
		t.Fatalf("Load on missing file should not error: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for a missing merge-state file")
	}
	if state != nil {
		t.Errorf("expected nil state, got %+v", state)
	}
}
