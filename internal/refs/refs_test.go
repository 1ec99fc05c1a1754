package refs

import (
	"strings"
	"testing"

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

func TestBranchRef(t *testing.T) {
	if got, want := Branch("main").String(), "refs/heads/main"; got != want {
		t.Errorf("Branch(main) = %q, want %q", got, want)
	}
}

func TestEpochRefsAreDistinct(t *testing.T) {
	if EpochCurrent() == EpochReservation() {
		t.Fatal("epoch/current and epoch/next must be distinct refs")
	}
	if !strings.HasSuffix(EpochCurrent().String(), "/current") {
		t.Errorf("EpochCurrent() = %q, want suffix /current", EpochCurrent())
	}
	if !strings.HasSuffix(EpochReservation().String(), "/next") {
		t.Errorf("EpochReservation() = %q, want suffix /next", EpochReservation())
	}
}

func TestPerWorkspaceRefLayout(t *testing.T) {
	alice := mustWs(t, "alice")

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"Head", Head(alice).String(), "refs/manifold/head/alice"},
		{"WorkspaceEpoch", WorkspaceEpoch(alice).String(), "refs/manifold/epoch/alice"},
		{"State", State(alice).String(), "refs/manifold/state/alice"},
		{"Recovery", Recovery(alice, "20260101T000000.000Z", "destroy").String(), "refs/manifold/recovery/alice/20260101T000000.000Z-destroy"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestRecoveryPrefixMatchesRecoveryRefs(t *testing.T) {
	alice := mustWs(t, "alice")
	ref := Recovery(alice, "20260101T000000.000Z-1", "destroy")
	prefix := RecoveryPrefix(alice)
	if !strings.HasPrefix(ref.String(), prefix) {
		t.Errorf("Recovery ref %q does not have RecoveryPrefix %q", ref, prefix)
	}
}

func TestWorkspaceRefsDoNotCollideAcrossWorkspaces(t *testing.T) {
	alice := mustWs(t, "alice")
	bob := mustWs(t, "bob")
	if Head(alice) == Head(bob) {
		t.Error("distinct workspaces must not share a Head ref")
	}
	if RecoveryPrefix(alice) == RecoveryPrefix(bob) {
		t.Error("distinct workspaces must not share a recovery prefix")
	}
}
