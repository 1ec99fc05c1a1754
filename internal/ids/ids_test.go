package ids

import (
	"strings"
	"testing"

	"github.com/manifold-vcs/manifold/internal/errs"
)

func TestParseObjectIdRoundTrip(t *testing.T) {
	hex := strings.Repeat("ab", 20)
	oid, err := ParseObjectId(hex)
	if err != nil {
		t.Fatalf("ParseObjectId: %v", err)
	}
	if oid.String() != hex {
		t.Errorf("String() = %q, want %q", oid.String(), hex)
	}
	if oid.IsZero() {
		t.Error("parsed oid should not be zero")
	}
}

func TestParseObjectIdRejectsBadLength(t *testing.T) {
	_, err := ParseObjectId("abcd")
	if !errs.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestParseObjectIdRejectsNonHex(t *testing.T) {
	_, err := ParseObjectId(strings.Repeat("zz", 20))
	if !errs.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestZeroOIDIsZero(t *testing.T) {
	var oid ObjectId
	if !oid.IsZero() {
		t.Error("zero-value ObjectId should report IsZero")
	}
	if !ZeroOID.IsZero() {
		t.Error("ZeroOID should report IsZero")
	}
}

func TestNewRefNameAcceptsNamespacedAndBare(t *testing.T) {
	cases := []string{"refs/heads/main", "refs/manifold/epoch/current", "HEAD", "MERGE_HEAD"}
	for _, s := range cases {
		if _, err := NewRefName(s); err != nil {
			t.Errorf("NewRefName(%q) failed: %v", s, err)
		}
	}
}

func TestNewRefNameRejectsInvalid(t *testing.T) {
	cases := []string{"", "main", "heads/main"}
	for _, s := range cases {
		if _, err := NewRefName(s); !errs.Is(err, errs.ErrInvalidInput) {
			t.Errorf("NewRefName(%q) = %v, want ErrInvalidInput", s, err)
		}
	}
}

func TestMustRefNamePanicsOnInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected MustRefName to panic on invalid input")
		}
	}()
	MustRefName("not-a-ref")
}

func TestNewWorkspaceIdAccepts(t *testing.T) {
	cases := []string{"a", "alice", "agent-7", "x0-y1"}
	for _, s := range cases {
		ws, err := NewWorkspaceId(s)
		if err != nil {
			t.Errorf("NewWorkspaceId(%q) failed: %v", s, err)
		}
		if ws.String() != s {
			t.Errorf("String() = %q, want %q", ws.String(), s)
		}
	}
}

func TestNewWorkspaceIdRejects(t *testing.T) {
	cases := []string{
		"",
		".",
		"..",
		"-alice",
		".hidden",
		"has/slash",
		"has\\backslash",
		"Capitalized",
		"has space",
		strings.Repeat("a", 65),
	}
	for _, s := range cases {
		if _, err := NewWorkspaceId(s); !errs.Is(err, errs.ErrInvalidInput) {
			t.Errorf("NewWorkspaceId(%q) = %v, want ErrInvalidInput", s, err)
		}
	}
}

func TestWorkspaceIdIsDefault(t *testing.T) {
	ws, err := NewWorkspaceId("default")
	if err != nil {
		t.Fatalf("NewWorkspaceId(default): %v", err)
	}
	if !ws.IsDefault() {
		t.Error("expected IsDefault() on \"default\"")
	}

	other, err := NewWorkspaceId("alice")
	if err != nil {
		t.Fatalf("NewWorkspaceId(alice): %v", err)
	}
	if other.IsDefault() {
		t.Error("did not expect IsDefault() on \"alice\"")
	}
}
